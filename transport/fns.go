// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	config "github.com/kevinburke/ssh_config"
)

// defaultKeyFile is the key tried when neither the DUT meta nor
// ssh_config names one.
var defaultKeyFile = filepath.Join(os.Getenv("HOME"), ".ssh/id_rsa")

// keyFile picks a private key file for host. Order: the explicit
// value, ssh_config's IdentityFile, the default.
func keyFile(host, kf string) string {
	if len(kf) == 0 {
		kf = config.Get(host, "IdentityFile")
		v("key file for %q from ssh_config: %q", host, kf)
		if len(kf) == 0 || kf == "~/.ssh/identity" {
			kf = defaultKeyFile
		}
	}
	// The config package does not expand ~.
	if strings.HasPrefix(kf, "~") {
		kf = filepath.Join(os.Getenv("HOME"), kf[1:])
	}
	v("keyFile(%q) is %q", host, kf)
	return kf
}

// hostName resolves host through ssh_config, returning host itself
// when there is no HostName entry.
func hostName(host string) string {
	if h := config.Get(host, "HostName"); len(h) != 0 {
		return h
	}
	return host
}

// userName resolves the login user: explicit value, ssh_config User,
// then $USER.
func userName(host, user string) string {
	if len(user) != 0 {
		return user
	}
	if u := config.Get(host, "User"); len(u) != 0 {
		return u
	}
	return os.Getenv("USER")
}

// shellQuote wraps s in single quotes for the remote shell, escaping
// embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// port resolves the ssh port. config.Get returns "22" even with no
// entry, so an explicit port always wins.
func port(host string, p int) string {
	if p != 0 {
		v("port(%q): explicit %d", host, p)
		return strconv.Itoa(p)
	}
	if cp := config.Get(host, "Port"); len(cp) != 0 {
		return cp
	}
	return "22"
}
