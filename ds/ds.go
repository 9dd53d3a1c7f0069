// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix" // TODO: doesn't build on OSX

	"github.com/u-root/dut/dut"
)

var (
	v      = func(string, ...interface{}) {}
	cancel = func() {}
)

// Simple form dns-sd query
type dsQuery struct {
	Type   string
	Domain string
	Text   map[string][]string
}

const (
	// DsDefault browses for any DUT in the local domain.
	DsDefault  = "dnssd:"
	dsTimeout  = 1 * time.Second // query-timeout
	timeFormat = "15:04:05.000"
)

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// check that dns-sd response has all required attributes
func required(src map[string]string, req map[string][]string) bool {
	for k := range req {
		if !slices.Contains(req[k], src[k]) {
			return false
		}
	}
	return true
}

// Parse turns a DNS-SD URI into a query, following the dns-sd URI
// conventions from CUPS:
// dnssd://domain/_service._network?reqkey=reqvalue. Everything can
// be omitted to underspecify, e.g. dnssd:?board=mk3 to pick any
// advertised mk3 device.
func Parse(uri string) (dsQuery, error) {
	result := dsQuery{
		Type:   "_dut._tcp",
		Domain: "local",
	}

	u, err := url.Parse(uri)
	if err != nil {
		return result, fmt.Errorf("trouble parsing url %s: %w", uri, err)
	}

	if u.Scheme != "dnssd" {
		return result, fmt.Errorf("not a dns-sd URI")
	}

	if u.Host != "" {
		result.Domain = u.Host
	}
	if u.Path != "" {
		result.Type = strings.Trim(u.Path, "/")
	}

	result.Text = u.Query()

	return result, nil
}

// fromEntry builds a DUT from a browse entry. The TXT record carries
// the transport details; unknown keys become metadata.
func fromEntry(e *dnssd.BrowseEntry) dut.DUT {
	d := dut.DUT{
		Host: e.Name,
		Port: e.Port,
		Kind: dut.SSH,
		Meta: make(map[string]string),
	}
	if len(e.IPs) > 0 {
		d.Meta["ip"] = e.IPs[0].String()
		d.Host = e.IPs[0].String()
	}
	for k, val := range e.Text {
		switch k {
		case "transport":
			d.Kind = dut.Kind(val)
		case "user":
			d.User = val
		case "port":
			if p, err := strconv.Atoi(val); err == nil {
				d.Port = p
			}
		default:
			d.Meta[k] = val
		}
	}
	d.Meta["instance"] = e.Name
	return d
}

// lookupType is swappable so discovery can be tested without a live
// mDNS responder.
var lookupType = func(ctx context.Context, service string, add, rmv func(dnssd.BrowseEntry)) error {
	return dnssd.LookupType(ctx, service, add, rmv)
}

// Discover browses for every DUT matching query within wait and
// returns them. An empty result is not an error; a lab with no
// advertised devices is a fact, not a failure.
func Discover(query dsQuery, wait time.Duration) ([]dut.DUT, error) {
	if wait == 0 {
		wait = dsTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	service := fmt.Sprintf("%s.%s.", strings.Trim(query.Type, "."), strings.Trim(query.Domain, "."))
	v("browsing for %s", service)

	// The callbacks run on the browser's goroutines, so collection is
	// mutex-guarded and nothing is handed back until LookupType has
	// returned and no callback can still fire.
	var mu sync.Mutex
	var duts []dut.DUT
	seen := make(map[string]bool)
	addFn := func(e dnssd.BrowseEntry) {
		v("%s	Add	%s	%s	%s	%s (%s)", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name, e.IPs)
		if !required(e.Text, query.Text) {
			return
		}
		d := fromEntry(&e)
		mu.Lock()
		if !seen[d.ID()] {
			seen[d.ID()] = true
			duts = append(duts, d)
		}
		mu.Unlock()
	}
	rmvFn := func(e dnssd.BrowseEntry) {
		v("%s	Rmv	%s	%s	%s	%s", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name)
	}

	err := lookupType(ctx, service, addFn, rmvFn)
	if err != nil && ctx.Err() == nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return duts, nil
}

// Lookup resolves a query to one DUT, the first suitable answer.
func Lookup(query dsQuery) (dut.DUT, error) {
	duts, err := Discover(query, dsTimeout)
	if err != nil {
		return dut.DUT{}, err
	}
	if len(duts) == 0 {
		return dut.DUT{}, fmt.Errorf("dnssd found no suitable device")
	}
	if len(duts) > 1 {
		v("WARNING: %d devices matched, using %s", len(duts), duts[0].ID())
	}
	return duts[0], nil
}

// Server components

// ParseKv parses a DNS-SD key value string into a map, with a
// sensible default for bare keys.
func ParseKv(arg string) map[string]string {
	txt := make(map[string]string)
	if len(arg) == 0 {
		return txt
	}
	for _, pair := range strings.Split(arg, ",") {
		z := strings.SplitN(pair, "=", 2)
		if len(z) > 1 {
			txt[z[0]] = z[1]
		} else {
			txt[z[0]] = "true"
		}
	}
	return txt
}

// Unregister stops the advertisement started by Register.
func Unregister() {
	v("stopping dns-sd server")
	cancel()
}

func DefaultInstance() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "collectord"
	}
	return hostname + "-collectord"
}

// UpdateSysInfo folds current machine state into the TXT record so
// browsers can pick the least-loaded endpoint.
func UpdateSysInfo(txtFlag map[string]string) {
	var sysinfo unix.Sysinfo_t
	if err := unix.Sysinfo(&sysinfo); err != nil {
		v("Sysinfo call failed: %v", err)
		return
	}

	txtFlag["mem_avail"] = strconv.FormatUint(uint64(sysinfo.Freeram), 10)
	txtFlag["mem_total"] = strconv.FormatUint(uint64(sysinfo.Totalram), 10)
	txtFlag["load1"] = strconv.FormatUint(uint64(sysinfo.Loads[0]), 10)
	txtFlag["load5"] = strconv.FormatUint(uint64(sysinfo.Loads[1]), 10)
	txtFlag["load15"] = strconv.FormatUint(uint64(sysinfo.Loads[2]), 10)
}

// DefaultTxt fills in the TXT keys every advertisement should carry.
func DefaultTxt(txtFlag map[string]string) {
	if len(txtFlag["arch"]) == 0 {
		txtFlag["arch"] = runtime.GOARCH
	}
	if len(txtFlag["os"]) == 0 {
		txtFlag["os"] = runtime.GOOS
	}
}

// Register advertises a service instance, e.g. a collector endpoint
// under _collector._tcp, until Unregister.
func Register(instanceFlag, domainFlag, serviceFlag, interfaceFlag string, portFlag int, txtFlag map[string]string) error {
	v("starting dns-sd server")
	v("Advertising: %s.%s.%s.", strings.Trim(instanceFlag, "."), strings.Trim(serviceFlag, "."), strings.Trim(domainFlag, "."))

	ctx, ctxCancel := context.WithCancel(context.Background())
	cancel = ctxCancel

	resp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("dnssd newresponder fail: %w", err)
	}

	ifaces := []string{}
	if len(interfaceFlag) > 0 {
		ifaces = append(ifaces, interfaceFlag)
	}

	if len(instanceFlag) == 0 {
		instanceFlag = DefaultInstance()
	}

	DefaultTxt(txtFlag)
	UpdateSysInfo(txtFlag)

	cfg := dnssd.Config{
		Name:   instanceFlag,
		Type:   serviceFlag,
		Domain: domainFlag,
		Port:   portFlag,
		Ifaces: ifaces,
		Text:   txtFlag,
	}
	srv, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("dnssd advertise: new service fail: %w", err)
	}

	go func() {
		time.Sleep(1 * time.Second)
		handle, err := resp.Add(srv)
		if err != nil {
			v("dnssd add: %v", err)
			return
		}
		v("%s	Got a reply for service %s: Name now registered and active", time.Now().Format(timeFormat), handle.Service().ServiceInstanceName())
	}()

	go func() {
		if err := resp.Respond(ctx); err != nil {
			v("dnssd responder exited: %v", err)
		}
	}()

	return nil
}
