// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dut names the devices a diagnostic run targets. A DUT is a
// pure value: it owns no connection and needs no teardown, so it is
// safe to share across concurrent runs.
package dut

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind selects how commands reach the device.
type Kind string

const (
	// Local runs commands as child processes on this machine.
	Local Kind = "local"
	// SSH runs commands over an ssh connection.
	SSH Kind = "ssh"
	// VSock runs commands over ssh carried on a vsock connection,
	// for DUTs that are VMs on this host. Host is the context ID.
	VSock Kind = "vsock"
)

// DUT names one target device. Identity is Host, plus Port if set.
// Meta is free-form; the core assigns no meaning to its keys.
type DUT struct {
	Host string            `json:"host" yaml:"host"`
	Kind Kind              `json:"transport" yaml:"transport"`
	User string            `json:"user,omitempty" yaml:"user,omitempty"`
	Port int               `json:"port,omitempty" yaml:"port,omitempty"`
	Meta map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// ID returns the DUT's identity, host[:port].
func (d DUT) ID() string {
	if d.Port != 0 {
		return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	}
	return d.Host
}

func (d DUT) String() string {
	return fmt.Sprintf("%s(%s)", d.ID(), d.Kind)
}

// TestAddr returns the address other parties should dial to reach
// this DUT during a network test. The meta keys iperf_ip and ip
// override Host, for devices whose management and test networks
// differ.
func (d DUT) TestAddr() string {
	if ip := d.Meta["iperf_ip"]; ip != "" {
		return ip
	}
	if ip := d.Meta["ip"]; ip != "" {
		return ip
	}
	return d.Host
}

// Validate checks the fields a transport will need.
func (d DUT) Validate() error {
	if d.Host == "" {
		return fmt.Errorf("dut has no host")
	}
	switch d.Kind {
	case Local, SSH, VSock:
		return nil
	default:
		return fmt.Errorf("dut %s: unknown transport %q", d.Host, d.Kind)
	}
}

type inventory struct {
	DUTs []DUT `yaml:"duts"`
}

// Load reads a YAML inventory of DUTs. A missing transport defaults
// to ssh, since that is what a DUT file is usually for.
func Load(path string) ([]DUT, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory %s: %w", path, err)
	}
	var inv inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %v", path, err)
	}
	for i := range inv.DUTs {
		if inv.DUTs[i].Kind == "" {
			inv.DUTs[i].Kind = SSH
		}
		if err := inv.DUTs[i].Validate(); err != nil {
			return nil, fmt.Errorf("inventory %s entry %d: %w", path, i, err)
		}
	}
	return inv.DUTs, nil
}
