// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Decentralized Services (aka ds)
// Inspired by http://man.cat-v.org/inferno/8/cs
//
// This package provides an opinionated DNS-SD layer for the dut
// tools: devices on the lab network advertise themselves under
// _dut._tcp with their transport details in the TXT record, and the
// host side browses for them instead of maintaining a static
// inventory by hand.
//
// TXT keys the browser understands: transport, user, port, ip,
// iperf_ip. Everything else rides along as free-form DUT metadata,
// usable as selection criteria in a dnssd: query URI.

package ds
