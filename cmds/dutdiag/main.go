// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// dutdiag runs diagnostic commands and network tests against DUTs.
//
// Run a command on every DUT in an inventory, streaming output to a
// collector:
//
//	dutdiag -duts lab.yaml -sink collector:9000 'dmesg | tail -50'
//
// All-pairs throughput mesh:
//
//	dutdiag -duts lab.yaml -mesh -duration 10s
//
// One DUT discovered over DNS-SD, with a serial side channel:
//
//	dutdiag -dnssd 'dnssd:?board=mk3' -uart /dev/ttyUSB0 'reboot'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/u-root/u-root/pkg/ulog"
	"golang.org/x/sys/unix"

	"github.com/u-root/dut/ds"
	"github.com/u-root/dut/dut"
	"github.com/u-root/dut/netperf"
	"github.com/u-root/dut/run"
	"github.com/u-root/dut/sink"
	"github.com/u-root/dut/stream"
	"github.com/u-root/dut/transport"
)

var (
	debug    = flag.Bool("d", false, "enable debug prints")
	dutsFile = flag.String("duts", "", "YAML DUT inventory")
	dnssdURI = flag.String("dnssd", "", "discover DUTs via a dnssd: URI instead of an inventory")
	sinkAddr = flag.String("sink", "", "collector address for live event streaming")
	uartDev  = flag.String("uart", "", "serial side-channel device")
	baud     = flag.Int("baud", 115200, "side-channel baud rate")
	timeout  = flag.Duration("timeout", 0, "per-command timeout, 0 for none")
	testName = flag.String("test", "", "test name attached to every event")
	vcmd     = flag.String("version-cmd", "", "version probe to run before the command")

	mesh        = flag.Bool("mesh", false, "run an all-pairs throughput mesh instead of a command")
	duration    = flag.Duration("duration", 10*time.Second, "mesh: per-pair test duration")
	parallel    = flag.Int("P", 1, "mesh: parallel streams per pair")
	port        = flag.Int("port", 5201, "mesh: test server port")
	concurrency = flag.Int("concurrency", 1, "mesh: simultaneous pairs")
	bin         = flag.String("bin", "iperf3", "mesh: test binary")

	v = func(string, ...interface{}) {}
)

func flags() {
	flag.Parse()
	if *debug {
		v = ulog.Log.Printf
		for _, f := range []func(func(string, ...interface{})){
			transport.SetVerbose, stream.SetVerbose, run.SetVerbose,
			sink.SetVerbose, netperf.SetVerbose, ds.SetVerbose,
		} {
			f(ulog.Log.Printf)
		}
	}
}

// duts assembles the target list from the inventory file, DNS-SD, or
// both. With neither, the local machine is the one target.
func duts() ([]dut.DUT, error) {
	var out []dut.DUT
	if *dutsFile != "" {
		loaded, err := dut.Load(*dutsFile)
		if err != nil {
			return nil, err
		}
		out = append(out, loaded...)
	}
	if *dnssdURI != "" {
		q, err := ds.Parse(*dnssdURI)
		if err != nil {
			return nil, err
		}
		found, err := ds.Discover(q, 2*time.Second)
		if err != nil {
			return nil, err
		}
		v("discovered %d DUTs", len(found))
		out = append(out, found...)
	}
	if len(out) == 0 {
		out = append(out, dut.DUT{Host: "localhost", Kind: dut.Local})
	}
	return out, nil
}

func newSink() (*sink.Sink, error) {
	if *sinkAddr == "" {
		return nil, nil
	}
	s := sink.New(*sinkAddr)
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

func runMesh(ctx context.Context, targets []dut.DUT, s *sink.Sink) error {
	o := netperf.New(netperf.Config{
		Port:        *port,
		Duration:    *duration,
		Parallel:    *parallel,
		Concurrency: *concurrency,
		Bin:         *bin,
	})
	if s != nil {
		o.WithSink(s)
	}
	res := o.Mesh(ctx, targets)
	b, err := res.ToJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	if res.Overall != netperf.StatusOK {
		return fmt.Errorf("mesh finished %s", res.Overall)
	}
	return nil
}

func runCommand(ctx context.Context, targets []dut.DUT, s *sink.Sink, cmdline string) error {
	var failed int
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, d := range targets {
		c := run.Command(d, cmdline).
			WithTimeout(*timeout).
			WithVersionCommand(*vcmd)
		if *testName != "" {
			c.WithTest(*testName)
		}
		if *uartDev != "" {
			c.WithUART(*uartDev, *baud)
		}
		if s != nil {
			c.WithSink(s)
		}
		c.WithEventFunc(func(e stream.Event) {
			fmt.Printf("%s %s: %s\n", d.ID(), e.Source, e.Line)
		})

		res, err := c.Run(ctx)
		if err != nil {
			v("%s: %v", d.ID(), err)
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
		if res.Status != run.StatusOK {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d DUTs did not finish ok", failed, len(targets))
	}
	return nil
}

func main() {
	flags()
	if !*mesh && flag.NArg() == 0 {
		log.Fatal("usage: dutdiag [options] command, or dutdiag -mesh [options]")
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	targets, err := duts()
	if err != nil {
		log.Fatal(err)
	}
	for _, d := range targets {
		if err := d.Validate(); err != nil {
			log.Fatal(err)
		}
	}
	v("targets: %v", targets)

	s, err := newSink()
	if err != nil {
		log.Fatal(err)
	}
	if s != nil {
		defer s.Close()
	}

	if *mesh {
		err = runMesh(ctx, targets, s)
	} else {
		cmdline := flag.Arg(0)
		for _, a := range flag.Args()[1:] {
			cmdline += " " + a
		}
		err = runCommand(ctx, targets, s, cmdline)
	}
	if err != nil {
		log.Fatal(err)
	}
}
