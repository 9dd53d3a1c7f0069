// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package netperf coordinates throughput tests across machines that
// do not share a clock: a one-shot iperf3 server on one side, a
// client on the other, both streamed through the run machinery. Mesh
// mode runs every ordered pair of a DUT list and aggregates the
// failure pattern, which is usually the thing being measured.
package netperf

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/u-root/dut/dut"
	"github.com/u-root/dut/run"
	"github.com/u-root/dut/sink"
	"github.com/u-root/dut/stream"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// Config bounds one orchestrated test. Zero values get conservative
// defaults from New.
type Config struct {
	// Port the server listens on.
	Port int
	// Duration of each pairwise test.
	Duration time.Duration
	// Parallel client streams (iperf3 -P).
	Parallel int
	// StartupGrace is how long a pair waits for its server to come
	// up before declaring the connection failed.
	StartupGrace time.Duration
	// Concurrency bounds simultaneous pairs in mesh mode. The
	// default of 1 is deliberate: concurrent pairs share links and
	// skew each other's numbers.
	Concurrency int
	// Bin is the test binary, iperf3 unless overridden.
	Bin string
}

// An Orchestrator runs pairwise tests. Safe for one test at a time;
// make another for another test.
type Orchestrator struct {
	cfg Config
	snk *sink.Sink

	// runPair is replaceable for tests.
	runPair func(ctx context.Context, client, server dut.DUT) PairResult
}

// New returns an orchestrator with cfg, filling unset fields with
// defaults.
func New(cfg Config) *Orchestrator {
	if cfg.Port == 0 {
		cfg.Port = 5201
	}
	if cfg.Duration == 0 {
		cfg.Duration = 10 * time.Second
	}
	if cfg.Parallel == 0 {
		cfg.Parallel = 1
	}
	if cfg.StartupGrace == 0 {
		cfg.StartupGrace = 10 * time.Second
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.Bin == "" {
		cfg.Bin = "iperf3"
	}
	o := &Orchestrator{cfg: cfg}
	o.runPair = o.pair
	return o
}

// WithSink streams both sides' output and the aggregate result to a
// collector.
func (o *Orchestrator) WithSink(s *sink.Sink) *Orchestrator {
	o.snk = s
	return o
}

// HostDUT runs one directed test from client to server and returns a
// single-pair result.
func (o *Orchestrator) HostDUT(ctx context.Context, client, server dut.DUT) *Result {
	runID := uuid.NewString()
	p := o.runPair(ctx, client, server)
	res := aggregate(runID, []dut.DUT{client, server}, []PairResult{p})
	o.report(res)
	return res
}

// Mesh tests every ordered pair of distinct DUTs. Two entries with
// the same identity never form a pair (there is no self-test), but
// both still count as participants. Pair failures never abort
// sibling pairs.
func (o *Orchestrator) Mesh(ctx context.Context, duts []dut.DUT) *Result {
	runID := uuid.NewString()
	type job struct {
		client, server dut.DUT
	}
	var jobs []job
	for i, c := range duts {
		for j, s := range duts {
			if i == j || c.ID() == s.ID() {
				continue
			}
			jobs = append(jobs, job{c, s})
		}
	}
	v("mesh %s: %d participants, %d pairs", runID, len(duts), len(jobs))

	pairs := make([]PairResult, len(jobs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, jb := range jobs {
		i, jb := i, jb
		g.Go(func() error {
			p := o.runPair(gctx, jb.client, jb.server)
			mu.Lock()
			pairs[i] = p
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	res := aggregate(runID, duts, pairs)
	o.report(res)
	return res
}

func (o *Orchestrator) report(res *Result) {
	if o.snk == nil {
		return
	}
	if err := o.snk.Send(res); err != nil {
		v("netperf %s: sink: %v", res.RunID, err)
	}
}

// pair is the real per-pair engine: server up, port reachable,
// client run, summary parsed, server down on every path.
func (o *Orchestrator) pair(ctx context.Context, client, server dut.DUT) PairResult {
	pr := PairResult{
		Client: client.ID(),
		Server: server.ID(),
		RunID:  uuid.NewString(),
	}
	v("pair %s: %s -> %s", pr.RunID, pr.Client, pr.Server)

	srv := run.Command(server, serverCmd(o.cfg.Bin, o.cfg.Port)).
		WithRunID(pr.RunID).
		WithTest("iperf3-server")
	if o.snk != nil {
		srv.WithSink(o.snk)
	}
	if err := srv.Start(ctx); err != nil {
		pr.Status = StatusFailed
		pr.Err = fmt.Sprintf("server start: %v", err)
		return pr
	}
	defer func() {
		srv.Close()
		srv.Wait()
	}()

	addr := net.JoinHostPort(server.TestAddr(), strconv.Itoa(o.cfg.Port))
	if err := waitPort(ctx, addr, o.cfg.StartupGrace); err != nil {
		pr.Status = StatusFailed
		pr.Err = fmt.Sprintf("server not reachable: %v", err)
		return pr
	}

	var mu sync.Mutex
	var out strings.Builder
	cl := run.Command(client, clientCmd(o.cfg.Bin, server.TestAddr(), o.cfg.Port, o.cfg.Duration, o.cfg.Parallel)).
		WithRunID(pr.RunID).
		WithTest("iperf3-client").
		WithTimeout(o.cfg.Duration + 2*o.cfg.StartupGrace).
		WithEventFunc(func(e stream.Event) {
			if e.Source != stream.Stdout {
				return
			}
			mu.Lock()
			out.WriteString(e.Line)
			out.WriteString("\n")
			mu.Unlock()
		})
	if o.snk != nil {
		cl.WithSink(o.snk)
	}
	res, err := cl.Run(ctx)
	if err != nil {
		pr.Status = StatusFailed
		pr.Err = fmt.Sprintf("client: %v", err)
		return pr
	}

	mu.Lock()
	raw := out.String()
	mu.Unlock()
	switch res.Status {
	case run.StatusTimeout:
		pr.Status = StatusTimeout
		pr.Err = "client did not finish within the test window"
		return pr
	case run.StatusCancelled:
		pr.Status = StatusFailed
		pr.Err = "cancelled"
		return pr
	}
	m, perr := ParseSummary(raw)
	switch {
	case perr != nil:
		pr.Status = StatusFailed
		pr.Err = perr.Error()
	case res.Status != run.StatusOK:
		pr.Status = StatusFailed
		pr.Err = fmt.Sprintf("client exit %d", res.ExitStatus)
		pr.Metrics = m
	default:
		pr.Status = StatusOK
		pr.Metrics = m
	}
	return pr
}

// waitPort polls until addr accepts a TCP connection or grace runs
// out.
func waitPort(ctx context.Context, addr string, grace time.Duration) error {
	deadline := time.Now().Add(grace)
	var lastErr error
	for time.Now().Before(deadline) {
		d := net.Dialer{Timeout: 500 * time.Millisecond}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("no listener on %s within %v: %v", addr, grace, lastErr)
}
