// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package run executes one command on one DUT and turns everything
// observable about it -- stdout, stderr, an optional uart side
// channel, the exit status -- into an ordered event stream plus a
// final Result. It implements as much of exec.Cmd's shape as makes
// sense for a remote diagnostic run.
package run

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/u-root/dut/dut"
	"github.com/u-root/dut/sink"
	"github.com/u-root/dut/stream"
	"github.com/u-root/dut/transport"
	"github.com/u-root/dut/uart"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// Status classifies how a run ended.
type Status string

const (
	StatusOK        Status = "ok"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Artifact is a best-effort snapshot of one declared file, read off
// the DUT after the command finished. A file that could not be read
// is reported, not omitted.
type Artifact struct {
	Path      string `json:"path"`
	Exists    bool   `json:"exists"`
	Content   string `json:"content,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result is the terminal record of a run. One is always produced,
// whatever went wrong; failures live in Status and Error, never in a
// silent omission.
type Result struct {
	RunID      string              `json:"run_id"`
	Test       string              `json:"test_name"`
	DUT        dut.DUT             `json:"dut"`
	Started    time.Time           `json:"started_at"`
	Ended      time.Time           `json:"ended_at"`
	ExitStatus int                 `json:"exit_status"`
	Status     Status              `json:"status"`
	Version    string              `json:"version,omitempty"`
	UARTError  string              `json:"uart_error,omitempty"`
	Artifacts  map[string]Artifact `json:"artifacts,omitempty"`
	SinkDrops  uint64              `json:"sink_dropped,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Cmd is one configured run. Build it with Command and the With
// methods, then Start/Wait or Run.
type Cmd struct {
	dut     dut.DUT
	cmdline string
	runID   string
	test    string
	timeout time.Duration

	uartDev    string
	uartBaud   int
	uartLinger time.Duration
	versionCmd string
	artifacts  []string
	snk        *sink.Sink
	eventFn    func(stream.Event)

	ctx         context.Context
	trans       transport.Transport
	mux         *stream.Mux
	session     transport.Session
	u           *uart.Reader
	started     time.Time
	version     string
	uartOpenErr string
	pumpDone    chan struct{}

	mu        sync.Mutex
	cancelled bool
	closed    bool
}

// Command prepares a run of cmdline on d. The run gets a fresh
// run_id and a test name derived from the command; override both
// with WithRunID and WithTest.
func Command(d dut.DUT, cmdline string) *Cmd {
	test := cmdline
	if i := strings.IndexAny(cmdline, " \t"); i > 0 {
		test = cmdline[:i]
	}
	return &Cmd{
		dut:        d,
		cmdline:    cmdline,
		runID:      uuid.NewString(),
		test:       test,
		uartBaud:   115200,
		uartLinger: 500 * time.Millisecond,
	}
}

// WithRunID overrides the generated run id.
func (c *Cmd) WithRunID(id string) *Cmd {
	c.runID = id
	return c
}

// WithTest names the test this run belongs to.
func (c *Cmd) WithTest(name string) *Cmd {
	c.test = name
	return c
}

// WithTimeout bounds the command's execution time.
func (c *Cmd) WithTimeout(d time.Duration) *Cmd {
	c.timeout = d
	return c
}

// WithUART attaches a serial side channel to the run.
func (c *Cmd) WithUART(device string, baud int) *Cmd {
	c.uartDev = device
	if baud != 0 {
		c.uartBaud = baud
	}
	return c
}

// WithUARTLinger keeps the side channel open this long after the
// command exits, to catch post-exit device chatter.
func (c *Cmd) WithUARTLinger(d time.Duration) *Cmd {
	c.uartLinger = d
	return c
}

// WithSink streams every event, and the terminal result, to a
// collector.
func (c *Cmd) WithSink(s *sink.Sink) *Cmd {
	c.snk = s
	return c
}

// WithEventFunc hands every event to fn in-process, in seq order.
// fn runs on the delivery goroutine and should not dawdle.
func (c *Cmd) WithEventFunc(fn func(stream.Event)) *Cmd {
	c.eventFn = fn
	return c
}

// WithVersionCommand runs a best-effort version probe before the
// main command and records its output in the result.
func (c *Cmd) WithVersionCommand(cmd string) *Cmd {
	c.versionCmd = cmd
	return c
}

// WithArtifact declares files on the DUT to snapshot into the result
// after the command finishes, e.g. a log the command writes.
func (c *Cmd) WithArtifact(paths ...string) *Cmd {
	c.artifacts = append(c.artifacts, paths...)
	return c
}

// RunID returns the run's id.
func (c *Cmd) RunID() string {
	return c.runID
}

// Start acquires the transport and launches the command. A uart that
// fails to open is reported in the result but does not stop the run;
// a transport that fails to connect does.
func (c *Cmd) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx = ctx

	t, err := transport.New(c.dut)
	if err != nil {
		return err
	}
	c.trans = t

	if c.versionCmd != "" {
		c.version = probe(ctx, t, c.versionCmd)
	}

	c.mux = stream.NewMux(c.runID, c.test)
	if c.uartDev != "" {
		u, err := uart.Open(c.uartDev, c.uartBaud)
		if err != nil {
			v("run %s: uart: %v", c.runID, err)
			c.uartOpenErr = err.Error()
		} else {
			c.u = u
			c.mux.Attach(stream.UART, u.Lines())
		}
	}

	sess, err := t.Start(ctx, c.cmdline)
	if err != nil {
		if c.u != nil {
			c.u.Close()
		}
		c.mux.Cancel()
		return err
	}
	c.session = sess
	c.started = time.Now()

	c.mux.Add(1)
	go func() {
		defer c.mux.Done()
		for l := range sess.Lines() {
			c.mux.Emit(l.Source, l.Text)
		}
	}()
	c.mux.Seal()

	c.pumpDone = make(chan struct{})
	go c.pump()
	return nil
}

// pump is the single consumer of the merged stream; it tees each
// event to the sink and the in-process callback.
func (c *Cmd) pump() {
	defer close(c.pumpDone)
	for e := range c.mux.Events() {
		if c.snk != nil {
			if err := c.snk.Send(e); err != nil {
				v("run %s: sink: %v", c.runID, err)
			}
		}
		if c.eventFn != nil {
			c.eventFn(e)
		}
	}
}

// Wait waits for the command, the side channel's linger window, and
// event delivery, then seals the result.
func (c *Cmd) Wait() (*Result, error) {
	type exit struct {
		code int
		err  error
	}
	exitc := make(chan exit, 1)
	go func() {
		code, err := c.session.Wait()
		exitc <- exit{code, err}
	}()

	var timer <-chan time.Time
	if c.timeout > 0 {
		tm := time.NewTimer(c.timeout)
		defer tm.Stop()
		timer = tm.C
	}

	var ex exit
	var timedOut bool
	select {
	case ex = <-exitc:
	case <-timer:
		v("run %s: timeout after %v", c.runID, c.timeout)
		timedOut = true
		c.session.Close()
		ex = <-exitc
	case <-c.ctx.Done():
		v("run %s: cancelled", c.runID)
		c.setCancelled()
		c.session.Close()
		ex = <-exitc
	}

	if c.u != nil {
		if c.uartLinger > 0 && !timedOut && !c.isCancelled() {
			time.Sleep(c.uartLinger)
		}
		c.u.Close()
	}
	<-c.pumpDone

	res := &Result{
		RunID:      c.runID,
		Test:       c.test,
		DUT:        c.dut,
		Started:    c.started,
		Ended:      time.Now(),
		ExitStatus: ex.code,
		Version:    c.version,
		UARTError:  c.uartOpenErr,
	}
	if c.u != nil && c.u.Err() != nil {
		res.UARTError = c.u.Err().Error()
	}
	res.Artifacts = c.collectArtifacts()
	switch {
	case c.isCancelled():
		res.Status = StatusCancelled
	case timedOut:
		res.Status = StatusTimeout
	case ex.err != nil:
		res.Status = StatusFailed
		res.Error = ex.err.Error()
	case ex.code != 0:
		res.Status = StatusFailed
	default:
		res.Status = StatusOK
	}
	if c.snk != nil {
		res.SinkDrops = c.snk.Dropped()
		if err := c.snk.Send(res); err != nil {
			v("run %s: sink result: %v", c.runID, err)
		}
	}
	return res, nil
}

// Run is Start followed by Wait. A result is produced even when
// Start fails, so callers always have something to aggregate.
func (c *Cmd) Run(ctx context.Context) (*Result, error) {
	now := time.Now()
	if err := c.Start(ctx); err != nil {
		res := &Result{
			RunID:      c.runID,
			Test:       c.test,
			DUT:        c.dut,
			Started:    now,
			Ended:      time.Now(),
			ExitStatus: -1,
			Status:     StatusFailed,
			Error:      err.Error(),
		}
		if c.snk != nil {
			c.snk.Send(res)
		}
		return res, err
	}
	return c.Wait()
}

// Close cancels the run from outside: the session and side channel
// are torn down and the eventual result reads cancelled.
func (c *Cmd) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelled = true
	c.mu.Unlock()

	var result error
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.u != nil {
		if err := c.u.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (c *Cmd) setCancelled() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

func (c *Cmd) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// collectArtifacts snapshots each declared file off the DUT. Reads
// are best-effort: a file that is gone or unreadable is recorded as
// such, never fatal to the run.
func (c *Cmd) collectArtifacts() map[string]Artifact {
	if len(c.artifacts) == 0 {
		return nil
	}
	out := make(map[string]Artifact, len(c.artifacts))
	for _, p := range c.artifacts {
		a := Artifact{Path: p}
		content, err := c.trans.ReadFile(c.ctx, p)
		if err != nil {
			v("run %s: artifact %s: %v", c.runID, p, err)
			a.Error = err.Error()
		} else {
			a.Exists = true
			a.Content = content
			a.Truncated = len(content) >= transport.ReadLimit
		}
		out[p] = a
	}
	return out
}

// probe runs a short best-effort command, e.g. "iperf3 --version",
// and returns whatever it printed.
func probe(ctx context.Context, t transport.Transport, cmdline string) string {
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	s, err := t.Start(pctx, cmdline)
	if err != nil {
		v("probe %q: %v", cmdline, err)
		return ""
	}
	defer s.Close()
	var sb strings.Builder
	for l := range s.Lines() {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(l.Text)
	}
	s.Wait()
	return sb.String()
}
