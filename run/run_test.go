// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package run

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/u-root/dut/collector"
	"github.com/u-root/dut/dut"
	"github.com/u-root/dut/sink"
	"github.com/u-root/dut/stream"
)

func localDUT() dut.DUT {
	return dut.DUT{Host: "localhost", Kind: dut.Local}
}

type events struct {
	mu sync.Mutex
	ev []stream.Event
}

func (e *events) add(ev stream.Event) {
	e.mu.Lock()
	e.ev = append(e.ev, ev)
	e.mu.Unlock()
}

func (e *events) all() []stream.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]stream.Event(nil), e.ev...)
}

func TestRunEcho(t *testing.T) {
	v = t.Logf
	var got events
	c := Command(localDUT(), "echo hello").WithTest("smoke").WithEventFunc(got.add)

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v != nil", err)
	}
	if res.Status != StatusOK {
		t.Errorf("status: %q != %q", res.Status, StatusOK)
	}
	if res.ExitStatus != 0 {
		t.Errorf("exit status: %d != 0", res.ExitStatus)
	}
	ev := got.all()
	if len(ev) != 1 {
		t.Fatalf("events: %d != 1 (%v)", len(ev), ev)
	}
	e := ev[0]
	if e.Line != "hello" || e.Source != stream.Stdout || e.Seq != 0 {
		t.Errorf("event: %+v != (hello, stdout, 0)", e)
	}
	if e.RunID != c.RunID() || e.Test != "smoke" {
		t.Errorf("event identity: (%q, %q) != (%q, smoke)", e.RunID, e.Test, c.RunID())
	}
	if e.Time.IsZero() {
		t.Error("event timestamp is zero")
	}
}

func TestRunStderrAndExit(t *testing.T) {
	v = t.Logf
	var got events
	c := Command(localDUT(), "echo oops >&2; exit 3").WithEventFunc(got.add)

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v != nil", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("status: %q != %q", res.Status, StatusFailed)
	}
	if res.ExitStatus != 3 {
		t.Errorf("exit status: %d != 3", res.ExitStatus)
	}
	ev := got.all()
	if len(ev) != 1 || ev[0].Source != stream.Stderr || ev[0].Line != "oops" {
		t.Errorf("events: %v != one stderr oops", ev)
	}
}

func TestRunTimeout(t *testing.T) {
	v = t.Logf
	c := Command(localDUT(), "echo start; sleep 60").
		WithTimeout(300 * time.Millisecond)

	started := time.Now()
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v != nil", err)
	}
	if res.Status != StatusTimeout {
		t.Errorf("status: %q != %q", res.Status, StatusTimeout)
	}
	if took := time.Since(started); took > 10*time.Second {
		t.Errorf("timed-out run took %v", took)
	}
}

func TestRunCancel(t *testing.T) {
	v = t.Logf
	ctx, cancel := context.WithCancel(context.Background())
	c := Command(localDUT(), "sleep 60")
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v != nil", err)
	}
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := c.Wait()
	if err != nil {
		t.Fatalf("Wait: %v != nil", err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("status: %q != %q", res.Status, StatusCancelled)
	}
}

func TestRunClose(t *testing.T) {
	v = t.Logf
	c := Command(localDUT(), "sleep 60")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v != nil", err)
	}
	time.AfterFunc(200*time.Millisecond, func() { c.Close() })

	res, err := c.Wait()
	if err != nil {
		t.Fatalf("Wait: %v != nil", err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("status: %q != %q", res.Status, StatusCancelled)
	}
	// Close again is a no-op.
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v != nil", err)
	}
}

// TestRunStartFailure checks that Run produces a result even when the
// transport never comes up.
func TestRunStartFailure(t *testing.T) {
	v = t.Logf
	d := dut.DUT{Host: "nosuchhost.invalid", Port: 1, Kind: dut.SSH}
	c := Command(d, "echo hello")

	res, err := c.Run(context.Background())
	if err == nil {
		t.Error("Run against unreachable host: nil != error")
	}
	if res == nil {
		t.Fatal("Run returned no result")
	}
	if res.Status != StatusFailed {
		t.Errorf("status: %q != %q", res.Status, StatusFailed)
	}
	if res.Error == "" {
		t.Error("result carries no error")
	}
	if res.ExitStatus != -1 {
		t.Errorf("exit status: %d != -1", res.ExitStatus)
	}
}

// TestRunSink runs end to end: local command, sink, collector.
func TestRunSink(t *testing.T) {
	v = t.Logf
	var mu sync.Mutex
	var recs []*collector.Record
	col, err := collector.Serve("127.0.0.1:0", func(r *collector.Record) {
		mu.Lock()
		recs = append(recs, r)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("collector.Serve: %v != nil", err)
	}
	defer col.Shutdown()

	s := sink.New(col.Addr().String())
	if err := s.Start(); err != nil {
		t.Fatalf("sink.Start: %v != nil", err)
	}

	c := Command(localDUT(), "echo one; echo two").
		WithRunID("run-sink").
		WithTest("sink").
		WithSink(s)
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v != nil", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status: %q != %q", res.Status, StatusOK)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("sink.Close: %v != nil", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(recs)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("collector got %d records, want 3", n)
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if recs[0].Line != "one" || recs[1].Line != "two" {
		t.Errorf("stream records: (%q, %q) != (one, two)", recs[0].Line, recs[1].Line)
	}
	if recs[0].RunID != "run-sink" || recs[0].Test != "sink" {
		t.Errorf("record identity: (%q, %q) != (run-sink, sink)", recs[0].RunID, recs[0].Test)
	}
	if !recs[2].Terminal() || recs[2].Status != string(StatusOK) {
		t.Errorf("terminal record: %+v != terminal ok", recs[2])
	}
}

// TestRunArtifacts: declared files are snapshotted into the result
// after the command, and a missing file is reported rather than
// failing the run.
func TestRunArtifacts(t *testing.T) {
	v = t.Logf
	dir := t.TempDir()
	logPath := filepath.Join(dir, "diag.log")
	missing := filepath.Join(dir, "never-written.log")

	c := Command(localDUT(), "echo 'line one' > "+logPath+"; echo done").
		WithArtifact(logPath, missing)
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v != nil", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status: %q != %q", res.Status, StatusOK)
	}
	if len(res.Artifacts) != 2 {
		t.Fatalf("artifacts: %d != 2 (%v)", len(res.Artifacts), res.Artifacts)
	}

	got := res.Artifacts[logPath]
	if !got.Exists {
		t.Errorf("artifact %s: exists false, want true", logPath)
	}
	if got.Content != "line one\n" {
		t.Errorf("artifact content: %q != %q", got.Content, "line one\n")
	}
	if got.Truncated {
		t.Error("small artifact reported truncated")
	}

	gone := res.Artifacts[missing]
	if gone.Exists {
		t.Errorf("artifact %s: exists true, want false", missing)
	}
	if gone.Error == "" {
		t.Error("missing artifact carries no error")
	}
}

// TestRunUARTOpenFailure: a side channel that cannot be opened is
// reported, not fatal.
func TestRunUARTOpenFailure(t *testing.T) {
	v = t.Logf
	c := Command(localDUT(), "echo hello").
		WithUART("/dev/nonexistent-uart-device", 115200)

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v != nil", err)
	}
	if res.Status != StatusOK {
		t.Errorf("status: %q != %q", res.Status, StatusOK)
	}
	if res.UARTError == "" {
		t.Error("uart open failure not reported in result")
	}
}
