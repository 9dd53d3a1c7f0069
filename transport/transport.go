// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport opens command-execution channels to DUTs, locally
// or over ssh, and exposes each command's output as a live tagged
// line stream instead of buffering it.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/u-root/dut/dut"
	"github.com/u-root/dut/stream"
)

// killGrace is how long Close waits between asking a process to stop
// and forcing it.
const killGrace = 2 * time.Second

// ReadLimit caps how much of a remote file ReadFile brings back.
const ReadLimit = 64000

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// Line is one line of command output, tagged with its source and the
// time it was read.
type Line struct {
	Source stream.Source
	Text   string
	When   time.Time
}

// A Session is one live command invocation. It is exclusively owned
// by the run that started it and must be Closed on every exit path.
type Session interface {
	// Lines yields stdout and stderr lines as they arrive, each
	// source drained by its own goroutine so neither pipe can fill
	// and stall the process. The channel closes when both pipes
	// reach EOF. Not restartable.
	Lines() <-chan Line
	// Wait waits for the process and returns its exit code. A
	// non-zero exit is not an error here; an error means the exit
	// status could not be determined.
	Wait() (int, error)
	// Close terminates the session: ask nicely, then force after a
	// bounded grace period. Safe to call from any goroutine and
	// more than once.
	Close() error
}

// A Transport can start commands on one target and snapshot files
// off it.
type Transport interface {
	Start(ctx context.Context, cmd string) (Session, error)
	// ReadFile returns up to ReadLimit bytes of a file on the
	// target, for artifact capture after a run.
	ReadFile(ctx context.Context, path string) (string, error)
}

// New returns the Transport for a DUT.
func New(d dut.DUT) (Transport, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	switch d.Kind {
	case dut.Local:
		return &Local{}, nil
	case dut.SSH, dut.VSock:
		return NewSSH(d)
	}
	return nil, fmt.Errorf("dut %s: unknown transport %q", d.Host, d.Kind)
}

// ConnectError means the target could not be reached at all: dial,
// auth, or channel setup failed. Retrying is the caller's call.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CommandError means the target was reachable but the command could
// not be started.
type CommandError struct {
	Cmd string
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q: %v", e.Cmd, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
