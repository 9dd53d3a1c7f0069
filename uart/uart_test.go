// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package uart

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// blockingPort reads like a real serial device: Read blocks until
// Close, then returns a driver-specific error that is not one of the
// generic closed-pipe sentinels.
type blockingPort struct {
	released chan struct{}
	once     sync.Once
}

func (p *blockingPort) Read(b []byte) (int, error) {
	<-p.released
	return 0, fmt.Errorf("port already closed")
}

func (p *blockingPort) Close() error {
	p.once.Do(func() { close(p.released) })
	return nil
}

func TestReaderLines(t *testing.T) {
	v = t.Logf
	pr, pw := io.Pipe()
	r := NewReader(pr)
	defer r.Close()

	go func() {
		fmt.Fprintf(pw, "boot: ok\nlink up\n")
		pw.Close()
	}()

	var got []string
	for line := range r.Lines() {
		got = append(got, line)
	}
	if len(got) != 2 {
		t.Fatalf("lines: %d != 2", len(got))
	}
	if got[0] != "boot: ok" || got[1] != "link up" {
		t.Errorf("lines: %v != [boot: ok, link up]", got)
	}
	if err := r.Err(); err != nil {
		t.Errorf("Err after clean close: %v != nil", err)
	}
}

// TestReaderDeviceError checks that a device read error ends the
// stream loudly, not silently.
func TestReaderDeviceError(t *testing.T) {
	v = t.Logf
	pr, pw := io.Pipe()
	r := NewReader(pr)
	defer r.Close()

	go func() {
		fmt.Fprintf(pw, "last words\n")
		pw.CloseWithError(fmt.Errorf("device yanked"))
	}()

	var got []string
	for line := range r.Lines() {
		got = append(got, line)
	}
	if len(got) != 1 || got[0] != "last words" {
		t.Errorf("lines: %v != [last words]", got)
	}
	if err := r.Err(); err == nil {
		t.Error("Err after device failure: nil != error")
	}
}

func TestReaderClose(t *testing.T) {
	v = t.Logf
	pr, _ := io.Pipe()
	r := NewReader(pr)

	done := make(chan struct{})
	go func() {
		for range r.Lines() {
		}
		close(done)
	}()
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v != nil", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Lines did not end after Close")
	}
	// Closing twice is fine.
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v != nil", err)
	}
}

// TestReaderCloseOnDevice closes a device whose blocked read returns
// a driver error, the way a real serial port does, and checks the
// shutdown is not reported as a device failure.
func TestReaderCloseOnDevice(t *testing.T) {
	v = t.Logf
	p := &blockingPort{released: make(chan struct{})}
	r := NewReader(p)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v != nil", err)
	}
	for range r.Lines() {
	}
	if err := r.Err(); err != nil {
		t.Errorf("Err after deliberate Close: %v != nil", err)
	}
}
