// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package uart captures a serial side channel alongside a command's
// output. The reader's lifecycle is its own: it can be opened before
// a command starts, to catch boot chatter, and closed well after the
// command exits.
package uart

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.bug.st/serial"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// A Reader streams lines from a serial device until closed. A device
// read error ends the stream but is never silent: it is recorded and
// available from Err once Lines closes.
type Reader struct {
	rc    io.ReadCloser
	lines chan string
	once  sync.Once

	mu     sync.Mutex
	closed bool
	err    error
}

// Open attaches to a serial device at the given baud rate, 8N1.
func Open(device string, baud int) (*Reader, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("uart open %s@%d: %w", device, baud, err)
	}
	v("uart: opened %s at %d baud", device, baud)
	return NewReader(port), nil
}

// NewReader wraps any byte stream as a uart line source. Open uses
// it with a real port; tests use it with a pipe.
func NewReader(rc io.ReadCloser) *Reader {
	r := &Reader{
		rc:    rc,
		lines: make(chan string, 64),
	}
	go r.loop()
	return r
}

func (r *Reader) loop() {
	defer close(r.lines)
	scanner := bufio.NewScanner(r.rc)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		r.lines <- scanner.Text()
	}
	err := scanner.Err()
	if err == nil || closeNoise(err) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		// Whatever the blocked read returned, we caused it.
		return
	}
	v("uart: read: %v", err)
	r.err = err
}

// closeNoise reports whether err is one of the errors a deliberate
// Close makes a blocked read return. A real serial port surfaces
// serial.PortClosed, a pipe io.ErrClosedPipe, a socket net.ErrClosed;
// none of them is a device failure.
func closeNoise(err error) bool {
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return true
	}
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

// Lines yields captured lines. The channel closes when the device is
// closed or fails; check Err afterward to tell the two apart.
func (r *Reader) Lines() <-chan string {
	return r.lines
}

// Err reports the terminal read error, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close releases the device, ending Lines. The closed mark is set
// before the device is released so the read error the close provokes
// is never mistaken for a device failure.
func (r *Reader) Close() error {
	var err error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		err = r.rc.Close()
	})
	return err
}
