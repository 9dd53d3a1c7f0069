// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package collector is the receiving end of the sink protocol: a
// long-running TCP server decoding one JSON record per line and
// handing each to a handler. What the handler does with records --
// files, fan-out, nothing -- is its business.
package collector

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// Record is one decoded protocol message. Unknown fields in the
// incoming JSON are ignored, so newer senders keep working against
// older collectors. Raw preserves the undecoded line for handlers
// that archive verbatim.
type Record struct {
	RunID     string    `json:"run_id"`
	Test      string    `json:"test_name"`
	Source    string    `json:"source"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`

	// Set on terminal messages only.
	Status  string          `json:"status"`
	Overall string          `json:"overall_status"`
	PerPart json.RawMessage `json:"per_participant"`

	Raw []byte `json:"-"`
}

// Terminal reports whether this record ends a run rather than
// carrying a line of its output.
func (r *Record) Terminal() bool {
	return r.Status != "" || r.Overall != ""
}

// A HandlerFunc receives every decoded record, in per-connection
// order, possibly from several connections at once.
type HandlerFunc func(*Record)

// A Collector owns its listener and every connection session spawned
// from it; Shutdown releases all of them. No package-level state.
type Collector struct {
	ln       net.Listener
	handler  HandlerFunc
	done     chan struct{}
	shutOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Serve starts a collector on addr. Use addr ":0" and Addr to let
// the system pick a port.
func Serve(addr string, handler HandlerFunc) (*Collector, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Collector{
		ln:      ln,
		handler: handler,
		done:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
	c.wg.Add(1)
	go c.accept()
	v("collector: listening on %v", ln.Addr())
	return c, nil
}

// Addr returns the listen address.
func (c *Collector) Addr() net.Addr {
	return c.ln.Addr()
}

func (c *Collector) accept() {
	defer c.wg.Done()
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			v("collector: accept: %v", err)
			continue
		}
		c.mu.Lock()
		c.conns[conn] = struct{}{}
		c.mu.Unlock()
		c.wg.Add(1)
		go c.session(conn)
	}
}

// session decodes one connection's record stream. Lines that are not
// JSON are skipped, not fatal: one corrupt record must not cost the
// rest of the stream.
func (c *Collector) session(conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		conn.Close()
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
	}()
	v("collector: session from %v", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			v("collector: bad record from %v: %v", conn.RemoteAddr(), err)
			continue
		}
		rec.Raw = append([]byte(nil), line...)
		if c.handler != nil {
			c.handler(&rec)
		}
	}
	v("collector: session from %v ended: %v", conn.RemoteAddr(), scanner.Err())
}

// Shutdown stops accepting, closes every live session, and waits for
// them to drain. Safe to call more than once.
func (c *Collector) Shutdown() error {
	var err error
	c.shutOnce.Do(func() {
		close(c.done)
		err = c.ln.Close()
		c.mu.Lock()
		for conn := range c.conns {
			conn.Close()
		}
		c.mu.Unlock()
		c.wg.Wait()
	})
	return err
}
