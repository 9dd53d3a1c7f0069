// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sink delivers run events to a collector as one JSON record
// per line over a persistent TCP connection. Delivery order is
// preserved per connection; reconnection is automatic; records that
// overflow the bounded queue during an outage are dropped and
// counted, never silently lost.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// ErrOverflow is returned by Send when the outbound queue is full
// while the collector is unreachable. The record is counted in
// Dropped.
var ErrOverflow = errors.New("sink queue overflow during outage")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("sink closed")

// A Sink is safe for concurrent producers. Send is non-blocking up
// to the queue depth; beyond that it blocks the producer while the
// collector looks reachable (backpressure beats data loss) and drops
// with a count once an outage is confirmed by a failed dial or
// write. Until the first dial resolves the collector is presumed
// healthy, so a startup burst gets backpressure, not drops.
type Sink struct {
	addr        string
	depth       int
	dialTimeout time.Duration
	maxInterval time.Duration

	q         chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once

	dropped   atomic.Uint64
	delivered atomic.Uint64
	connected atomic.Bool
	failing   atomic.Bool
}

// New returns a sink for the collector at addr. Conservative bounded
// defaults; adjust with the With options before Start.
func New(addr string) *Sink {
	return &Sink{
		addr:        addr,
		depth:       1024,
		dialTimeout: 3 * time.Second,
		maxInterval: 30 * time.Second,
	}
}

// WithDepth sets the outbound queue bound.
func (s *Sink) WithDepth(n int) *Sink {
	s.depth = n
	return s
}

// WithDialTimeout sets the per-attempt dial timeout.
func (s *Sink) WithDialTimeout(d time.Duration) *Sink {
	s.dialTimeout = d
	return s
}

// WithMaxRetryInterval caps the reconnect backoff interval.
func (s *Sink) WithMaxRetryInterval(d time.Duration) *Sink {
	s.maxInterval = d
	return s
}

// Start launches the delivery worker. The first dial happens in the
// background; Send may be called immediately.
func (s *Sink) Start() error {
	if s.addr == "" {
		return fmt.Errorf("sink has no collector address")
	}
	s.startOnce.Do(func() {
		s.q = make(chan []byte, s.depth)
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.pump()
	})
	return nil
}

// Send queues one record for delivery. See the type comment for the
// blocking/dropping contract.
func (s *Sink) Send(rec interface{}) error {
	if s.q == nil {
		return fmt.Errorf("sink not started")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sink marshal: %v", err)
	}
	b = append(b, '\n')

	select {
	case s.q <- b:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	default:
	}
	// Queue full. Block while the collector looks healthy; once an
	// outage is confirmed, count the loss and move on. The timer
	// re-checks the outage state, since confirmation can arrive
	// while we are already blocked.
	for {
		if s.failing.Load() {
			s.dropped.Add(1)
			return ErrOverflow
		}
		select {
		case s.q <- b:
			return nil
		case <-s.ctx.Done():
			return ErrClosed
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Dropped reports how many records were discarded because the queue
// bound was exceeded while the collector was unreachable.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

// Delivered reports how many records were written to the collector.
func (s *Sink) Delivered() uint64 {
	return s.delivered.Load()
}

// Close stops the sink, flushing whatever is queued to a live
// connection first. Unflushable records are counted as dropped.
func (s *Sink) Close() error {
	if s.q == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *Sink) pump() {
	defer s.wg.Done()
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	// Dial eagerly, before the first record: a healthy collector is
	// connected by the time producers start bursting, and a dead one
	// is confirmed dead instead of presumed alive.
	if c, err := s.dial(); err == nil {
		conn = c
		s.connected.Store(true)
		s.failing.Store(false)
		v("sink: connected to %s", s.addr)
	}
	for {
		select {
		case b := <-s.q:
			if !s.write(&conn, b) {
				return
			}
		case <-s.ctx.Done():
			s.flush(&conn)
			return
		}
	}
}

// flush makes a best effort to drain the queue on shutdown. No
// reconnects here: if the collector is down at close time the
// remainder is counted as dropped.
func (s *Sink) flush(connp *net.Conn) {
	for {
		select {
		case b := <-s.q:
			if *connp == nil {
				s.dropped.Add(1)
				continue
			}
			(*connp).SetWriteDeadline(time.Now().Add(s.dialTimeout))
			if _, err := (*connp).Write(b); err != nil {
				v("sink: flush write: %v", err)
				(*connp).Close()
				*connp = nil
				s.dropped.Add(1)
				continue
			}
			s.delivered.Add(1)
		default:
			return
		}
	}
}

// write delivers one record, dialing and redialing as needed. It
// retries the same record across reconnects so per-connection order
// is never violated. Returns false when the sink is closed.
func (s *Sink) write(connp *net.Conn, b []byte) bool {
	for {
		if *connp == nil {
			c, err := s.dial()
			if err != nil {
				// Closed while dialing; this record and the rest
				// of the queue go through flush accounting.
				s.flush(connp)
				s.dropped.Add(1)
				return false
			}
			*connp = c
			s.connected.Store(true)
			s.failing.Store(false)
			v("sink: connected to %s", s.addr)
		}
		if _, err := (*connp).Write(b); err != nil {
			v("sink: write: %v", err)
			(*connp).Close()
			*connp = nil
			s.connected.Store(false)
			s.failing.Store(true)
			continue
		}
		s.delivered.Add(1)
		return true
	}
}

// dial connects with exponential backoff, forever, until the sink is
// closed. The collector being down must stall delivery, not end it.
func (s *Sink) dial() (net.Conn, error) {
	var conn net.Conn
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.maxInterval
	bo.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		d := net.Dialer{Timeout: s.dialTimeout}
		c, err := d.DialContext(s.ctx, "tcp", s.addr)
		if err != nil {
			v("sink: dial %s: %v", s.addr, err)
			s.failing.Store(true)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, s.ctx))
	return conn, err
}
