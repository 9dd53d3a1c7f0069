// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"bufio"
	"io"
	"sync"
	"time"
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

type rawLine struct {
	src  Source
	text string
	when time.Time
}

// A Mux merges independently-arriving line sources into one ordered
// event sequence for a single run. Sources run on their own
// goroutines and hand lines to a single collector, so seq numbers
// reflect the order lines actually arrived, never the order sources
// happen to be drained in.
//
// Use is: attach every source, then Seal. Events closes once all
// attached sources have ended. Cancel ends the merge without
// emitting anything further.
type Mux struct {
	runID string
	test  string
	start time.Time

	in   chan rawLine
	out  chan Event
	done chan struct{}

	closeDone sync.Once
	closeOut  sync.Once
	wg        sync.WaitGroup
}

// NewMux returns a Mux for one run. The monotonic clock used for
// Event.Mono starts now.
func NewMux(runID, test string) *Mux {
	m := &Mux{
		runID: runID,
		test:  test,
		start: time.Now(),
		in:    make(chan rawLine, 256),
		out:   make(chan Event, 256),
		done:  make(chan struct{}),
	}
	go m.collect()
	return m
}

// Events returns the merged event sequence. It is closed after Seal
// once every attached source has ended, or promptly after Cancel.
func (m *Mux) Events() <-chan Event {
	return m.out
}

// Add registers n sources that will be fed via Emit. Each must be
// matched by a Done call when its stream ends.
func (m *Mux) Add(n int) {
	m.wg.Add(n)
}

// Done marks one registered source as ended.
func (m *Mux) Done() {
	m.wg.Done()
}

// Emit hands one line from src to the collector. The wall timestamp
// is captured here, at emission; seq and the monotonic stamp are
// assigned in hand-off order. After Cancel, Emit discards its input.
// Emit may only be called from a source registered with Add.
func (m *Mux) Emit(src Source, line string) {
	select {
	case m.in <- rawLine{src: src, text: line, when: time.Now()}:
	case <-m.done:
	}
}

// Attach merges lines from a channel until it closes. The channel is
// drained even after Cancel so producers never block forever.
func (m *Mux) Attach(src Source, lines <-chan string) {
	m.Add(1)
	go func() {
		defer m.Done()
		for line := range lines {
			m.Emit(src, line)
		}
		v("mux %s: source %s ended", m.runID, src)
	}()
}

// AttachReader merges lines scanned from r until EOF or a read error.
// A read error ends the source; reporting it is up to the owner of r.
func (m *Mux) AttachReader(src Source, r io.Reader) {
	m.Add(1)
	go func() {
		defer m.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			m.Emit(src, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			v("mux %s: source %s read: %v", m.runID, src, err)
		}
	}()
}

// Seal declares the source set complete. Once every attached source
// has ended, Events is closed. Seal must be called exactly once,
// after the last Attach/Add, or Events will never close.
func (m *Mux) Seal() {
	go func() {
		m.wg.Wait()
		close(m.in)
	}()
}

// Cancel ends the merge deterministically: nothing further is
// emitted, no partial trailing event, and Events closes. Sources
// still attached are drained into the void until they end.
func (m *Mux) Cancel() {
	m.closeDone.Do(func() { close(m.done) })
}

// collect is the sole writer of the out channel and the only place
// seq numbers are assigned, which is what makes them a true global
// arrival order.
func (m *Mux) collect() {
	var seq uint64
	for {
		select {
		case raw, ok := <-m.in:
			if !ok {
				m.closeOut.Do(func() { close(m.out) })
				return
			}
			e := Event{
				RunID:  m.runID,
				Test:   m.test,
				Source: raw.src,
				Seq:    seq,
				Time:   raw.when,
				Mono:   time.Since(m.start),
				Line:   raw.text,
			}
			select {
			case m.out <- e:
				seq++
			case <-m.done:
				m.shutdown()
				return
			}
		case <-m.done:
			m.shutdown()
			return
		}
	}
}

// shutdown closes the event stream. Producers blocked in Emit are
// released by the closed done channel, so no drain is needed and a
// Cancel with no prior Seal leaves no goroutine behind.
func (m *Mux) shutdown() {
	m.closeOut.Do(func() { close(m.out) })
}
