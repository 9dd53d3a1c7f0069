// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import "time"

// Source names where a line came from. A run has at most one
// stdout and one stderr source; the uart source is optional and
// has its own lifecycle.
type Source string

const (
	Stdout Source = "stdout"
	Stderr Source = "stderr"
	UART   Source = "uart"
)

// Event is one line of output from one source of a run.
// Within a run, Seq is strictly increasing in true arrival order
// across all sources. Events are immutable once emitted.
type Event struct {
	RunID  string        `json:"run_id"`
	Test   string        `json:"test_name"`
	Source Source        `json:"source"`
	Seq    uint64        `json:"seq"`
	Time   time.Time     `json:"timestamp"`
	Mono   time.Duration `json:"monotonic_ns"`
	Line   string        `json:"line"`
}
