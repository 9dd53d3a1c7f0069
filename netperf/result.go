// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package netperf

import (
	"encoding/json"

	"github.com/u-root/dut/dut"
)

// Status classifies one pair's outcome, and by reduction a whole
// mesh's.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// reduce returns the worse of two statuses. Timeout outranks failed:
// a hang is a stronger signal about the link than a clean error.
func reduce(a, b Status) Status {
	switch {
	case a == StatusTimeout || b == StatusTimeout:
		return StatusTimeout
	case a == StatusFailed || b == StatusFailed:
		return StatusFailed
	default:
		return StatusOK
	}
}

// Metrics is the parsed summary of one throughput test.
type Metrics struct {
	SentBPS     float64 `json:"sent_bps"`
	RecvBPS     float64 `json:"recv_bps"`
	Bytes       int64   `json:"bytes"`
	Retransmits int64   `json:"retransmits"`
	Duration    float64 `json:"duration_s"`
	CPUHost     float64 `json:"cpu_host_pct"`
	CPURemote   float64 `json:"cpu_remote_pct"`
}

// PairResult is the outcome of one directed client to server test.
// A connect failure (server never reachable, transport refused) and a
// mid-run failure both read failed; Err tells them apart.
type PairResult struct {
	Client  string   `json:"client"`
	Server  string   `json:"server"`
	RunID   string   `json:"run_id"`
	Status  Status   `json:"status"`
	Metrics *Metrics `json:"metrics,omitempty"`
	Err     string   `json:"error,omitempty"`
}

// Result aggregates a whole test: one pair for host↔DUT mode, all
// ordered pairs for a mesh. The failure pattern is the point, so
// every requested pair appears whether it worked or not.
type Result struct {
	RunID          string            `json:"run_id"`
	Participants   []string          `json:"participants"`
	Pairs          []PairResult      `json:"pairs"`
	PerParticipant map[string]Status `json:"per_participant"`
	Overall        Status            `json:"overall_status"`
}

// ToJSON renders the result for reports and the collector.
func (r *Result) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// aggregate rolls pair outcomes up: a participant's status is the
// worst of every pair it appears in, overall is the worst across all
// participants. ok only when everything is ok.
func aggregate(runID string, duts []dut.DUT, pairs []PairResult) *Result {
	r := &Result{
		RunID:          runID,
		Pairs:          pairs,
		PerParticipant: make(map[string]Status),
		Overall:        StatusOK,
	}
	for _, d := range duts {
		id := d.ID()
		r.Participants = append(r.Participants, id)
		if _, ok := r.PerParticipant[id]; !ok {
			r.PerParticipant[id] = StatusOK
		}
	}
	for _, p := range pairs {
		for _, id := range []string{p.Client, p.Server} {
			r.PerParticipant[id] = reduce(r.PerParticipant[id], p.Status)
		}
		r.Overall = reduce(r.Overall, p.Status)
	}
	return r
}
