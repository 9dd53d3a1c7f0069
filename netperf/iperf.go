// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package netperf

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// serverCmd builds the one-shot server side: -1 makes iperf3 exit
// after a single client, which is the teardown path we want on
// success.
func serverCmd(bin string, port int) string {
	return fmt.Sprintf("%s -s -1 -J -p %d", bin, port)
}

func clientCmd(bin, addr string, port int, duration time.Duration, parallel int) string {
	secs := int(duration.Seconds())
	if secs < 1 {
		secs = 1
	}
	cmd := fmt.Sprintf("%s -c %s -p %d -J -t %d", bin, addr, port, secs)
	if parallel > 1 {
		cmd += fmt.Sprintf(" -P %d", parallel)
	}
	return cmd
}

// iperf3 -J output, reduced to the parts we report. Everything else
// in the (large) document is ignored.
type iperfSummary struct {
	Error string `json:"error"`
	End   struct {
		SumSent struct {
			Bytes         int64   `json:"bytes"`
			BitsPerSecond float64 `json:"bits_per_second"`
			Retransmits   int64   `json:"retransmits"`
			Seconds       float64 `json:"seconds"`
		} `json:"sum_sent"`
		SumReceived struct {
			Bytes         int64   `json:"bytes"`
			BitsPerSecond float64 `json:"bits_per_second"`
			Seconds       float64 `json:"seconds"`
		} `json:"sum_received"`
		CPU struct {
			HostTotal   float64 `json:"host_total"`
			RemoteTotal float64 `json:"remote_total"`
		} `json:"cpu_utilization_percent"`
	} `json:"end"`
}

// ParseSummary extracts metrics from the client's JSON output. An
// iperf3 run that failed after starting reports its own "error"
// field; that surfaces here as an error, not as zero metrics.
func ParseSummary(out string) (*Metrics, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, fmt.Errorf("empty test output")
	}
	var s iperfSummary
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		return nil, fmt.Errorf("summary parse: %v", err)
	}
	if s.Error != "" {
		return nil, fmt.Errorf("test reported: %s", s.Error)
	}
	if s.End.SumSent.Seconds == 0 && s.End.SumReceived.Seconds == 0 {
		return nil, fmt.Errorf("summary has no end section")
	}
	return &Metrics{
		SentBPS:     s.End.SumSent.BitsPerSecond,
		RecvBPS:     s.End.SumReceived.BitsPerSecond,
		Bytes:       s.End.SumSent.Bytes,
		Retransmits: s.End.SumSent.Retransmits,
		Duration:    s.End.SumSent.Seconds,
		CPUHost:     s.End.CPU.HostTotal,
		CPURemote:   s.End.CPU.RemoteTotal,
	}, nil
}
