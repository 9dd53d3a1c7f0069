// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	gssh "github.com/gliderlabs/ssh"

	"github.com/u-root/dut/dut"
	"github.com/u-root/dut/stream"
)

// testServer starts an in-process sshd whose handler fakes a DUT:
// echo commands echo, "fail" writes to stderr and exits 2, "slow"
// dribbles lines out.
func testServer(t *testing.T) dut.DUT {
	t.Helper()
	srv := &gssh.Server{
		Handler: func(s gssh.Session) {
			cmd := s.RawCommand()
			switch {
			case strings.HasPrefix(cmd, "echo "):
				io.WriteString(s, strings.TrimPrefix(cmd, "echo ")+"\n")
			case cmd == "fail":
				io.WriteString(s.Stderr(), "boom\n")
				s.Exit(2)
			case cmd == "slow":
				for _, l := range []string{"one", "two", "three"} {
					io.WriteString(s, l+"\n")
					time.Sleep(20 * time.Millisecond)
				}
			default:
				io.WriteString(s, "ran: "+cmd+"\n")
			}
		},
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v != nil", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return dut.DUT{
		Host: "127.0.0.1",
		Kind: dut.SSH,
		Port: ln.Addr().(*net.TCPAddr).Port,
	}
}

func TestSSHEcho(t *testing.T) {
	v = t.Logf
	d := testServer(t)
	tr, err := NewSSH(d)
	if err != nil {
		t.Fatalf("NewSSH(%v): %v != nil", d, err)
	}
	s, err := tr.Start(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf(`Start("echo hi"): %v != nil`, err)
	}
	defer s.Close()

	var lines []Line
	for l := range s.Lines() {
		lines = append(lines, l)
	}
	code, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait: %v != nil", err)
	}
	if code != 0 {
		t.Errorf("exit code: %d != 0", code)
	}
	if len(lines) != 1 || lines[0].Text != "hi" || lines[0].Source != stream.Stdout {
		t.Errorf("lines: %v != one stdout line %q", lines, "hi")
	}
}

func TestSSHStderrAndExit(t *testing.T) {
	v = t.Logf
	d := testServer(t)
	tr, err := NewSSH(d)
	if err != nil {
		t.Fatalf("NewSSH(%v): %v != nil", d, err)
	}
	s, err := tr.Start(context.Background(), "fail")
	if err != nil {
		t.Fatalf(`Start("fail"): %v != nil`, err)
	}
	defer s.Close()

	var errText string
	for l := range s.Lines() {
		if l.Source == stream.Stderr {
			errText = l.Text
		}
	}
	code, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait: %v != nil", err)
	}
	if code != 2 {
		t.Errorf("exit code: %d != 2", code)
	}
	if errText != "boom" {
		t.Errorf("stderr: %q != %q", errText, "boom")
	}
}

func TestSSHConnectFailure(t *testing.T) {
	v = t.Logf
	// Grab a port that is then closed again, so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v != nil", err)
	}
	d := dut.DUT{
		Host: "127.0.0.1",
		Kind: dut.SSH,
		Port: ln.Addr().(*net.TCPAddr).Port,
	}
	ln.Close()

	tr, err := NewSSH(d)
	if err != nil {
		t.Fatalf("NewSSH(%v): %v != nil", d, err)
	}
	_, err = tr.Start(context.Background(), "echo hi")
	if err == nil {
		t.Fatal("Start on a dead port: nil != error")
	}
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Errorf("error kind: %T != *ConnectError (%v)", err, err)
	}
}

func TestSSHClose(t *testing.T) {
	v = t.Logf
	d := testServer(t)
	tr, err := NewSSH(d)
	if err != nil {
		t.Fatalf("NewSSH(%v): %v != nil", d, err)
	}
	s, err := tr.Start(context.Background(), "slow")
	if err != nil {
		t.Fatalf(`Start("slow"): %v != nil`, err)
	}
	// Read the first line, then tear the session down mid-stream.
	<-s.Lines()
	if err := s.Close(); err != nil {
		t.Logf("Close: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for range s.Lines() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lines did not end after Close")
	}
}
