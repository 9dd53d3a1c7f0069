// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/u-root/dut/stream"
)

// Local runs commands as child processes via the shell.
type Local struct{}

type localSession struct {
	cmd   *exec.Cmd
	lines chan Line
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// Start runs cmd under /bin/sh -c. Both pipes are drained from the
// moment the process starts.
func (Local) Start(ctx context.Context, cmdline string) (Session, error) {
	c := exec.Command("/bin/sh", "-c", cmdline)
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, &CommandError{Cmd: cmdline, Err: err}
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, &CommandError{Cmd: cmdline, Err: err}
	}
	if err := c.Start(); err != nil {
		return nil, &CommandError{Cmd: cmdline, Err: err}
	}
	v("local: started %q as pid %d", cmdline, c.Process.Pid)

	s := &localSession{
		cmd:   c,
		lines: make(chan Line, 64),
		done:  make(chan struct{}),
	}
	s.wg.Add(2)
	go s.scan(stream.Stdout, stdout)
	go s.scan(stream.Stderr, stderr)
	go func() {
		s.wg.Wait()
		close(s.lines)
	}()
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.done:
			}
		}()
	}
	return s, nil
}

// ReadFile snapshots a local file, capped at ReadLimit bytes.
func (Local) ReadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, ReadLimit))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *localSession) scan(src stream.Source, r io.Reader) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case s.lines <- Line{Source: src, Text: scanner.Text(), When: time.Now()}:
		case <-s.done:
			return
		}
	}
}

func (s *localSession) Lines() <-chan Line {
	return s.lines
}

func (s *localSession) Wait() (int, error) {
	// cmd.Wait closes the pipes; let the scanners get to EOF first
	// so no tail output is lost.
	s.wg.Wait()
	err := s.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	return -1, err
}

func (s *localSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		if p := s.cmd.Process; p != nil {
			_ = p.Signal(unix.SIGTERM)
			// If it ignores the request, force it. Kill on an
			// already-exited process just returns an error we
			// don't care about.
			time.AfterFunc(killGrace, func() {
				_ = p.Kill()
			})
		}
	})
	return nil
}
