// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mdlayher/vsock"

	// We use this ssh because it can unpack password-protected private keys.
	ossh "golang.org/x/crypto/ssh"

	"github.com/u-root/dut/dut"
	"github.com/u-root/dut/stream"
)

// SSH runs commands on a DUT over an ssh connection. For vsock DUTs
// the same ssh protocol rides a vsock conn instead of TCP.
type SSH struct {
	host     string
	hostName string
	port     string
	network  string
	config   *ossh.ClientConfig
}

// NewSSH resolves the DUT through ssh_config the way ssh itself
// would (HostName, Port, User, IdentityFile) and prepares a client
// config. A missing key file is not an error: the client then offers
// no auth method, which a permissive lab sshd accepts.
func NewSSH(d dut.DUT) (*SSH, error) {
	t := &SSH{
		host:     d.Host,
		hostName: hostName(d.Host),
		port:     port(d.Host, d.Port),
		network:  "tcp",
	}
	if d.Kind == dut.VSock {
		t.network = "vsock"
	}
	cfg := &ossh.ClientConfig{
		User: userName(d.Host, d.User),
		// The lab network's host keys churn with every reflash;
		// checking them would make every first contact fail.
		HostKeyCallback: ossh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	kf := keyFile(d.Host, d.Meta["key"])
	if key, err := os.ReadFile(kf); err == nil {
		signer, err := ossh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("ParsePrivateKey %v: %v", kf, err)
		}
		cfg.Auth = []ossh.AuthMethod{ossh.PublicKeys(signer)}
	} else {
		v("ssh %s: no usable key at %q, continuing without auth", d.Host, kf)
	}
	t.config = cfg
	return t, nil
}

func (t *SSH) dial() (*ossh.Client, error) {
	addr := net.JoinHostPort(t.hostName, t.port)
	if t.network == "vsock" {
		cid, err := strconv.ParseUint(t.hostName, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("vsock context id %q: %v", t.hostName, err)
		}
		p, err := strconv.ParseUint(t.port, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("vsock port %q: %v", t.port, err)
		}
		conn, err := vsock.Dial(uint32(cid), uint32(p), nil)
		if err != nil {
			return nil, err
		}
		c, chans, reqs, err := ossh.NewClientConn(conn, addr, t.config)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return ossh.NewClient(c, chans, reqs), nil
	}
	return ossh.Dial("tcp", addr, t.config)
}

// Start dials the DUT and launches cmd in one ssh session. Dial and
// auth failures are ConnectErrors; a session that cannot be started
// on a live connection is a CommandError.
func (t *SSH) Start(ctx context.Context, cmdline string) (Session, error) {
	cl, err := t.dial()
	if err != nil {
		return nil, &ConnectError{Host: t.host, Err: err}
	}
	sess, err := cl.NewSession()
	if err != nil {
		cl.Close()
		return nil, &ConnectError{Host: t.host, Err: err}
	}

	s := &sshSession{
		sess:  sess,
		lines: make(chan Line, 64),
		done:  make(chan struct{}),
	}
	// Closers run last-added first: session before client.
	s.closers = append(s.closers, cl.Close, sess.Close)

	stdout, err := sess.StdoutPipe()
	if err != nil {
		s.Close()
		return nil, &CommandError{Cmd: cmdline, Err: err}
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		s.Close()
		return nil, &CommandError{Cmd: cmdline, Err: err}
	}
	if err := sess.Start(cmdline); err != nil {
		s.Close()
		return nil, &CommandError{Cmd: cmdline, Err: err}
	}
	v("ssh %s: started %q", t.host, cmdline)

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

// ReadFile snapshots a file on the DUT by running head over the
// session channel, capped at ReadLimit bytes. The content comes back
// line-based, which is what text artifacts are.
func (t *SSH) ReadFile(ctx context.Context, path string) (string, error) {
	s, err := t.Start(ctx, fmt.Sprintf("head -c %d -- %s", ReadLimit, shellQuote(path)))
	if err != nil {
		return "", err
	}
	defer s.Close()
	var sb strings.Builder
	for l := range s.Lines() {
		if l.Source != stream.Stdout {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(l.Text)
	}
	code, err := s.Wait()
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("read %s: exit %d", path, code)
	}
	return sb.String(), nil
}

type sshSession struct {
	sess     *ossh.Session
	lines    chan Line
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
	closers  []func() error
	closeErr error
}

func (s *sshSession) scan(src stream.Source, r io.Reader) {
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

func (s *sshSession) Lines() <-chan Line {
	return s.lines
}

func (s *sshSession) Wait() (int, error) {
	s.wg.Wait()
	err := s.sess.Wait()
	if err == nil {
		return 0, nil
	}
	var ee *ossh.ExitError
	if errors.As(err, &ee) {
		return ee.ExitStatus(), nil
	}
	return -1, err
}

func (s *sshSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask the remote side to die; not every sshd honors the
		// signal request, so the connection teardown below is the
		// real kill.
		_ = s.sess.Signal(ossh.SIGKILL)
		var result error
		for i := len(s.closers) - 1; i >= 0; i-- {
			err := s.closers[i]()
			if err != nil && err != io.EOF && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, err)
			}
		}
		s.mu.Lock()
		s.closeErr = result
		s.mu.Unlock()
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}
