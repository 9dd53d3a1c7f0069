// Copyright 2023-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// collectord receives event streams from dutdiag sinks and writes
// them to disk as per-run artifacts:
//
//	<dir>/<run_id>/raw.ndjson            every record, verbatim
//	<dir>/<run_id>/<test>/<source>.log   one file per stream source
//	<dir>/<run_id>/result.json           the terminal record
//
// It can advertise itself over DNS-SD so dutdiag hosts find it
// without configuration:
//
//	collectord -addr :17080 -dir /srv/runs -advertise
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/u-root/u-root/pkg/ulog"
	"golang.org/x/sys/unix"

	"github.com/u-root/dut/collector"
	"github.com/u-root/dut/ds"
)

var (
	addr      = flag.String("addr", ":17080", "listen address")
	dir       = flag.String("dir", "runs", "artifact directory")
	debug     = flag.Bool("d", false, "enable debug prints")
	advertise = flag.Bool("advertise", false, "advertise over DNS-SD")
	instance  = flag.String("instance", "", "DNS-SD instance name")
	txt       = flag.String("txt", "", "extra DNS-SD TXT keys, k=v,k=v")

	v = func(string, ...interface{}) {}
)

// store appends records to per-run artifact files, keeping the files
// open across records since a run arrives as many small writes.
type store struct {
	root string

	mu    sync.Mutex
	files map[string]*os.File
}

func newStore(root string) *store {
	return &store{root: root, files: make(map[string]*os.File)}
}

// file returns the open file for a path, creating parents as needed.
func (st *store) file(path string) (*os.File, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if f, ok := st.files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	st.files[path] = f
	return f, nil
}

func (st *store) append(path string, b []byte) {
	f, err := st.file(path)
	if err != nil {
		log.Printf("collectord: %s: %v", path, err)
		return
	}
	if _, err := f.Write(b); err != nil {
		log.Printf("collectord: %s: %v", path, err)
	}
}

// handle is the collector callback: one decoded record in, artifact
// writes out.
func (st *store) handle(r *collector.Record) {
	runID := r.RunID
	if runID == "" {
		runID = "unidentified"
	}
	runDir := filepath.Join(st.root, runID)

	st.append(filepath.Join(runDir, "raw.ndjson"), append(r.Raw, '\n'))

	if r.Terminal() {
		var pretty json.RawMessage = r.Raw
		b, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			b = r.Raw
		}
		st.append(filepath.Join(runDir, "result.json"), append(b, '\n'))
		v("run %s: terminal, status %q overall %q", runID, r.Status, r.Overall)
		return
	}
	if r.Source != "" {
		logDir := runDir
		if r.Test != "" {
			logDir = filepath.Join(runDir, r.Test)
		}
		st.append(filepath.Join(logDir, r.Source+".log"), []byte(r.Line+"\n"))
	}
}

func (st *store) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for path, f := range st.files {
		if err := f.Close(); err != nil {
			log.Printf("collectord: close %s: %v", path, err)
		}
	}
	st.files = make(map[string]*os.File)
}

func main() {
	flag.Parse()
	if *debug {
		v = ulog.Log.Printf
		collector.SetVerbose(ulog.Log.Printf)
		ds.SetVerbose(ulog.Log.Printf)
	}

	st := newStore(*dir)
	c, err := collector.Serve(*addr, st.handle)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("collectord: listening on %v, writing to %s", c.Addr(), *dir)

	if *advertise {
		port := 0
		if tcp, ok := c.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		txtMap := ds.ParseKv(*txt)
		txtMap["port"] = strconv.Itoa(port)
		if err := ds.Register(*instance, "local", "_collector._tcp", "", port, txtMap); err != nil {
			log.Printf("collectord: dns-sd: %v", err)
		}
		defer ds.Unregister()
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("collectord: shutting down")
	if err := c.Shutdown(); err != nil {
		log.Printf("collectord: shutdown: %v", err)
	}
	st.close()
}
