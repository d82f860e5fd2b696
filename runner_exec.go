// Copyright 2026 The Prefork Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prefork

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// WorkerCommand is the argv[1] the supervisor passes when re-executing
// itself as a process-mode worker.  Binaries that enable ModeProcess must
// route this subcommand to RunWorker.
const WorkerCommand = "worker"

const (
	envWorkerID   = "PREFORK_WORKER_ID"
	envWorkerSlot = "PREFORK_WORKER_SLOT"
	envConfig     = "PREFORK_CONFIG"
)

// Child file descriptor layout: 3 is the inherited serving socket, 4 is the
// status pipe the child reports on.
const (
	childListenerFd = 3
	childStatusFd   = 4
)

// execRunner runs a worker as a child process that inherits the bound
// socket.  This is the true pre-fork model: a fault in the worker cannot
// corrupt the supervisor, and Kill is a real kill.
type execRunner struct {
	cfg    Config
	id     string
	slot   int
	ln     *Listener
	logger *log.Logger
	sink   func(Event)

	cmd     *exec.Cmd
	statusR *os.File
	statusW *os.File
	lnFile  *os.File
	waitErr error
	done    chan struct{}
}

func newExecRunner(cfg Config, id string, slot int, ln *Listener,
	logger *log.Logger, sink func(Event)) (*execRunner, error) {

	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	lnFile, err := ln.File()
	if err != nil {
		return nil, err
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		lnFile.Close()
		return nil, err
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		lnFile.Close()
		statusR.Close()
		statusW.Close()
		return nil, err
	}

	cmd := exec.Command(exe, WorkerCommand)
	cmd.Env = append(os.Environ(),
		envWorkerID+"="+id,
		envWorkerSlot+"="+strconv.Itoa(slot),
		envConfig+"="+string(cfgJSON),
	)
	cmd.ExtraFiles = []*os.File{lnFile, statusW}

	return &execRunner{
		cfg:     cfg,
		id:      id,
		slot:    slot,
		ln:      ln,
		logger:  logger,
		sink:    sink,
		cmd:     cmd,
		statusR: statusR,
		statusW: statusW,
		lnFile:  lnFile,
		done:    make(chan struct{}),
	}, nil
}

// scanLog copies child output line by line into the supervisor log, the
// same way the supervisor's own messages flow.
func (r *execRunner) scanLog(rd io.Reader, prefix string) {
	br := bufio.NewReader(rd)
	for {
		line, err := br.ReadString('\n')
		if len(line) != 0 {
			r.logger.Print(prefix, strings.Trim(line, "\n"))
		}
		if err != nil {
			return
		}
	}
}

// scanStatus turns the child's status lines into supervisor events.
func (r *execRunner) scanStatus() {
	sc := bufio.NewScanner(r.statusR)
	for sc.Scan() {
		st, ok := ParseStatus(strings.TrimSpace(sc.Text()))
		if !ok {
			continue
		}
		r.sink(Event{ID: r.id, Slot: r.slot, Status: st, Time: time.Now()})
	}
}

func (r *execRunner) Start() error {
	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := r.cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := r.cmd.Start(); err != nil {
		r.statusR.Close()
		r.statusW.Close()
		r.lnFile.Close()
		return err
	}
	// Parent copies of inherited descriptors are no longer needed.
	r.statusW.Close()
	r.lnFile.Close()

	pfx := fmt.Sprintf("worker/%d> ", r.slot)
	go r.scanLog(stdout, pfx)
	go r.scanLog(stderr, pfx)
	go r.scanStatus()
	go func() {
		r.waitErr = r.cmd.Wait()
		r.statusR.Close()
		close(r.done)
	}()
	return nil
}

func (r *execRunner) Drain() {
	if p := r.cmd.Process; p != nil {
		p.Signal(syscall.SIGTERM)
	}
}

func (r *execRunner) Kill() {
	if p := r.cmd.Process; p != nil {
		p.Kill()
	}
}

func (r *execRunner) Wait() error {
	<-r.done
	return r.waitErr
}

// RunWorker is the child-side entry point for process-mode workers.  The
// binary re-executes itself with WorkerCommand as its only argument and the
// serving socket on fd 3; this function rebuilds the listener, runs the
// serve loop, and reports status on fd 4.  SIGTERM drains; the grace period
// from the inherited configuration is enforced locally as well, so an
// orphaned worker still winds down.
func RunWorker(h Handler) error {
	cfgJSON := os.Getenv(envConfig)
	if cfgJSON == "" {
		return errors.New("not launched as a prefork worker (no " +
			envConfig + " in environment)")
	}
	var cfg Config
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return err
	}
	id := os.Getenv(envWorkerID)
	slot, _ := strconv.Atoi(os.Getenv(envWorkerSlot))

	lnFile := os.NewFile(childListenerFd, "prefork-listener")
	statusFile := os.NewFile(childStatusFd, "prefork-status")
	if lnFile == nil || statusFile == nil {
		return errors.New("missing inherited descriptors")
	}
	ln, err := FileListener(lnFile, cfg.MaxConns)
	if err != nil {
		return err
	}
	lnFile.Close()

	var mx sync.Mutex
	report := func(st Status) {
		mx.Lock()
		fmt.Fprintf(statusFile, "%s\n", st)
		mx.Unlock()
	}

	logger := log.New(os.Stderr, "", 0)
	srv := newServer(cfg, id, slot, ln, h, logger, nil, report)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigs
		srv.drain()
		time.AfterFunc(cfg.GracePeriod, srv.abort)
	}()

	return srv.run()
}
