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
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// a "prime" number of milliseconds, to ensure a more or less even
// distribution of clock events
const monitorInterval = 587 * time.Millisecond

// Supervisor owns the bound socket and the worker table.  It spawns the
// configured number of workers, monitors their heartbeats, replaces the
// crashed and the hung (bounded by the restart rate ceiling), and drives
// rolling reloads and graceful shutdown.
//
// The worker table is the only shared state, guarded by a single lock.
// Workers report status events; they never mutate the table themselves.
type Supervisor struct {
	cfg     Config
	handler Handler
	mlog    *MultiLogger
	logger  *log.Logger
	outLog  *log.Logger
	ring    *Log
	metrics *Metrics
	ln      *Listener
	events  chan Event
	factory func(id string, slot int) (Runner, error)

	mx         sync.Mutex
	cvs        map[*sync.Cond]bool
	serial     int64
	slots      []*Worker
	extra      []*Worker // workers outside a slot: joining or retiring
	running    bool
	stopping   bool
	reloading  bool
	fatalErr   error
	starts     int
	startTimes []time.Time
	createTime time.Time
	updateTime time.Time
	stopMon    chan struct{}
	doneCh     chan struct{}
}

// Info is a consistent snapshot of top-level supervisor state.  Serial
// increments on every state change, and is usable as an Etag.
type Info struct {
	Serial     int64     `json:"serial,string"`
	Running    bool      `json:"running"`
	Stopping   bool      `json:"stopping"`
	Addr       string    `json:"addr"`
	Mode       string    `json:"mode"`
	Workers    int       `json:"workers"`
	Ready      int       `json:"ready"`
	CreateTime time.Time `json:"createTime"`
	UpdateTime time.Time `json:"updateTime"`
}

// New creates a Supervisor for the given configuration and application
// handler.  Nothing is bound until Start.
func New(cfg Config, h Handler) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:        cfg,
		handler:    h,
		mlog:       NewMultiLogger(),
		ring:       NewLog(),
		metrics:    NewMetrics(),
		events:     make(chan Event, 256),
		cvs:        make(map[*sync.Cond]bool),
		startTimes: make([]time.Time, cfg.RestartLimit),
		stopMon:    make(chan struct{}),
		doneCh:     make(chan struct{}),
		// Seed the serial from the clock so restarted daemons
		// invalidate cached client Etags.
		serial: time.Now().UnixNano(),
	}
	s.createTime = time.Now()
	s.updateTime = s.createTime
	s.mlog.AddLogger(log.New(s.ring, "", 0))
	s.outLog = log.New(os.Stderr, "", log.LstdFlags)
	s.mlog.AddLogger(s.outLog)
	s.logger = s.mlog.Logger()
	s.factory = s.defaultFactory
	return s, nil
}

func (s *Supervisor) lock()   { s.mx.Lock() }
func (s *Supervisor) unlock() { s.mx.Unlock() }

func (s *Supervisor) logf(format string, v ...interface{}) {
	s.logger.Printf(format, v...)
}

// SetLogWriter redirects operator-facing log output.  The in-memory ring
// served by the control API always keeps receiving everything.
func (s *Supervisor) SetLogWriter(w io.Writer) {
	s.mlog.DelLogger(s.outLog)
	s.outLog = log.New(w, "", 0)
	s.mlog.AddLogger(s.outLog)
}

// bumpSerialLocked increments the serial and wakes watchers.  Call with the
// lock held.
func (s *Supervisor) bumpSerialLocked() int64 {
	s.updateTime = time.Now()
	s.serial++
	for cv := range s.cvs {
		cv.Broadcast()
	}
	return s.serial
}

// Serial returns the current state serial.
func (s *Supervisor) Serial() int64 {
	s.lock()
	defer s.unlock()
	return s.serial
}

// WatchSerial blocks until the serial differs from old or expire elapses,
// and returns the current value.  A zero expire polls.
func (s *Supervisor) WatchSerial(old int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&s.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			s.lock()
			expired = true
			cv.Broadcast()
			s.unlock()
		})
	} else {
		expired = true
	}

	s.lock()
	s.cvs[cv] = true
	for s.serial == old && !expired {
		cv.Wait()
	}
	delete(s.cvs, cv)
	rv := s.serial
	s.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// Start binds the serving socket and spawns the workers.  A failure to
// bind is returned as a *BindError and nothing is left running.
func (s *Supervisor) Start() error {
	s.lock()
	if s.running {
		s.unlock()
		return ErrAlreadyRunning
	}
	ln, err := Bind(s.cfg.Addr, 0)
	if err != nil {
		s.unlock()
		return err
	}
	s.ln = ln
	s.running = true
	s.stopping = false
	s.slots = make([]*Worker, s.cfg.Workers)
	for i := range s.slots {
		w, err := s.spawnLocked(i)
		if err != nil {
			for _, w2 := range s.slots {
				if w2 != nil {
					w2.runner.Kill()
				}
			}
			ln.Close()
			s.running = false
			s.unlock()
			return err
		}
		s.slots[i] = w
	}
	s.bumpSerialLocked()
	s.updateWorkerGaugeLocked()
	s.unlock()

	go s.monitor()
	s.logf("*** Supervisor started: %d %s workers on %s ***",
		s.cfg.Workers, s.cfg.Mode, s.ln.Addr())
	return nil
}

// spawnLocked creates and starts a worker for the given slot.  The caller
// places it in the table; events can only be observed under the same lock,
// so there is no window where an unknown worker reports.
func (s *Supervisor) spawnLocked(slot int) (*Worker, error) {
	id := uuid.NewString()
	r, err := s.factory(id, slot)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	w := &Worker{
		id:      id,
		slot:    slot,
		status:  Starting,
		started: now,
		beat:    now,
		runner:  r,
	}
	if err := r.Start(); err != nil {
		return nil, err
	}
	s.logf("Worker %d starting (%s)", slot, id)
	go s.reap(w)
	return w, nil
}

// reap waits for a worker to exit and delivers the terminal event.  This
// send is blocking: a death must never be dropped.
func (s *Supervisor) reap(w *Worker) {
	err := w.runner.Wait()
	s.events <- Event{ID: w.id, Slot: w.slot, Status: Dead, Err: err,
		Time: time.Now()}
}

// postEvent delivers a status event without blocking the worker.  Beats may
// be dropped under load; deaths arrive through reap and never pass here.
func (s *Supervisor) postEvent(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Supervisor) defaultFactory(id string, slot int) (Runner, error) {
	if s.cfg.Mode == ModeProcess {
		return newExecRunner(s.cfg, id, slot, s.ln, s.logger, s.postEvent)
	}
	dup, err := s.ln.Dup(s.cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	wl := log.New(s.mlog, fmt.Sprintf("worker/%d: ", slot), 0)
	srv := newServer(s.cfg, id, slot, dup, s.handler, wl, s.metrics,
		func(st Status) {
			s.postEvent(Event{ID: id, Slot: slot, Status: st,
				Time: time.Now()})
		})
	return newGoroutineRunner(srv), nil
}

func (s *Supervisor) monitor() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-ticker.C:
			s.checkWorkers()
		case <-s.stopMon:
			return
		}
	}
}

func (s *Supervisor) handleEvent(ev Event) {
	s.lock()
	defer s.unlock()
	w := s.findLocked(ev.ID)
	if w == nil {
		return
	}
	w.beat = ev.Time
	if w.status == ev.Status {
		return
	}
	if w.status == Dead {
		// Stale report buffered before death; nothing resurrects.
		return
	}
	w.status = ev.Status
	if ev.Status == Dead {
		if ev.Err != nil {
			s.logf("Worker %d (%s) died: %v", w.slot, w.id, ev.Err)
		} else {
			s.logf("Worker %d (%s) exited", w.slot, w.id)
		}
		s.removeExtraLocked(w)
	}
	s.bumpSerialLocked()
	s.updateWorkerGaugeLocked()
}

// checkWorkers is the periodic health pass: kill the hung, respawn the
// dead.  Respawns are bounded by the restart rate ceiling; hitting the
// ceiling is fatal for the whole supervisor.
func (s *Supervisor) checkWorkers() {
	s.lock()
	defer s.unlock()
	if s.stopping {
		return
	}
	now := time.Now()
	for _, w := range s.allLocked() {
		if w.status == Dead {
			continue
		}
		if now.Sub(w.beat) > s.cfg.HeartbeatTimeout {
			s.logf("Worker %d (%s) hung: no heartbeat for %s, killing",
				w.slot, w.id, now.Sub(w.beat).Round(time.Second))
			w.runner.Kill()
		}
	}
	for i, w := range s.slots {
		if w == nil || w.status != Dead {
			continue
		}
		if err := s.rateCheckLocked(); err != nil {
			s.fatalLocked(err)
			return
		}
		nw, err := s.spawnLocked(i)
		if err != nil {
			s.logf("Failed to respawn worker %d: %v", i, err)
			continue
		}
		s.metrics.restarts.Inc()
		s.slots[i] = nw
		s.bumpSerialLocked()
	}
	s.updateWorkerGaugeLocked()
}

// rateCheckLocked enforces the restart ceiling: more than RestartLimit
// respawns inside RestartPeriod is a crash loop, and we refuse to feed it.
func (s *Supervisor) rateCheckLocked() error {
	now := time.Now()
	limit := s.cfg.RestartLimit
	idx := s.starts % limit
	if s.starts >= limit && now.Sub(s.startTimes[idx]) < s.cfg.RestartPeriod {
		return ErrRestartStorm
	}
	s.startTimes[idx] = now
	s.starts++
	return nil
}

func (s *Supervisor) fatalLocked(err error) {
	if s.fatalErr != nil {
		return
	}
	s.fatalErr = err
	s.logf("*** Fatal: %v ***", err)
	go s.Shutdown(0)
}

// Reload performs a rolling restart: for each slot, a replacement worker is
// spawned and must reach Ready before the old worker is told to drain, one
// slot at a time, so serving capacity never falls below Workers-1.
func (s *Supervisor) Reload() error {
	s.lock()
	if !s.running {
		s.unlock()
		return ErrNotRunning
	}
	if s.stopping {
		s.unlock()
		return ErrShuttingDown
	}
	if s.reloading {
		s.unlock()
		return ErrReloadBusy
	}
	s.reloading = true
	s.unlock()
	defer func() {
		s.lock()
		s.reloading = false
		s.unlock()
	}()

	s.logf("*** Rolling reload ***")
	for i := 0; i < s.cfg.Workers; i++ {
		s.lock()
		if s.stopping {
			s.unlock()
			return ErrShuttingDown
		}
		old := s.slots[i]
		nw, err := s.spawnLocked(i)
		if err != nil {
			s.unlock()
			return err
		}
		s.extra = append(s.extra, nw)
		s.bumpSerialLocked()
		s.unlock()

		if !s.waitStatus(nw, Ready, s.cfg.HeartbeatTimeout) {
			nw.runner.Kill()
			s.lock()
			s.removeExtraLocked(nw)
			s.unlock()
			return ErrNeverReady
		}

		s.lock()
		s.removeExtraLocked(nw)
		s.slots[i] = nw
		if old != nil {
			s.extra = append(s.extra, old)
		}
		s.bumpSerialLocked()
		s.updateWorkerGaugeLocked()
		s.unlock()

		if old != nil {
			old.runner.Drain()
			if !s.waitStatus(old, Dead, s.cfg.GracePeriod) {
				old.runner.Kill()
				s.waitStatus(old, Dead, 5*time.Second)
			}
			s.logf("Worker %d replaced (%s -> %s)", i, old.id, nw.id)
		}
	}
	s.logf("*** Reload complete ***")
	return nil
}

// Shutdown drains all workers at once, closes the listener when they are
// all dead or the grace period has elapsed, then force-terminates any
// stragglers.  A second concurrent call waits for the first to finish.
func (s *Supervisor) Shutdown(grace time.Duration) error {
	s.lock()
	if !s.running {
		s.unlock()
		return ErrNotRunning
	}
	if s.stopping {
		s.unlock()
		<-s.doneCh
		return nil
	}
	s.stopping = true
	live := s.allLocked()
	s.bumpSerialLocked()
	s.unlock()

	s.logf("*** Shutting down (grace %s) ***", grace)
	for _, w := range live {
		if w.status != Dead {
			w.runner.Drain()
		}
	}
	s.waitAllDead(grace)
	s.ln.Close()

	stragglers := 0
	s.lock()
	for _, w := range s.allLocked() {
		if w.status != Dead {
			stragglers++
			w.runner.Kill()
		}
	}
	s.unlock()
	if stragglers > 0 {
		s.logf("Force-terminating %d workers past grace", stragglers)
		s.waitAllDead(5 * time.Second)
	}

	s.lock()
	s.running = false
	s.bumpSerialLocked()
	s.updateWorkerGaugeLocked()
	s.unlock()
	close(s.stopMon)
	s.logf("*** Supervisor stopped ***")
	close(s.doneCh)
	return nil
}

// Wait blocks until the supervisor has fully stopped, and returns the
// fatal error if it went down on its own (restart storm).
func (s *Supervisor) Wait() error {
	<-s.doneCh
	s.lock()
	defer s.unlock()
	return s.fatalErr
}

// waitStatus waits for a worker to reach the wanted state, giving up after
// expire, or early if the worker dies while something else was wanted.
func (s *Supervisor) waitStatus(w *Worker, want Status, expire time.Duration) bool {
	deadline := time.Now().Add(expire)
	for {
		s.lock()
		st := w.status
		serial := s.serial
		s.unlock()
		if st == want {
			return true
		}
		if st == Dead {
			return false
		}
		d := time.Until(deadline)
		if d <= 0 {
			return false
		}
		s.WatchSerial(serial, d)
	}
}

func (s *Supervisor) waitAllDead(limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for {
		s.lock()
		alive := 0
		for _, w := range s.allLocked() {
			if w.status != Dead {
				alive++
			}
		}
		serial := s.serial
		s.unlock()
		if alive == 0 {
			return true
		}
		d := time.Until(deadline)
		if d <= 0 {
			return false
		}
		s.WatchSerial(serial, d)
	}
}

// allLocked returns every worker currently in the table.
func (s *Supervisor) allLocked() []*Worker {
	rv := make([]*Worker, 0, len(s.slots)+len(s.extra))
	for _, w := range s.slots {
		if w != nil {
			rv = append(rv, w)
		}
	}
	rv = append(rv, s.extra...)
	return rv
}

func (s *Supervisor) findLocked(id string) *Worker {
	for _, w := range s.allLocked() {
		if w.id == id {
			return w
		}
	}
	return nil
}

func (s *Supervisor) removeExtraLocked(w *Worker) {
	for i, x := range s.extra {
		if x == w {
			s.extra = append(s.extra[:i], s.extra[i+1:]...)
			return
		}
	}
}

func (s *Supervisor) updateWorkerGaugeLocked() {
	counts := make(map[Status]int)
	for _, w := range s.allLocked() {
		counts[w.status]++
	}
	s.metrics.setWorkers(counts)
}

// Info returns a consistent snapshot of supervisor state.
func (s *Supervisor) Info() *Info {
	s.lock()
	defer s.unlock()
	info := &Info{
		Serial:     s.serial,
		Running:    s.running,
		Stopping:   s.stopping,
		Addr:       s.cfg.Addr,
		Mode:       s.cfg.Mode,
		Workers:    len(s.slots),
		CreateTime: s.createTime,
		UpdateTime: s.updateTime,
	}
	if s.ln != nil {
		info.Addr = s.ln.Addr().String()
	}
	for _, w := range s.allLocked() {
		if w.status == Ready || w.status == Busy {
			info.Ready++
		}
	}
	return info
}

// Workers returns a snapshot of the worker table, slot workers first.
func (s *Supervisor) Workers() []WorkerInfo {
	s.lock()
	defer s.unlock()
	rv := make([]WorkerInfo, 0, len(s.slots)+len(s.extra))
	for _, w := range s.allLocked() {
		rv = append(rv, w.info())
	}
	return rv
}

// GetLog returns retained log records newer than lastid, with the id to
// poll with next.
func (s *Supervisor) GetLog(lastid int64) ([]LogRecord, int64) {
	return s.ring.GetRecords(lastid)
}

// WatchLog blocks until the log changes or expire elapses.
func (s *Supervisor) WatchLog(old int64, expire time.Duration) int64 {
	return s.ring.Watch(old, expire)
}

// Metrics exposes the supervisor's prometheus instrumentation, for
// mounting on a control listener.
func (s *Supervisor) Metrics() *Metrics {
	return s.metrics
}

// Config returns the (immutable) configuration the supervisor runs with.
func (s *Supervisor) Config() Config {
	return s.cfg
}
