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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type testLog struct {
	t *testing.T
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	tl.t.Log(strings.Trim(string(p), "\n"))
	return len(p), nil
}

// fakeRunner stands in for a worker.  Its behavior knobs model the failure
// modes the supervisor has to survive: crashing on startup, never becoming
// ready, and going silent.
type fakeRunner struct {
	id   string
	slot int
	sink func(Event)

	crash    bool // exit immediately after starting
	mute     bool // never report ready
	stubborn bool // ignore drain requests, die only when killed

	mx     sync.Mutex
	exited bool
	err    error
	done   chan struct{}

	drains int
	kills  int
}

func (r *fakeRunner) report(st Status) {
	r.sink(Event{ID: r.id, Slot: r.slot, Status: st, Time: time.Now()})
}

func (r *fakeRunner) exit(err error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.exited {
		return
	}
	r.exited = true
	r.err = err
	close(r.done)
}

func (r *fakeRunner) Start() error {
	if r.crash {
		go r.exit(errors.New("injected crash"))
		return nil
	}
	if !r.mute {
		go r.report(Ready)
	}
	return nil
}

func (r *fakeRunner) Drain() {
	r.mx.Lock()
	r.drains++
	stubborn := r.stubborn
	r.mx.Unlock()
	r.report(Draining)
	if !stubborn {
		go r.exit(nil)
	}
}

func (r *fakeRunner) Kill() {
	r.mx.Lock()
	r.kills++
	r.mx.Unlock()
	go r.exit(errors.New("killed"))
}

func (r *fakeRunner) Wait() error {
	<-r.done
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.err
}

// fakeFleet manufactures fakeRunners and remembers every one it made.
type fakeFleet struct {
	mx       sync.Mutex
	crash    bool
	mute     bool
	stubborn bool
	runners  []*fakeRunner
}

func (f *fakeFleet) factory(s *Supervisor) func(string, int) (Runner, error) {
	return func(id string, slot int) (Runner, error) {
		f.mx.Lock()
		defer f.mx.Unlock()
		r := &fakeRunner{
			id:       id,
			slot:     slot,
			sink:     s.postEvent,
			crash:    f.crash,
			mute:     f.mute,
			stubborn: f.stubborn,
			done:     make(chan struct{}),
		}
		f.runners = append(f.runners, r)
		return r, nil
	}
}

func (f *fakeFleet) made() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return len(f.runners)
}

func (f *fakeFleet) setCrash(b bool) {
	f.mx.Lock()
	f.crash = b
	f.mx.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.ControlAddr = ""
	cfg.Workers = 3
	cfg.GracePeriod = 2 * time.Second
	return cfg
}

func newTestSupervisor(t *testing.T, cfg Config, fleet *fakeFleet) *Supervisor {
	s, err := New(cfg, HandlerFunc(func(r *Request) (*Response, error) {
		return Text(200, "ok"), nil
	}))
	So(err, ShouldBeNil)
	s.SetLogWriter(&testLog{t})
	if fleet != nil {
		s.factory = fleet.factory(s)
	}
	return s
}

func waitFor(cond func() bool, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestSupervisorLifecycle(t *testing.T) {
	Convey("Given a supervisor with fake workers", t, func() {
		fleet := &fakeFleet{}
		s := newTestSupervisor(t, testConfig(), fleet)

		Convey("It starts the configured number of workers", func() {
			So(s.Start(), ShouldBeNil)
			defer s.Shutdown(0)
			So(fleet.made(), ShouldEqual, 3)
			So(waitFor(func() bool {
				return s.Info().Ready == 3
			}, 3*time.Second), ShouldBeTrue)
			info := s.Info()
			So(info.Running, ShouldBeTrue)
			So(info.Workers, ShouldEqual, 3)
		})

		Convey("Starting twice is refused", func() {
			So(s.Start(), ShouldBeNil)
			defer s.Shutdown(0)
			So(s.Start(), ShouldEqual, ErrAlreadyRunning)
		})

		Convey("Shutdown drains every worker and stops cleanly", func() {
			So(s.Start(), ShouldBeNil)
			So(s.Shutdown(time.Second), ShouldBeNil)
			So(s.Wait(), ShouldBeNil)
			info := s.Info()
			So(info.Running, ShouldBeFalse)
			for _, w := range s.Workers() {
				So(w.Status, ShouldEqual, "dead")
			}
			for _, r := range fleet.runners {
				So(r.drains, ShouldBeGreaterThan, 0)
			}
		})

		Convey("Workers still draining past the grace are force-terminated", func() {
			fleet.mx.Lock()
			fleet.stubborn = true
			fleet.mx.Unlock()
			So(s.Start(), ShouldBeNil)
			So(waitFor(func() bool {
				return s.Info().Ready == 3
			}, 3*time.Second), ShouldBeTrue)

			grace := 300 * time.Millisecond
			start := time.Now()
			So(s.Shutdown(grace), ShouldBeNil)
			So(time.Since(start), ShouldBeGreaterThanOrEqualTo, grace)
			So(s.Wait(), ShouldBeNil)
			So(s.Info().Running, ShouldBeFalse)
			for _, r := range fleet.runners {
				So(r.drains, ShouldBeGreaterThan, 0)
				So(r.kills, ShouldBeGreaterThan, 0)
			}
		})

		Convey("Operations on a stopped supervisor fail", func() {
			So(s.Reload(), ShouldEqual, ErrNotRunning)
			So(s.Shutdown(0), ShouldEqual, ErrNotRunning)
		})
	})
}

func TestSupervisorRestarts(t *testing.T) {
	Convey("Given a running supervisor", t, func() {
		fleet := &fakeFleet{}
		cfg := testConfig()
		cfg.Workers = 1
		s := newTestSupervisor(t, cfg, fleet)
		So(s.Start(), ShouldBeNil)
		defer s.Shutdown(0)

		Convey("A crashed worker is replaced", func() {
			So(waitFor(func() bool {
				return s.Info().Ready == 1
			}, 3*time.Second), ShouldBeTrue)

			fleet.runners[0].exit(errors.New("boom"))
			So(waitFor(func() bool {
				return fleet.made() == 2 && s.Info().Ready == 1
			}, 3*time.Second), ShouldBeTrue)

			ws := s.Workers()
			So(len(ws), ShouldEqual, 1)
			So(ws[0].ID, ShouldNotEqual, fleet.runners[0].id)
		})

		Convey("A silent worker is declared hung and replaced", func() {
			So(waitFor(func() bool {
				return s.Info().Ready == 1
			}, 3*time.Second), ShouldBeTrue)

			// Freeze the heartbeat clock far enough into the past.
			s.lock()
			w := s.slots[0]
			w.beat = time.Now().Add(-2 * s.cfg.HeartbeatTimeout)
			s.unlock()

			So(waitFor(func() bool {
				return fleet.runners[0].kills > 0
			}, 3*time.Second), ShouldBeTrue)
			So(waitFor(func() bool {
				return fleet.made() == 2 && s.Info().Ready == 1
			}, 3*time.Second), ShouldBeTrue)
		})
	})
}

func TestRestartStorm(t *testing.T) {
	Convey("Given workers that crash on every start", t, func() {
		fleet := &fakeFleet{crash: true}
		cfg := testConfig()
		cfg.Workers = 1
		cfg.RestartLimit = 2
		cfg.RestartPeriod = time.Minute
		s := newTestSupervisor(t, cfg, fleet)
		So(s.Start(), ShouldBeNil)

		Convey("The restart ceiling shuts the supervisor down", func() {
			So(s.Wait(), ShouldEqual, ErrRestartStorm)
			So(s.Info().Running, ShouldBeFalse)
			// Initial spawn plus at most RestartLimit replacements.
			So(fleet.made(), ShouldBeLessThanOrEqualTo, 3)
		})
	})
}

func TestReload(t *testing.T) {
	Convey("Given a running supervisor", t, func() {
		fleet := &fakeFleet{}
		cfg := testConfig()
		s := newTestSupervisor(t, cfg, fleet)
		So(s.Start(), ShouldBeNil)
		defer s.Shutdown(0)
		So(waitFor(func() bool {
			return s.Info().Ready == 3
		}, 3*time.Second), ShouldBeTrue)
		oldIDs := make(map[string]bool)
		for _, w := range s.Workers() {
			oldIDs[w.ID] = true
		}

		Convey("Reload replaces every worker", func() {
			So(s.Reload(), ShouldBeNil)
			So(fleet.made(), ShouldEqual, 6)
			for _, w := range s.Workers() {
				So(oldIDs[w.ID], ShouldBeFalse)
			}
			So(waitFor(func() bool {
				return s.Info().Ready == 3
			}, 3*time.Second), ShouldBeTrue)
			for _, r := range fleet.runners[:3] {
				So(r.drains, ShouldBeGreaterThan, 0)
			}
		})

		Convey("A replacement that never readies aborts the reload", func() {
			fleet.mx.Lock()
			fleet.mute = true
			fleet.mx.Unlock()
			s.lock()
			s.cfg.HeartbeatTimeout = 250 * time.Millisecond
			s.unlock()
			So(s.Reload(), ShouldEqual, ErrNeverReady)
			// The table still holds the original workers.
			So(len(s.Workers()), ShouldEqual, 3)
			for _, w := range s.Workers() {
				So(oldIDs[w.ID], ShouldBeTrue)
			}
		})

		Convey("Concurrent reloads are refused", func() {
			s.lock()
			s.reloading = true
			s.unlock()
			So(s.Reload(), ShouldEqual, ErrReloadBusy)
		})
	})
}

func TestSerialWatch(t *testing.T) {
	Convey("Given a supervisor", t, func() {
		s := newTestSupervisor(t, testConfig(), &fakeFleet{})

		Convey("WatchSerial wakes on change", func() {
			old := s.Serial()
			go func() {
				time.Sleep(50 * time.Millisecond)
				s.lock()
				s.bumpSerialLocked()
				s.unlock()
			}()
			nv := s.WatchSerial(old, 5*time.Second)
			So(nv, ShouldNotEqual, old)
		})

		Convey("WatchSerial times out without change", func() {
			old := s.Serial()
			start := time.Now()
			nv := s.WatchSerial(old, 50*time.Millisecond)
			So(nv, ShouldEqual, old)
			So(time.Since(start), ShouldBeGreaterThanOrEqualTo,
				50*time.Millisecond)
		})
	})
}
