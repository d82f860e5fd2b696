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
	"sync"
	"time"
)

// Runner is the execution capability behind one worker slot: spawn, drain,
// terminate, wait.  The supervisor's logic never touches goroutines or
// processes directly, so the two models (and test fakes) are
// interchangeable.
type Runner interface {
	// Start launches the worker.  Status events flow to the sink the
	// runner was constructed with.
	Start() error

	// Drain asks the worker to stop accepting and finish in-flight
	// work.  It is advisory; enforcement of the grace period is the
	// supervisor's job.
	Drain()

	// Kill terminates the worker without ceremony.
	Kill()

	// Wait blocks until the worker has exited and returns the exit
	// error, nil for a clean drain.
	Wait() error
}

// killAbandon bounds how long a killed goroutine worker gets to actually
// unwind before the supervisor writes it off.  A goroutine stuck in a
// handler cannot be destroyed; process-mode workers get a real kill.
const killAbandon = 100 * time.Millisecond

// goroutineRunner runs the worker as a goroutine in this process, serving
// from its own duplicate of the shared socket.
type goroutineRunner struct {
	srv  *server
	err  error
	done chan struct{}
	once sync.Once
}

func newGoroutineRunner(srv *server) *goroutineRunner {
	return &goroutineRunner{srv: srv, done: make(chan struct{})}
}

func (r *goroutineRunner) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *goroutineRunner) Start() error {
	go func() {
		r.finish(r.srv.run())
	}()
	return nil
}

func (r *goroutineRunner) Drain() {
	r.srv.drain()
}

func (r *goroutineRunner) Kill() {
	r.srv.abort()
	go func() {
		select {
		case <-r.done:
		case <-time.After(killAbandon):
			r.finish(ErrWorkerHung)
		}
	}()
}

func (r *goroutineRunner) Wait() error {
	<-r.done
	return r.err
}
