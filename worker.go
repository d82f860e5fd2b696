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
	"time"
)

// Status is the lifecycle state of a worker slot.
//
//	Starting -> Ready <-> Busy -> Draining -> Dead
//
// Dead transitions back to Starting when the supervisor restarts the slot,
// unless a shutdown is in progress, in which case Dead is terminal.
type Status int

const (
	Starting Status = iota
	Ready
	Busy
	Draining
	Dead
)

var statusNames = map[Status]string{
	Starting: "starting",
	Ready:    "ready",
	Busy:     "busy",
	Draining: "draining",
	Dead:     "dead",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseStatus is the inverse of Status.String.  Process-mode workers report
// their state as text lines on a pipe, and the supervisor parses them back.
func ParseStatus(s string) (Status, bool) {
	for st, n := range statusNames {
		if n == s {
			return st, true
		}
	}
	return Dead, false
}

// Event is a status report emitted by a worker.  Workers never touch the
// supervisor's table directly; all state flows through these.  Every event
// doubles as a heartbeat.
type Event struct {
	ID     string
	Slot   int
	Status Status
	Err    error
	Time   time.Time
}

// Worker is one supervised slot, owned exclusively by the Supervisor and
// guarded by its lock.
type Worker struct {
	id      string
	slot    int
	status  Status
	started time.Time
	beat    time.Time
	runner  Runner
}

// WorkerInfo is a point-in-time snapshot of a worker, safe to hand out.
type WorkerInfo struct {
	ID       string    `json:"id"`
	Slot     int       `json:"slot"`
	Status   string    `json:"status"`
	Started  time.Time `json:"started"`
	LastBeat time.Time `json:"lastBeat"`
}

func (w *Worker) info() WorkerInfo {
	return WorkerInfo{
		ID:       w.id,
		Slot:     w.slot,
		Status:   w.status.String(),
		Started:  w.started,
		LastBeat: w.beat,
	}
}
