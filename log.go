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
	"strings"
	"sync"
	"time"
)

const MaxLogRecords = 1000

// LogRecord is one retained log line.  Ids increase monotonically and are
// unique for the life of a Log, which makes them usable as Etags by the
// control API.
type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log is a fixed-size ring of recent log lines with change notification.
// It implements io.Writer so that a log.Logger can write straight into it.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

func (l *Log) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	l.mx.Lock()
	for _, line := range strings.Split(str, "\n") {
		idx := l.numRecords % l.maxRecords
		l.id++
		l.records[idx].Text = line
		l.records[idx].Id = l.id
		l.records[idx].Time = time.Now()
		l.numRecords++
	}
	for cv := range l.cvs {
		cv.Broadcast()
	}
	l.mx.Unlock()
	return len(b), nil
}

// GetRecords returns retained records in order, along with the id of the
// newest one.  If last matches that id the log has not changed and nil is
// returned immediately, so callers can poll without duplicating records.
func (l *Log) GetRecords(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	cnt := l.numRecords
	if cnt > l.maxRecords {
		cnt = l.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	index := l.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, l.records[index%l.maxRecords])
		index++
	}
	return recs, l.id
}

// Watch blocks until the log id differs from last, or expire elapses.  It
// returns the current id either way.  A zero expire polls.
func (l *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&l.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			l.mx.Lock()
			expired = true
			cv.Broadcast()
			l.mx.Unlock()
		})
	} else {
		expired = true
	}

	l.mx.Lock()
	l.cvs[cv] = true
	for l.id == last && !expired {
		cv.Wait()
	}
	delete(l.cvs, cv)
	last = l.id
	l.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

func NewLog() *Log {
	return &Log{
		records:    make([]LogRecord, MaxLogRecords),
		maxRecords: MaxLogRecords,
		// Seed the id from the clock so a restarted daemon invalidates
		// any Etag a client cached from a previous run.
		id:  time.Now().UnixNano(),
		cvs: make(map[*sync.Cond]bool),
	}
}
