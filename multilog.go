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
	"log"
	"strings"
	"sync"
)

// MultiLogger fans a single log.Logger out to several destinations.  The
// supervisor writes through one of these so that every message lands both
// on the operator's stderr logger and in the in-memory ring served by the
// control API.  It implements io.Writer; input is expected to be whole
// newline-terminated lines, which is the contract log.Logger honors.
type MultiLogger struct {
	log     *log.Logger
	loggers []*log.Logger
	mx      sync.Mutex
}

func (m *MultiLogger) Write(b []byte) (int, error) {
	lines := strings.Split(strings.Trim(string(b), "\n"), "\n")
	m.mx.Lock()
	for _, line := range lines {
		for _, l := range m.loggers {
			l.Println(line)
		}
	}
	m.mx.Unlock()
	return len(b), nil
}

// AddLogger registers an additional destination.  Adding the same logger
// twice is a no-op.
func (m *MultiLogger) AddLogger(l *log.Logger) {
	m.mx.Lock()
	defer m.mx.Unlock()
	for _, x := range m.loggers {
		if x == l {
			return
		}
	}
	m.loggers = append(m.loggers, l)
}

// DelLogger removes a destination.
func (m *MultiLogger) DelLogger(l *log.Logger) {
	m.mx.Lock()
	defer m.mx.Unlock()
	for i, x := range m.loggers {
		if x == l {
			m.loggers = append(m.loggers[:i], m.loggers[i+1:]...)
			break
		}
	}
}

// Logger returns the fan-out logger itself, suitable to hand to workers.
func (m *MultiLogger) Logger() *log.Logger {
	return m.log
}

func NewMultiLogger() *MultiLogger {
	m := &MultiLogger{}
	m.log = log.New(m, "", 0)
	return m
}
