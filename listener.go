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
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"
)

// Listener owns a bound TCP socket.  The supervisor binds one master
// Listener and hands each worker a Dup of it: a duplicate descriptor on the
// same socket, so all workers share one kernel accept queue, and closing a
// worker's duplicate unblocks only that worker's Accept.  That close is a
// cancellation, reported as ErrListenerClosed rather than a failure.
type Listener struct {
	addr   string
	tcp    *net.TCPListener
	ln     net.Listener // tcp, possibly wrapped by a connection limiter
	closed bool
	mx     sync.Mutex
}

// Bind binds addr.  maxConns, when positive, caps connections concurrently
// accepted through this listener.  Failure is reported as a *BindError.
func Bind(addr string, maxConns int) (*Listener, error) {
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	return newListener(addr, nl.(*net.TCPListener), maxConns), nil
}

// FileListener rebuilds a Listener from an inherited descriptor.  This is
// the entry path for process-mode workers, which receive the master socket
// as an extra file.
func FileListener(f *os.File, maxConns int) (*Listener, error) {
	nl, err := net.FileListener(f)
	if err != nil {
		return nil, err
	}
	tcp, ok := nl.(*net.TCPListener)
	if !ok {
		nl.Close()
		return nil, errors.New("inherited descriptor is not a TCP socket")
	}
	return newListener(tcp.Addr().String(), tcp, maxConns), nil
}

func newListener(addr string, tcp *net.TCPListener, maxConns int) *Listener {
	l := &Listener{addr: addr, tcp: tcp, ln: tcp}
	if maxConns > 0 {
		// The limiter's semaphore wait does not honor the accept
		// deadline. Workers serve one connection at a time and close it
		// before the next Accept, so the semaphore is always free when a
		// worker accepts; the cap exists to bound descriptor use if that
		// serving discipline ever changes.
		l.ln = netutil.LimitListener(tcp, maxConns)
	}
	return l
}

// Accept returns the next connection.  It blocks until a client connects,
// the deadline set via SetDeadline expires, or the listener is closed.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		l.mx.Lock()
		closed := l.closed
		l.mx.Unlock()
		if closed || errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return c, nil
}

// SetDeadline bounds the next Accept.  Workers use short accept deadlines
// as their idle heartbeat tick.
func (l *Listener) SetDeadline(t time.Time) error {
	return l.tcp.SetDeadline(t)
}

// Dup returns an independent Listener on the same underlying socket.
func (l *Listener) Dup(maxConns int) (*Listener, error) {
	f, err := l.tcp.File()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FileListener(f, maxConns)
}

// File returns a duplicate descriptor of the socket, for passing to a child
// process.  The caller owns the returned file.
func (l *Listener) File() (*os.File, error) {
	return l.tcp.File()
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.tcp.Addr()
}

// Close releases the socket.  It is idempotent, and any Accept blocked on
// this listener returns ErrListenerClosed.
func (l *Listener) Close() error {
	l.mx.Lock()
	if l.closed {
		l.mx.Unlock()
		return nil
	}
	l.closed = true
	l.mx.Unlock()
	return l.tcp.Close()
}
