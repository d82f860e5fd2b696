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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const serverToken = "prefork"

// server is the request-path engine of a single worker.  It accepts from
// its own duplicate of the shared socket, parses HTTP/1.1 requests, applies
// per-request deadlines, and dispatches to the application handler.  It
// serves one connection at a time; concurrency comes from running many
// workers, each with an independent server.
type server struct {
	cfg     Config
	id      string
	slot    int
	ln      *Listener
	handler Handler
	logger  *log.Logger
	metrics *Metrics     // may be nil (process-mode children)
	report  func(Status) // status event sink, doubles as heartbeat

	mx       sync.Mutex
	conn     net.Conn
	draining bool
}

func newServer(cfg Config, id string, slot int, ln *Listener, h Handler,
	logger *log.Logger, m *Metrics, report func(Status)) *server {

	if report == nil {
		report = func(Status) {}
	}
	return &server{
		cfg:     cfg,
		id:      id,
		slot:    slot,
		ln:      ln,
		handler: h,
		logger:  logger,
		metrics: m,
		report:  report,
	}
}

// run serves until the listener is closed (drain) or accepting fails in a
// way that is not a cancellation.  It returns nil on a clean drain.  A
// failed request never terminates the loop; only socket loss does.
func (s *server) run() error {
	s.report(Ready)
	for {
		// A short accept deadline doubles as the idle heartbeat tick,
		// so a worker stuck in a handler stops beating and is caught
		// by the supervisor.
		s.ln.SetDeadline(time.Now().Add(s.cfg.HeartbeatInterval))
		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.report(Ready)
				continue
			}
			if errors.Is(err, ErrListenerClosed) {
				return nil
			}
			return err
		}
		s.setConn(conn)
		s.report(Busy)
		s.serveConn(conn)
		s.setConn(nil)
		if s.isDraining() {
			return nil
		}
		s.report(Ready)
	}
}

// drain stops the server accepting new connections.  The in-flight
// connection, if any, is allowed to finish; its keep-alive is cut after the
// current request.
func (s *server) drain() {
	s.mx.Lock()
	s.draining = true
	s.mx.Unlock()
	s.report(Draining)
	s.ln.Close()
}

// abort is drain plus forcibly closing the in-flight connection.  Used when
// the grace period has expired.
func (s *server) abort() {
	s.drain()
	s.mx.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mx.Unlock()
}

func (s *server) isDraining() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.draining
}

func (s *server) setConn(c net.Conn) {
	s.mx.Lock()
	s.conn = c
	s.mx.Unlock()
}

// serveConn handles one connection: a bounded keep-alive sequence of
// requests, strictly ordered.  A parse failure answers 400 and closes; a
// handler failure answers 500 and the connection (and worker) live on.
func (s *server) serveConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	remote := conn.RemoteAddr().String()

	for n := 0; n < s.cfg.KeepAliveRequests; n++ {
		conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
		req, err := http.ReadRequest(br)
		if err != nil {
			if !silentReadError(err) {
				s.writeParseError(conn)
			}
			return
		}

		id := uuid.NewString()
		deadline := time.Now().Add(s.cfg.RequestTimeout)
		conn.SetDeadline(deadline)
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		start := time.Now()
		if s.metrics != nil {
			s.metrics.inflight.Inc()
		}
		resp := s.dispatch(ctx, id, remote, req)
		cancel()
		dur := time.Since(start)
		if s.metrics != nil {
			s.metrics.inflight.Dec()
			s.metrics.observe(resp.Status, dur)
		}

		keep := n+1 < s.cfg.KeepAliveRequests &&
			req.ProtoAtLeast(1, 1) && !req.Close && !s.isDraining()

		werr := writeResponse(conn, req.Method, id, resp, keep)
		s.logger.Printf("%s %s \"%s %s %s\" %d %d %s",
			remote, id, req.Method, req.URL.RequestURI(), req.Proto,
			resp.Status, len(resp.Body), dur.Round(time.Millisecond))
		if werr != nil || !keep {
			return
		}

		// Discard whatever of the body the handler left unread, or the
		// next request would be parsed out of it.
		io.Copy(io.Discard, req.Body)
		req.Body.Close()
	}
}

// dispatch invokes the application handler with panic and error
// containment.  Whatever goes wrong inside the handler, the caller gets a
// response back.
func (s *server) dispatch(ctx context.Context, id, remote string, hr *http.Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("panic in handler for %s %s: %v",
				hr.Method, hr.URL.RequestURI(), r)
			resp = errorResponse(http.StatusInternalServerError)
		}
	}()

	req := &Request{
		ID:         id,
		Method:     hr.Method,
		Path:       hr.URL.RequestURI(),
		Proto:      hr.Proto,
		Header:     hr.Header,
		Body:       hr.Body,
		RemoteAddr: remote,
		ctx:        ctx,
	}
	r, err := s.handler.Handle(req)
	if err != nil {
		s.logger.Printf("handler error for %s %s: %v",
			hr.Method, hr.URL.RequestURI(), err)
		return errorResponse(http.StatusInternalServerError)
	}
	if r == nil {
		s.logger.Printf("handler returned no response for %s %s",
			hr.Method, hr.URL.RequestURI())
		return errorResponse(http.StatusInternalServerError)
	}
	if r.Status == 0 {
		r.Status = http.StatusOK
	}
	return r
}

func (s *server) writeParseError(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	writeResponse(conn, "", "", errorResponse(http.StatusBadRequest), false)
	if s.metrics != nil {
		s.metrics.observe(http.StatusBadRequest, 0)
	}
}

// silentReadError reports whether a request read failure is just the peer
// going away (or an idle keep-alive timing out), as opposed to a malformed
// request that deserves a 400.
func silentReadError(err error) bool {
	if err == io.EOF || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

func errorResponse(status int) *Response {
	return Text(status, http.StatusText(status)+"\n")
}

// writeResponse serializes resp onto the wire.  The core owns framing:
// Content-Length, Connection, Date, Server and X-Request-Id are always
// supplied here, and handler-set values for those are ignored.
func writeResponse(w io.Writer, method, id string, resp *Response, keep bool) error {
	text := http.StatusText(resp.Status)
	if text == "" {
		text = "Status"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", resp.Status, text)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(&buf, "Server: %s\r\n", serverToken)
	if id != "" {
		fmt.Fprintf(&buf, "X-Request-Id: %s\r\n", id)
	}
	for k, vv := range resp.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Connection", "Date", "Server",
			"Transfer-Encoding", "X-Request-Id":
			continue
		}
		for _, v := range vv {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}

	noBody := resp.Status == http.StatusNoContent ||
		resp.Status == http.StatusNotModified ||
		resp.Status/100 == 1
	if !noBody {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(resp.Body))
	}
	if keep {
		buf.WriteString("Connection: keep-alive\r\n")
	} else {
		buf.WriteString("Connection: close\r\n")
	}
	buf.WriteString("\r\n")

	if !noBody && method != http.MethodHead {
		buf.Write(resp.Body)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
