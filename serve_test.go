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
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// startTestServer runs a single worker server on an ephemeral port and
// returns its address and a stop function.
func startTestServer(t *testing.T, h Handler, cfg Config) (string, *server, func()) {
	ln, err := Bind("127.0.0.1:0", 0)
	So(err, ShouldBeNil)
	logger := log.New(&testLog{t}, "", 0)
	srv := newServer(cfg, "test-worker", 0, ln, h, logger, nil, nil)
	done := make(chan struct{})
	go func() {
		srv.run()
		close(done)
	}()
	stop := func() {
		srv.abort()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	}
	return ln.Addr().String(), srv, stop
}

func roundTrip(conn net.Conn, br *bufio.Reader, raw string) (*http.Response, error) {
	if _, err := conn.Write([]byte(raw)); err != nil {
		return nil, err
	}
	res, err := http.ReadResponse(br, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(strings.NewReader(string(body)))
	return res, nil
}

func echoHandler() Handler {
	return HandlerFunc(func(r *Request) (*Response, error) {
		switch r.Path {
		case "/panic":
			panic("injected panic")
		case "/fail":
			return nil, fmt.Errorf("injected failure")
		case "/nil":
			return nil, nil
		case "/echo":
			b, _ := io.ReadAll(r.Body)
			return &Response{Status: 200, Body: b}, nil
		case "/slow":
			time.Sleep(time.Second)
			return Text(200, "late\n"), nil
		default:
			return Text(200, "hello\n"), nil
		}
	})
}

func TestServeConn(t *testing.T) {
	Convey("Given a serving worker", t, func() {
		addr, _, stop := startTestServer(t, echoHandler(), DefaultConfig())
		defer stop()
		conn, err := net.Dial("tcp", addr)
		So(err, ShouldBeNil)
		defer conn.Close()
		br := bufio.NewReader(conn)

		Convey("A simple GET is served", func() {
			res, err := roundTrip(conn, br,
				"GET / HTTP/1.1\r\nHost: x\r\n\r\n")
			So(err, ShouldBeNil)
			So(res.StatusCode, ShouldEqual, 200)
			body, _ := io.ReadAll(res.Body)
			So(string(body), ShouldEqual, "hello\n")
			So(res.Header.Get("X-Request-Id"), ShouldNotBeBlank)
			So(res.Header.Get("Server"), ShouldEqual, "prefork")
			So(res.ContentLength, ShouldEqual, 6)
		})

		Convey("Keep-alive serves ordered requests on one connection", func() {
			res1, err := roundTrip(conn, br,
				"POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\n\r\nabc")
			So(err, ShouldBeNil)
			body1, _ := io.ReadAll(res1.Body)
			So(string(body1), ShouldEqual, "abc")
			So(res1.Header.Get("Connection"), ShouldEqual, "keep-alive")

			res2, err := roundTrip(conn, br,
				"GET / HTTP/1.1\r\nHost: x\r\n\r\n")
			So(err, ShouldBeNil)
			So(res2.StatusCode, ShouldEqual, 200)
			So(res2.Header.Get("X-Request-Id"), ShouldNotEqual,
				res1.Header.Get("X-Request-Id"))
		})

		Convey("Connection: close is honored", func() {
			res, err := roundTrip(conn, br,
				"GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
			So(err, ShouldBeNil)
			So(res.Header.Get("Connection"), ShouldEqual, "close")
			_, err = br.ReadByte()
			So(err, ShouldEqual, io.EOF)
		})

		Convey("A malformed request gets 400 and the connection closes", func() {
			res, err := roundTrip(conn, br, "NOT A REQUEST\r\n\r\n")
			So(err, ShouldBeNil)
			So(res.StatusCode, ShouldEqual, 400)
			_, err = br.ReadByte()
			So(err, ShouldEqual, io.EOF)
		})

		Convey("A panicking handler yields 500 and the worker survives", func() {
			res, err := roundTrip(conn, br,
				"GET /panic HTTP/1.1\r\nHost: x\r\n\r\n")
			So(err, ShouldBeNil)
			So(res.StatusCode, ShouldEqual, 500)

			res, err = roundTrip(conn, br,
				"GET / HTTP/1.1\r\nHost: x\r\n\r\n")
			So(err, ShouldBeNil)
			So(res.StatusCode, ShouldEqual, 200)
		})

		Convey("A handler error yields 500", func() {
			res, err := roundTrip(conn, br,
				"GET /fail HTTP/1.1\r\nHost: x\r\n\r\n")
			So(err, ShouldBeNil)
			So(res.StatusCode, ShouldEqual, 500)
		})

		Convey("A nil response yields 500", func() {
			res, err := roundTrip(conn, br,
				"GET /nil HTTP/1.1\r\nHost: x\r\n\r\n")
			So(err, ShouldBeNil)
			So(res.StatusCode, ShouldEqual, 500)
		})

		Convey("HEAD answers headers only", func() {
			_, err := conn.Write([]byte("HEAD / HTTP/1.1\r\nHost: x\r\n\r\n"))
			So(err, ShouldBeNil)
			res, err := http.ReadResponse(br, &http.Request{Method: "HEAD"})
			So(err, ShouldBeNil)
			defer res.Body.Close()
			So(res.StatusCode, ShouldEqual, 200)
			So(res.ContentLength, ShouldEqual, 6)
			body, _ := io.ReadAll(res.Body)
			So(body, ShouldBeEmpty)
		})
	})
}

func TestServeDrain(t *testing.T) {
	Convey("Given a serving worker", t, func() {
		cfg := DefaultConfig()
		addr, srv, _ := startTestServer(t, echoHandler(), cfg)

		Convey("Drain cuts keep-alive and stops the accept loop", func() {
			conn, err := net.Dial("tcp", addr)
			So(err, ShouldBeNil)
			defer conn.Close()
			br := bufio.NewReader(conn)
			res, err := roundTrip(conn, br,
				"GET / HTTP/1.1\r\nHost: x\r\n\r\n")
			So(err, ShouldBeNil)
			So(res.StatusCode, ShouldEqual, 200)

			srv.drain()
			res, err = roundTrip(conn, br,
				"GET / HTTP/1.1\r\nHost: x\r\n\r\n")
			So(err, ShouldBeNil)
			So(res.Header.Get("Connection"), ShouldEqual, "close")

			_, err = net.DialTimeout("tcp", addr, 250*time.Millisecond)
			So(err, ShouldNotBeNil)
		})

		Convey("An in-flight request past the grace period is cut off", func() {
			conn, err := net.Dial("tcp", addr)
			So(err, ShouldBeNil)
			defer conn.Close()
			br := bufio.NewReader(conn)
			_, err = conn.Write([]byte("GET /slow HTTP/1.1\r\nHost: x\r\n\r\n"))
			So(err, ShouldBeNil)

			// Drain, then abort once the grace runs out, the way the
			// supervisor enforces it.
			time.Sleep(100 * time.Millisecond)
			srv.drain()
			time.Sleep(100 * time.Millisecond)
			srv.abort()

			start := time.Now()
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, err = br.ReadByte()
			So(err, ShouldNotBeNil)
			// The connection was severed while the handler still had most
			// of a second to run; no response was delivered.
			So(time.Since(start), ShouldBeLessThan, 500*time.Millisecond)
		})
	})
}

func TestParallelWorkers(t *testing.T) {
	Convey("Given as many workers as concurrent slow requests", t, func() {
		cfg := testConfig()
		s, err := New(cfg, HandlerFunc(func(r *Request) (*Response, error) {
			time.Sleep(600 * time.Millisecond)
			return Text(200, "done\n"), nil
		}))
		So(err, ShouldBeNil)
		s.SetLogWriter(&testLog{t})
		So(s.Start(), ShouldBeNil)
		defer s.Shutdown(0)
		So(waitFor(func() bool {
			return s.Info().Ready == cfg.Workers
		}, 3*time.Second), ShouldBeTrue)
		addr := s.Info().Addr

		Convey("The requests are served in parallel, one per worker", func() {
			start := time.Now()
			errs := make(chan error, cfg.Workers)
			for i := 0; i < cfg.Workers; i++ {
				go func() {
					conn, err := net.Dial("tcp", addr)
					if err != nil {
						errs <- err
						return
					}
					defer conn.Close()
					br := bufio.NewReader(conn)
					res, err := roundTrip(conn, br,
						"GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
					if err != nil {
						errs <- err
						return
					}
					if res.StatusCode != 200 {
						errs <- fmt.Errorf("status %d", res.StatusCode)
						return
					}
					errs <- nil
				}()
			}
			for i := 0; i < cfg.Workers; i++ {
				So(<-errs, ShouldBeNil)
			}
			// Any two of the three requests stacking up on one worker
			// would already need 1.2s.
			So(time.Since(start), ShouldBeLessThan, 1100*time.Millisecond)
		})
	})
}

func TestWriteResponse(t *testing.T) {
	Convey("Response serialization", t, func() {
		Convey("Reserved headers cannot be overridden", func() {
			resp := Text(200, "x")
			resp.SetHeader("Server", "spoofed")
			resp.SetHeader("Content-Length", "9999")
			var sb strings.Builder
			So(writeResponse(&sb, "GET", "id-1", resp, false), ShouldBeNil)
			s := sb.String()
			So(s, ShouldContainSubstring, "Server: prefork\r\n")
			So(s, ShouldContainSubstring, "Content-Length: 1\r\n")
			So(s, ShouldNotContainSubstring, "spoofed")
		})

		Convey("204 omits the body and its framing", func() {
			resp := &Response{Status: 204}
			var sb strings.Builder
			So(writeResponse(&sb, "GET", "", resp, true), ShouldBeNil)
			s := sb.String()
			So(s, ShouldNotContainSubstring, "Content-Length")
			So(s, ShouldContainSubstring, "Connection: keep-alive\r\n")
		})
	})
}
