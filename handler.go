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
	"context"
	"io"
	"net/http"
)

// Request is the value handed to the application for a single HTTP request.
// It is scoped to that request; implementations must not retain it after
// Handle returns.  Body is the request body with Content-Length and chunked
// framing already decoded.
type Request struct {
	// ID is a unique identifier assigned by the worker, echoed in the
	// X-Request-Id response header and the access log.
	ID string

	Method string
	Path   string
	Proto  string
	Header http.Header
	Body   io.Reader
	RemoteAddr string

	ctx context.Context
}

// Context returns a context carrying the per-request deadline.  Handlers
// performing blocking work should honor it.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Response is what the application returns from Handle.  A zero Status is
// treated as 200.  The worker supplies Content-Length, Date and connection
// framing; handlers only provide what is listed here.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// SetHeader sets a response header, allocating the header map on first use.
func (r *Response) SetHeader(key, value string) {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(key, value)
}

// Text builds a plain-text response.
func Text(status int, body string) *Response {
	r := &Response{Status: status, Body: []byte(body)}
	r.SetHeader("Content-Type", "text/plain; charset=utf-8")
	return r
}

// Handler is the sole integration point between the serving core and the
// hosted application.  An error return produces a 500 for that request and
// nothing else; the worker keeps serving.  Handle may be called from many
// workers at once and must be safe for concurrent use.
type Handler interface {
	Handle(*Request) (*Response, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(*Request) (*Response, error)

func (f HandlerFunc) Handle(r *Request) (*Response, error) {
	return f(r)
}
