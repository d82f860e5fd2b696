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

package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prefork-io/prefork"
)

// Client is a client for the control API.
type Client struct {
	base   string
	user   string
	pass   string
	client *http.Client
}

func NewClient(client *http.Client, base string) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		base:   strings.TrimSuffix(base, "/"),
		client: client,
	}
}

// SetAuth supplies basic auth credentials for subsequent requests.
func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
}

func (c *Client) do(ctx context.Context, method, uri string,
	v interface{}) (http.Header, error) {

	req, err := http.NewRequestWithContext(ctx, method, c.base+uri, nil)
	if err != nil {
		return nil, err
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		e := &Error{}
		if json.Unmarshal(body, e) == nil && e.Message != "" {
			e.Code = res.StatusCode
			return nil, e
		}
		return nil, &Error{res.StatusCode,
			http.StatusText(res.StatusCode)}
	}
	if v != nil {
		if err := json.Unmarshal(body, v); err != nil {
			return nil, err
		}
	}
	return res.Header, nil
}

func (c *Client) get(ctx context.Context, uri string, v interface{}) error {
	_, err := c.do(ctx, "GET", uri, v)
	return err
}

func (c *Client) post(ctx context.Context, uri string) error {
	_, err := c.do(ctx, "POST", uri, nil)
	return err
}

// Info retrieves the supervisor status.
func (c *Client) Info(ctx context.Context) (*prefork.Info, error) {
	info := &prefork.Info{}
	if err := c.get(ctx, "/status", info); err != nil {
		return nil, err
	}
	return info, nil
}

// WatchInfo long-polls for status: it returns when the supervisor serial
// differs from old, or after the timeout with the current state.
func (c *Client) WatchInfo(ctx context.Context, old int64,
	timeout time.Duration) (*prefork.Info, error) {

	uri := fmt.Sprintf("/status?watch=%d&timeout=%d",
		old, int(timeout.Seconds()))
	info := &prefork.Info{}
	if err := c.get(ctx, uri, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Workers retrieves the worker table.
func (c *Client) Workers(ctx context.Context) ([]prefork.WorkerInfo, error) {
	var ws []prefork.WorkerInfo
	if err := c.get(ctx, "/workers", &ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// Worker retrieves a single worker by id.
func (c *Client) Worker(ctx context.Context, id string) (*prefork.WorkerInfo, error) {
	w := &prefork.WorkerInfo{}
	uri := "/workers/" + url.PathEscape(id)
	if err := c.get(ctx, uri, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Reload asks the supervisor for a rolling restart of all workers.
func (c *Client) Reload(ctx context.Context) error {
	return c.post(ctx, "/reload")
}

// Shutdown asks the supervisor to stop.  With now set workers are
// terminated immediately; otherwise they drain for up to grace (a negative
// grace keeps the server's configured value).
func (c *Client) Shutdown(ctx context.Context, grace time.Duration, now bool) error {
	if now {
		return c.post(ctx, "/shutdown/now")
	}
	uri := "/shutdown"
	if grace >= 0 {
		uri += fmt.Sprintf("?grace=%d", int(grace.Seconds()))
	}
	return c.post(ctx, uri)
}

// Log retrieves log records newer than since, along with the id to pass on
// the next call.
func (c *Client) Log(ctx context.Context, since int64) ([]prefork.LogRecord, int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.base+"/log", nil)
	if err != nil {
		return nil, since, err
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	if since != 0 {
		req.Header.Set("If-None-Match", strconv.FormatInt(since, 10))
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, since, err
	}
	defer res.Body.Close()
	next := since
	if et := res.Header.Get("Etag"); et != "" {
		if id, err := strconv.ParseInt(et, 10, 64); err == nil {
			next = id
		}
	}
	if res.StatusCode == http.StatusNotModified {
		return nil, next, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, since, &Error{res.StatusCode,
			http.StatusText(res.StatusCode)}
	}
	var recs []prefork.LogRecord
	if err := json.NewDecoder(res.Body).Decode(&recs); err != nil {
		return nil, since, err
	}
	return recs, next, nil
}

// FollowLog streams log records over a websocket, calling fn for each one
// until the context is canceled or the connection drops.
func (c *Client) FollowLog(ctx context.Context, since int64,
	fn func(prefork.LogRecord)) error {

	u, err := url.Parse(c.base + "/log/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if since != 0 {
		u.RawQuery = "since=" + strconv.FormatInt(since, 10)
	}

	hdr := http.Header{}
	if c.user != "" {
		hdr.Set("Authorization", "Basic "+basicAuth(c.user, c.pass))
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if res != nil {
			return &Error{res.StatusCode,
				http.StatusText(res.StatusCode)}
		}
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var rec prefork.LogRecord
		if err := conn.ReadJSON(&rec); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(rec)
	}
}

func basicAuth(user, pass string) string {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(user, pass)
	return strings.TrimPrefix(req.Header.Get("Authorization"), "Basic ")
}
