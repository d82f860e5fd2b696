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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/prefork-io/prefork"
)

const (
	defaultWatchTimeout = 30 * time.Second
	streamPollInterval  = 5 * time.Second
)

// Handler wraps a Supervisor, adding http.Handler functionality.  It is
// meant to be served on a separate control listener, never on the
// application socket.
type Handler struct {
	s    *prefork.Supervisor
	r    *mux.Router
	user string
	hash string // bcrypt hash of the control password
	up   websocket.Upgrader
}

// SetAuth enables HTTP basic auth.  hash is a bcrypt hash of the password;
// the cleartext is never held.
func (h *Handler) SetAuth(user string, hash string) {
	h.user = user
	h.hash = hash
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.user == "" {
		return true
	}
	u, p, okk := r.BasicAuth()
	if !okk || u != h.user {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(h.hash), []byte(p)) == nil
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

// getStatus reports supervisor state.  With ?watch=<serial> it long-polls
// until the serial moves past the given value or the timeout elapses, so
// clients can wait for change instead of hammering.
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if ws := q.Get("watch"); ws != "" {
		old, err := strconv.ParseInt(ws, 10, 64)
		if err != nil {
			(&Error{http.StatusBadRequest, "bad watch serial"}).write(w)
			return
		}
		expire := defaultWatchTimeout
		if ts := q.Get("timeout"); ts != "" {
			if secs, err := strconv.Atoi(ts); err == nil && secs > 0 {
				expire = time.Duration(secs) * time.Second
			}
		}
		h.s.WatchSerial(old, expire)
	}
	info := h.s.Info()
	etag := strconv.FormatInt(info.Serial, 10)
	w.Header().Set("Etag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.writeJson(w, info)
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, h.s.Workers())
}

func (h *Handler) getWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, wi := range h.s.Workers() {
		if wi.ID == id {
			h.writeJson(w, wi)
			return
		}
	}
	(&Error{http.StatusNotFound, "Worker not found"}).write(w)
}

func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	switch err := h.s.Reload(); {
	case err == nil:
		h.writeJson(w, ok)
	case errors.Is(err, prefork.ErrReloadBusy),
		errors.Is(err, prefork.ErrShuttingDown),
		errors.Is(err, prefork.ErrNotRunning):
		(&Error{http.StatusConflict, err.Error()}).write(w)
	default:
		(&Error{http.StatusInternalServerError, err.Error()}).write(w)
	}
}

// shutdown triggers a graceful stop and returns immediately; the caller
// can watch /status to see it complete.  ?grace=<seconds> overrides the
// configured grace period.
func (h *Handler) shutdown(w http.ResponseWriter, r *http.Request) {
	grace := h.s.Config().GracePeriod
	if gs := r.URL.Query().Get("grace"); gs != "" {
		secs, err := strconv.Atoi(gs)
		if err != nil || secs < 0 {
			(&Error{http.StatusBadRequest, "bad grace value"}).write(w)
			return
		}
		grace = time.Duration(secs) * time.Second
	}
	go h.s.Shutdown(grace)
	h.writeJson(w, ok)
}

func (h *Handler) shutdownNow(w http.ResponseWriter, r *http.Request) {
	go h.s.Shutdown(0)
	h.writeJson(w, ok)
}

// getLog returns retained log records.  The record id doubles as the Etag,
// so pollers pass If-None-Match and get 304 until something new arrives.
func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	var last int64
	if im := r.Header.Get("If-None-Match"); im != "" {
		last, _ = strconv.ParseInt(im, 10, 64)
	}
	recs, id := h.s.GetLog(last)
	w.Header().Set("Etag", strconv.FormatInt(id, 10))
	if recs == nil && last != 0 {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.writeJson(w, recs)
}

// streamLog tails the log over a websocket, one JSON record per message.
func (h *Handler) streamLog(w http.ResponseWriter, r *http.Request) {
	conn, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		// Consume client frames only to learn when it hangs up.
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var last int64
	if ss := r.URL.Query().Get("since"); ss != "" {
		last, _ = strconv.ParseInt(ss, 10, 64)
	}
	for {
		recs, id := h.s.GetLog(last)
		for _, rec := range recs {
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
		last = id
		select {
		case <-gone:
			return
		default:
		}
		h.s.WatchLog(last, streamPollInterval)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !h.authorized(req) {
		w.Header().Set("WWW-Authenticate", `Basic realm="prefork"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.r.ServeHTTP(w, req)
}

func NewHandler(s *prefork.Supervisor) *Handler {
	r := mux.NewRouter()
	h := &Handler{s: s, r: r}
	r.HandleFunc("/status", h.getStatus).Methods("GET")
	r.HandleFunc("/workers", h.listWorkers).Methods("GET")
	r.HandleFunc("/workers/{id}", h.getWorker).Methods("GET")
	r.HandleFunc("/reload", h.reload).Methods("POST")
	r.HandleFunc("/shutdown", h.shutdown).Methods("POST")
	r.HandleFunc("/shutdown/now", h.shutdownNow).Methods("POST")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.HandleFunc("/log/stream", h.streamLog).Methods("GET")
	r.Handle("/metrics", s.Metrics().Handler()).Methods("GET")
	return h
}
