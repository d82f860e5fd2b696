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
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus instrumentation for one Supervisor.  Each
// Supervisor owns its own registry, so two instances in one process do not
// collide.
type Metrics struct {
	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	duration prometheus.Histogram
	inflight prometheus.Gauge
	workers  *prometheus.GaugeVec
	restarts prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prefork",
		Name:      "requests_total",
		Help:      "Requests served, by status code.",
	}, []string{"code"})
	m.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "prefork",
		Name:      "request_duration_seconds",
		Help:      "Request handling latency.",
		Buckets:   prometheus.DefBuckets,
	})
	m.inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "prefork",
		Name:      "inflight_requests",
		Help:      "Requests currently being handled.",
	})
	m.workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "prefork",
		Name:      "workers",
		Help:      "Workers by state.",
	}, []string{"state"})
	m.restarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "prefork",
		Name:      "worker_restarts_total",
		Help:      "Workers replaced after crashing or hanging.",
	})
	m.reg.MustRegister(m.requests, m.duration, m.inflight,
		m.workers, m.restarts)
	return m
}

func (m *Metrics) observe(code int, d time.Duration) {
	m.requests.WithLabelValues(strconv.Itoa(code)).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) setWorkers(counts map[Status]int) {
	for st, name := range statusNames {
		m.workers.WithLabelValues(name).Set(float64(counts[st]))
	}
}

// Handler returns the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
