// Package metrics exposes the bridge's Prometheus collectors.
//
// All instrument methods are nil-safe: a nil *Metrics is a no-op recorder,
// so components can carry an optional metrics handle without nil checks at
// every call site.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the bridge collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	pollsTotal      *prometheus.CounterVec
	reviewsTotal    *prometheus.CounterVec
	repliesTotal    *prometheus.CounterVec
	playCallsTotal  *prometheus.CounterVec
	replyQueueDepth prometheus.Gauge
}

// New creates the collectors and registers them (plus the standard Go and
// process collectors) on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyoka_polls_total",
			Help: "Poll ticks per package by outcome (ok, error, skipped).",
		}, []string{"package", "outcome"}),
		reviewsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyoka_reviews_total",
			Help: "Reviews classified per package by kind (new, updated, unchanged).",
		}, []string{"package", "kind"}),
		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyoka_replies_total",
			Help: "Developer replies per package by outcome (sent, failed).",
		}, []string{"package", "outcome"}),
		playCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyoka_play_calls_total",
			Help: "Outgoing Play API calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		replyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyoka_reply_queue_depth",
			Help: "Pending developer replies waiting for the next drain.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pollsTotal,
		m.reviewsTotal,
		m.repliesTotal,
		m.playCallsTotal,
		m.replyQueueDepth,
	)
	return m
}

// Handler returns the HTTP handler serving the registry, for mounting at
// /metrics on the health server.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PollCompleted records a poll tick outcome for a package.
func (m *Metrics) PollCompleted(packageName, outcome string) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(packageName, outcome).Inc()
}

// ReviewSeen records a classified review.
func (m *Metrics) ReviewSeen(packageName, kind string) {
	if m == nil {
		return
	}
	m.reviewsTotal.WithLabelValues(packageName, kind).Inc()
}

// ReplyFinished records the terminal outcome of a queued reply.
func (m *Metrics) ReplyFinished(packageName, outcome string) {
	if m == nil {
		return
	}
	m.repliesTotal.WithLabelValues(packageName, outcome).Inc()
}

// PlayCall records one outgoing Play API call.
func (m *Metrics) PlayCall(op, outcome string) {
	if m == nil {
		return
	}
	m.playCallsTotal.WithLabelValues(op, outcome).Inc()
}

// SetReplyQueueDepth publishes the current queue depth.
func (m *Metrics) SetReplyQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.replyQueueDepth.Set(float64(depth))
}
