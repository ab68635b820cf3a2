// Package metrics holds the Prometheus collectors shared by the chat
// components. Every method is safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edumentor"

// Stream outcomes.
const (
	OutcomeDone       = "done"
	OutcomeFailed     = "failed"
	OutcomeSuperseded = "superseded"
)

type Metrics struct {
	registry *prometheus.Registry

	streamsStarted  *prometheus.CounterVec
	streamOutcomes  *prometheus.CounterVec
	streamRetries   prometheus.Counter
	fragments       prometheus.Counter
	streamDuration  prometheus.Histogram
	saves           prometheus.Counter
	persistFailures *prometheus.CounterVec
	documents       *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New creates the collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		streamsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "streams_started_total",
			Help: "Generation streams opened, by provider.",
		}, []string{"provider"}),
		streamOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "streams_finished_total",
			Help: "Generation streams settled, by outcome.",
		}, []string{"outcome"}),
		streamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_open_retries_total",
			Help: "Stream open attempts retried after a transient error.",
		}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fragments_total",
			Help: "Text fragments applied to model messages.",
		}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stream_duration_seconds",
			Help:    "Time from stream open to settlement.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		saves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_saves_total",
			Help: "Successful session upserts.",
		}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "persistence_failures_total",
			Help: "Failed session store operations, by operation.",
		}, []string{"op"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "documents_total",
			Help: "Uploaded documents, by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP API requests, by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.streamsStarted, m.streamOutcomes, m.streamRetries, m.fragments,
		m.streamDuration, m.saves, m.persistFailures, m.documents, m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StreamStarted(provider string) {
	if m == nil {
		return
	}
	m.streamsStarted.WithLabelValues(provider).Inc()
}

func (m *Metrics) StreamFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.streamOutcomes.WithLabelValues(outcome).Inc()
	m.streamDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) StreamRetried() {
	if m == nil {
		return
	}
	m.streamRetries.Inc()
}

func (m *Metrics) Fragment() {
	if m == nil {
		return
	}
	m.fragments.Inc()
}

func (m *Metrics) Saved() {
	if m == nil {
		return
	}
	m.saves.Inc()
}

func (m *Metrics) PersistFailed(op string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) Document(ok bool) {
	if m == nil {
		return
	}
	result := "parsed"
	if !ok {
		result = "failed"
	}
	m.documents.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, httpCode(code)).Inc()
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
