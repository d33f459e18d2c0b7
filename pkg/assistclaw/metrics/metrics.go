// Package metrics exposes Prometheus collectors for the message pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
)

const namespace = "assistclaw"

// Metrics owns a registry and the pipeline collectors. It implements
// classifier.Observer and dialogue.Observer.
type Metrics struct {
	registry *prometheus.Registry

	TierDuration *prometheus.HistogramVec
	Turns        *prometheus.CounterVec
	Inbound      *prometheus.CounterVec
	Outbound     *prometheus.CounterVec
	Jobs         *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, with the Go runtime and
// process collectors included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TierDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classifier_tier_duration_seconds",
			Help:      "Latency of classification tier attempts by tier and outcome",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8},
		}, []string{"tier", "outcome"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogue_turns_total",
			Help:      "Handled messages by intent and outcome",
		}, []string{"intent", "outcome"}),
		Inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by channel and result",
		}, []string{"channel", "result"}),
		Outbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound replies by channel and result",
		}, []string{"channel", "result"}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_job_runs_total",
			Help:      "Background job runs by job and result",
		}, []string{"job", "result"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTier implements classifier.Observer.
func (m *Metrics) ObserveTier(source classifier.Source, outcome string, elapsed time.Duration) {
	m.TierDuration.WithLabelValues(string(source), outcome).Observe(elapsed.Seconds())
}

// ObserveTurn implements dialogue.Observer.
func (m *Metrics) ObserveTurn(intent classifier.Intent, outcome string) {
	if intent == "" {
		intent = classifier.IntentUnknown
	}
	m.Turns.WithLabelValues(string(intent), outcome).Inc()
}

// ObserveInbound counts an inbound message; result is accepted, duplicate
// or rejected.
func (m *Metrics) ObserveInbound(channel, result string) {
	m.Inbound.WithLabelValues(channel, result).Inc()
}

// ObserveOutbound counts a reply send.
func (m *Metrics) ObserveOutbound(channel string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Outbound.WithLabelValues(channel, result).Inc()
}

// ObserveJob counts a background job run.
func (m *Metrics) ObserveJob(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Jobs.WithLabelValues(job, result).Inc()
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}
