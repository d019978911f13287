// Package metrics exposes dispatch progress as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// States reported by the dispatch_state gauge
var States = []string{"idle", "starting", "running", "paused", "completed", "interrupted", "failed"}

// Metrics holds the dispatch metrics. All methods are safe on a nil
// receiver so callers do not need to check whether metrics are enabled.
type Metrics struct {
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec
	SubmitDuration      prometheus.Histogram
	ProbesTotal         *prometheus.CounterVec
	PausesTotal         *prometheus.CounterVec
	QuotaDeniedTotal    *prometheus.CounterVec

	State    *prometheus.GaugeVec
	Position prometheus.Gauge
	Total    prometheus.Gauge

	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotasend_messages_sent_total",
				Help: "Total number of messages accepted by the transport",
			},
			[]string{"sender_domain"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotasend_messages_failed_total",
				Help: "Total number of messages the transport refused",
			},
			[]string{"sender_domain", "error_type"},
		),
		SubmitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rotasend_submit_duration_seconds",
				Help:    "Time spent in a single transport submission",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotasend_probes_total",
				Help: "Total number of probes sent, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		PausesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotasend_pauses_total",
				Help: "Total number of pauses entered, by reason",
			},
			[]string{"reason"},
		),
		QuotaDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotasend_quota_denied_total",
				Help: "Total number of submissions held back by a quota",
			},
			[]string{"level"},
		),
		State: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rotasend_dispatch_state",
				Help: "Current dispatch state (1 for the active state)",
			},
			[]string{"state"},
		),
		Position: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rotasend_dispatch_position",
				Help: "Cursor position of the running dispatch",
			},
		),
		Total: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rotasend_dispatch_total",
				Help: "Number of recipients in the running dispatch's list",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotasend_api_requests_total",
				Help: "Total number of status API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotasend_api_request_duration_seconds",
				Help:    "Status API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.SubmitDuration,
		m.ProbesTotal,
		m.PausesTotal,
		m.QuotaDeniedTotal,
		m.State,
		m.Position,
		m.Total,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetState("idle")

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MessageSent records an accepted submission
func (m *Metrics) MessageSent(senderDomain string, took time.Duration) {
	if m == nil {
		return
	}
	m.MessagesSentTotal.WithLabelValues(senderDomain).Inc()
	m.SubmitDuration.Observe(took.Seconds())
}

// MessageFailed records a refused submission
func (m *Metrics) MessageFailed(senderDomain string, temporary bool, took time.Duration) {
	if m == nil {
		return
	}
	errorType := "permanent"
	if temporary {
		errorType = "temporary"
	}
	m.MessagesFailedTotal.WithLabelValues(senderDomain, errorType).Inc()
	m.SubmitDuration.Observe(took.Seconds())
}

// ProbeSent records a probe; outcome is ok when every audience address
// accepted it
func (m *Metrics) ProbeSent(kind string, failed int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed > 0 {
		outcome = "failed"
	}
	m.ProbesTotal.WithLabelValues(kind, outcome).Inc()
}

// Paused records entering a pause
func (m *Metrics) Paused(reason string) {
	if m == nil {
		return
	}
	m.PausesTotal.WithLabelValues(reason).Inc()
}

// QuotaDenied records a quota refusal
func (m *Metrics) QuotaDenied(level string) {
	if m == nil {
		return
	}
	m.QuotaDeniedTotal.WithLabelValues(level).Inc()
}

// SetState marks state as the active dispatch state
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// SetProgress updates the cursor position and list size
func (m *Metrics) SetProgress(position, total int) {
	if m == nil {
		return
	}
	m.Position.Set(float64(position))
	m.Total.Set(float64(total))
}
