// Package metrics exposes the Prometheus collectors of the sync server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	sessions      prometheus.Gauge
	pads          prometheus.Gauge
	eventsSent    *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	slowConsumers prometheus.Counter
	sendFailures  prometheus.Counter
	streamSeconds *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "padsync_sessions_connected",
			Help: "Current number of connected sessions",
		}),
		pads: f.NewGauge(prometheus.GaugeOpts{
			Name: "padsync_pads_active",
			Help: "Current number of pads with at least one listener",
		}),
		eventsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "padsync_events_sent_total",
			Help: "Outbound events queued for sessions",
		}, []string{"event"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "padsync_mutations_total",
			Help: "Mutation requests by operation and result",
		}, []string{"op", "result"}),
		slowConsumers: f.NewCounter(prometheus.CounterOpts{
			Name: "padsync_slow_consumers_total",
			Help: "Sessions disconnected because their send queue overflowed",
		}),
		sendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "padsync_send_failures_total",
			Help: "Broadcasts that could not be queued for a closed session",
		}),
		streamSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "padsync_stream_duration_seconds",
			Help:    "Duration of initial and delta loads",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// SetPads records the number of active pads.
func (m *Metrics) SetPads(n int) {
	if m == nil {
		return
	}
	m.pads.Set(float64(n))
}

func (m *Metrics) EventSent(event string) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(event).Inc()
}

// Mutation counts one mutation request. result is "ok" or an error class.
func (m *Metrics) Mutation(op, result string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SlowConsumer() {
	if m == nil {
		return
	}
	m.slowConsumers.Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// ObserveStream records how long a load of the given kind took.
func (m *Metrics) ObserveStream(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.streamSeconds.WithLabelValues(kind).Observe(d.Seconds())
}
