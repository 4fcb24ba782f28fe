// Package metrics holds the Prometheus collectors shared by the realtime
// sessions. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all session and transport collectors.
type Metrics struct {
	// Transport
	Connects       *prometheus.CounterVec
	Disconnects    *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec
	ConnectsFailed *prometheus.CounterVec

	// Sessions
	SessionsActive *prometheus.GaugeVec
	Outcomes       *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	Messages       *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry so
// repeated construction in tests never collides.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Connects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_live_transport_connects_total",
			Help: "Connections that reached the open state",
		}, []string{"feed"}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_live_transport_disconnects_total",
			Help: "Unexpected connection closes",
		}, []string{"feed"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_live_transport_reconnects_total",
			Help: "Reconnect attempts scheduled after an unexpected close",
		}, []string{"feed"}),
		ConnectsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_live_transport_connect_failures_total",
			Help: "Dial attempts that failed or timed out",
		}, []string{"feed", "reason"}),
		SessionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prep_live_sessions_active",
			Help: "Sessions currently holding a live operation",
		}, []string{"kind"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_live_session_outcomes_total",
			Help: "Terminal outcomes per session kind",
		}, []string{"kind", "outcome"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_live_frames_dropped_total",
			Help: "Malformed or unrecognised frames that were skipped",
		}, []string{"kind"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_live_messages_total",
			Help: "Inbound messages accepted per session kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) Connected(feed string) {
	if m == nil {
		return
	}
	m.Connects.WithLabelValues(feed).Inc()
}

func (m *Metrics) Disconnected(feed string) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(feed).Inc()
}

func (m *Metrics) Reconnecting(feed string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(feed).Inc()
}

func (m *Metrics) ConnectFailed(feed, reason string) {
	if m == nil {
		return
	}
	m.ConnectsFailed.WithLabelValues(feed, reason).Inc()
}

func (m *Metrics) SessionStarted(kind string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(kind).Inc()
}

// SessionEnded records a terminal outcome and releases the active gauge.
func (m *Metrics) SessionEnded(kind, outcome string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(kind).Dec()
	m.Outcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) FrameDropped(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDropped.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) MessageAccepted(kind string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(kind).Inc()
}
