// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/websoft9/ssh-gateway/internal/session"
)

// Metrics is an session.Observer backed by a Prometheus registry.
type Metrics struct {
	sessionsCreated   prometheus.Counter
	sessionsAttached  prometheus.Counter
	sessionsRecycled  prometheus.Counter
	sessionsClosed    *prometheus.CounterVec
	bytesTransferred  *prometheus.CounterVec
	sessionsPending   prometheus.Gauge
	sessionsAttachedG prometheus.Gauge
}

// New registers the gateway's metrics on reg and returns a Metrics handle.
// Pass prometheus.NewRegistry() for an isolated registry (tests), or
// prometheus.DefaultRegisterer to serve on the process-wide /metrics
// endpoint.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Sessions created by a successful POST / handshake.",
		}),
		sessionsAttached: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_attached_total",
			Help: "Sessions that transitioned from Pending to Attached.",
		}),
		sessionsRecycled: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_recycled_total",
			Help: "Pending sessions closed by the attach-window recycle timer.",
		}),
		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessions_closed_total",
			Help: "Sessions closed, by reason.",
		}, []string{"reason"}),
		bytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_bytes_total",
			Help: "Bytes relayed between SSH channel and WebSocket, by direction.",
		}, []string{"direction"}),
		sessionsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_pending",
			Help: "Sessions currently in the pending-session registry.",
		}),
		sessionsAttachedG: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_attached",
			Help: "Sessions currently attached to a WebSocket.",
		}),
	}
}

// BytesTransferred implements session.Observer.
func (m *Metrics) BytesTransferred(direction string, n int) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// SessionClosed implements session.Observer.
func (m *Metrics) SessionClosed(reason session.CloseReason) {
	m.sessionsClosed.WithLabelValues(string(reason)).Inc()
}

// SessionCreated records a successful POST / handshake and marks the
// Session Pending.
func (m *Metrics) SessionCreated() {
	m.sessionsCreated.Inc()
	m.sessionsPending.Inc()
}

// SessionAttached records a Pending -> Attached transition.
func (m *Metrics) SessionAttached() {
	m.sessionsAttached.Inc()
	m.sessionsPending.Dec()
	m.sessionsAttachedG.Inc()
}

// SessionLeftPending records a Pending session leaving the registry by a
// path other than attach (recycle, or a close raced with pop).
func (m *Metrics) SessionLeftPending() {
	m.sessionsPending.Dec()
}

// SessionRecycled records the attach-window timer closing an orphan.
func (m *Metrics) SessionRecycled() {
	m.sessionsRecycled.Inc()
}

// SessionDetached records an Attached session being fully torn down.
func (m *Metrics) SessionDetached() {
	m.sessionsAttachedG.Dec()
}
