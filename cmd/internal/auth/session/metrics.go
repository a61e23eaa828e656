package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session subsystem's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	events       *prometheus.CounterVec
	chainRevoked prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Session operations by outcome kind.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "session",
			Name:      "operation_duration_seconds",
			Help:      "Latency of session operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "security_events_total",
			Help:      "Security events emitted by kind.",
		}, []string{"kind"}),
		chainRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "chain_revoked_credentials_total",
			Help:      "Renewal credentials revoked by lineage traversal.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.events, m.chainRevoked)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(KindOf(err))
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) event(kind EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) chain(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.chainRevoked.Add(float64(n))
}
