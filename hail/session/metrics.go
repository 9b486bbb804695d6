package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Handshake outcomes used as the "result" label.
const (
	ResultEstablished = "established"
	ResultFailed      = "failed"
	ResultTimeout     = "timeout"
	ResultMismatch    = "mode_mismatch"
)

// Metrics collects coordinator statistics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Handshakes  *prometheus.CounterVec   // handshakes finished, by role and result
	Latency     *prometheus.HistogramVec // time from first contact to Connected, by role
	Dropped     *prometheus.CounterVec   // messages dropped, by reason
	ActivePeers prometheus.Gauge         // peers currently registered
	Bytes       *prometheus.CounterVec   // plaintext bytes, by direction
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hail",
			Name:      "handshakes_total",
			Help:      "Secure channel handshakes by role and result.",
		}, []string{"role", "result"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hail",
			Name:      "handshake_seconds",
			Help:      "Time taken to establish a secure channel.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"role"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hail",
			Name:      "dropped_messages_total",
			Help:      "Incoming messages dropped without state change.",
		}, []string{"reason"}),
		ActivePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hail",
			Name:      "peers",
			Help:      "Peers currently tracked by the connection registry.",
		}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hail",
			Name:      "payload_bytes_total",
			Help:      "Application payload bytes carried over secure channels.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.Handshakes, m.Latency, m.Dropped, m.ActivePeers, m.Bytes)
	}
	return m
}

func (m *Metrics) handshake(role, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(role, result).Inc()
	if result == ResultEstablished {
		m.Latency.WithLabelValues(role).Observe(took.Seconds())
	}
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) peers(n int) {
	if m == nil {
		return
	}
	m.ActivePeers.Set(float64(n))
}

func (m *Metrics) bytes(direction string, n int) {
	if m == nil {
		return
	}
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}
