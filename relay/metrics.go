package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Attempt outcomes, the values of the "outcome" label.
const (
	OutcomeConnected = "connected"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
)

// Metrics counts relay activity. A nil *Metrics records nothing.
type Metrics struct {
	Attempts       *prometheus.CounterVec
	Disconnects    prometheus.Counter
	RelayedChunks  prometheus.Counter
	RelayedBytes   prometheus.Counter
	BufferedChunks prometheus.Counter
}

// NewMetrics builds the relay counters and registers them with reg, if reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carnifex",
			Subsystem: "relay",
			Name:      "attempts_total",
			Help:      "Connection attempts by outcome.",
		}, []string{"outcome"}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carnifex",
			Subsystem: "relay",
			Name:      "disconnects_total",
			Help:      "Connected relays that were disconnected.",
		}),
		RelayedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carnifex",
			Subsystem: "relay",
			Name:      "relayed_chunks_total",
			Help:      "Chunks delivered to protocols.",
		}),
		RelayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carnifex",
			Subsystem: "relay",
			Name:      "relayed_bytes_total",
			Help:      "Bytes delivered to protocols.",
		}),
		BufferedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carnifex",
			Subsystem: "relay",
			Name:      "buffered_chunks_total",
			Help:      "Chunks buffered because no protocol was attached yet.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Disconnects, m.RelayedChunks, m.RelayedBytes, m.BufferedChunks)
	}
	return m
}

func (m *Metrics) attempt(outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) disconnected() {
	if m == nil {
		return
	}
	m.Disconnects.Inc()
}

func (m *Metrics) relayed(n int) {
	if m == nil {
		return
	}
	m.RelayedChunks.Inc()
	m.RelayedBytes.Add(float64(n))
}

func (m *Metrics) buffered() {
	if m == nil {
		return
	}
	m.BufferedChunks.Inc()
}
