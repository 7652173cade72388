package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type OutboxMetrics struct {
	recorded   *prometheus.CounterVec
	delivered  *prometheus.CounterVec
	failures   *prometheus.CounterVec
	lastCommit prometheus.Gauge
}

var (
	outboxOnce     sync.Once
	outboxRegistry *OutboxMetrics
)

func Outbox() *OutboxMetrics {
	outboxOnce.Do(func() {
		outboxRegistry = &OutboxMetrics{
			recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "liq_outbox_recorded_total",
				Help: "Outbound messages written to the outbox by kind.",
			}, []string{"kind"}),
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "liq_outbox_delivered_total",
				Help: "Outbound messages acknowledged by the relayer by kind.",
			}, []string{"kind"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "liq_outbox_failures_total",
				Help: "Failed outbox writes by operation.",
			}, []string{"operation"}),
			lastCommit: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "liq_outbox_last_sequence",
				Help: "Sequence number of the last commit recorded in the outbox.",
			}),
		}
		prometheus.MustRegister(
			outboxRegistry.recorded,
			outboxRegistry.delivered,
			outboxRegistry.failures,
			outboxRegistry.lastCommit,
		)
	})
	return outboxRegistry
}

func (m *OutboxMetrics) ObserveRecorded(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.recorded.WithLabelValues(kind).Inc()
}

func (m *OutboxMetrics) ObserveDelivered(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.delivered.WithLabelValues(kind).Inc()
}

func (m *OutboxMetrics) IncFailure(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.failures.WithLabelValues(operation).Inc()
}

func (m *OutboxMetrics) SetLastSequence(seq uint64) {
	if m == nil {
		return
	}
	m.lastCommit.Set(float64(seq))
}

// InitKind pre-registers label values so dashboards show zero series.
func (m *OutboxMetrics) InitKind(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.recorded.WithLabelValues(kind).Add(0)
	m.delivered.WithLabelValues(kind).Add(0)
}
