package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"liquidationqueue/core/events"
	"liquidationqueue/native/liquidation"
)

// LiquidationMetrics tracks liquidation queue activity derived from committed
// events.
type LiquidationMetrics struct {
	bids         *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	capitalSpent *prometheus.CounterVec
	collateral   *prometheus.CounterVec
	offsets      *prometheus.CounterVec
	claims       *prometheus.CounterVec
	paused       prometheus.Gauge
}

var (
	liquidationMetricsOnce sync.Once
	liquidationRegistry    *LiquidationMetrics
)

// Liquidation returns the process wide liquidation metrics registry.
func Liquidation() *LiquidationMetrics {
	liquidationMetricsOnce.Do(func() {
		liquidationRegistry = &LiquidationMetrics{
			bids: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liq",
				Subsystem: "queue",
				Name:      "bid_events_total",
				Help:      "Bid lifecycle events segmented by asset and action.",
			}, []string{"asset", "action"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liq",
				Subsystem: "queue",
				Name:      "liquidations_total",
				Help:      "Executed liquidations by collateral asset.",
			}, []string{"asset"}),
			capitalSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liq",
				Subsystem: "queue",
				Name:      "capital_spent_total",
				Help:      "Bid capital consumed by liquidations, in base units.",
			}, []string{"asset"}),
			collateral: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liq",
				Subsystem: "queue",
				Name:      "collateral_sold_total",
				Help:      "Collateral sold to the queue, in base units.",
			}, []string{"asset"}),
			offsets: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liq",
				Subsystem: "queue",
				Name:      "slot_offsets_total",
				Help:      "Premium slot offsets by asset and outcome (partial, epoch_reset, scale_step).",
			}, []string{"asset", "outcome"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liq",
				Subsystem: "queue",
				Name:      "collateral_claimed_total",
				Help:      "Collateral paid out to bidders, in base units.",
			}, []string{"asset"}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "liq",
				Subsystem: "queue",
				Name:      "paused",
				Help:      "Indicates whether the liquidation module is paused (1) or running (0).",
			}),
		}
		prometheus.MustRegister(
			liquidationRegistry.bids,
			liquidationRegistry.liquidations,
			liquidationRegistry.capitalSpent,
			liquidationRegistry.collateral,
			liquidationRegistry.offsets,
			liquidationRegistry.claims,
			liquidationRegistry.paused,
		)
	})
	return liquidationRegistry
}

// Emit implements events.Emitter so the registry can observe committed events.
func (m *LiquidationMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	asset := labelAsset(payload.Attr("asset"))
	switch payload.Type {
	case liquidation.EventTypeBidSubmitted:
		m.bids.WithLabelValues(asset, "submitted").Inc()
	case liquidation.EventTypeBidActivated:
		m.bids.WithLabelValues(asset, "activated").Inc()
	case liquidation.EventTypeBidRetracted:
		m.bids.WithLabelValues(asset, "retracted").Inc()
	case liquidation.EventTypeBidClaimed:
		m.claims.WithLabelValues(asset).Add(amount(payload.Attr("claimed")))
	case liquidation.EventTypeSlotOffset:
		outcome := "partial"
		switch {
		case payload.Attr("epochReset") == "true":
			outcome = "epoch_reset"
		case payload.Attr("scaleStep") == "true":
			outcome = "scale_step"
		}
		m.offsets.WithLabelValues(asset, outcome).Inc()
	case liquidation.EventTypeLiquidationExecuted:
		m.liquidations.WithLabelValues(asset).Inc()
		m.capitalSpent.WithLabelValues(asset).Add(amount(payload.Attr("capitalSpent")))
		m.collateral.WithLabelValues(asset).Add(amount(payload.Attr("collateral")))
	}
}

// SetPause records whether the module is paused.
func (m *LiquidationMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

// amount converts a base-10 amount attribute into a float for counters.
// Malformed values count as zero.
func amount(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
