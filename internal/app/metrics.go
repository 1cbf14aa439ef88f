package app

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics counts ledger transitions, gateway calls and sweep outcomes.
type SettlementMetrics struct {
	transitions   *prometheus.CounterVec
	gatewayCalls  *prometheus.CounterVec
	gatewayTiming *prometheus.HistogramVec
	sweepOrders   *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

// Metrics returns the process-wide settlement metrics, registering them on first use.
func Metrics() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Settlement phase transitions by operation and outcome.",
			}, []string{"operation", "outcome"}),
			gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_gateway_calls_total",
				Help: "Payment gateway calls by operation and result.",
			}, []string{"operation", "result"}),
			gatewayTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "escrow_gateway_call_seconds",
				Help:    "Payment gateway call latency.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			sweepOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_sweep_orders_total",
				Help: "Orders handled by settlement sweeps by sweep and result.",
			}, []string{"sweep", "result"}),
			webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_webhook_events_total",
				Help: "Gateway webhook events by type and result.",
			}, []string{"event", "result"}),
		}
		prometheus.MustRegister(
			settlementRegistry.transitions,
			settlementRegistry.gatewayCalls,
			settlementRegistry.gatewayTiming,
			settlementRegistry.sweepOrders,
			settlementRegistry.webhookEvents,
		)
	})
	return settlementRegistry
}

func (m *SettlementMetrics) ObserveTransition(operation, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

func (m *SettlementMetrics) ObserveGatewayCall(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayCalls.WithLabelValues(operation, result).Inc()
	m.gatewayTiming.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *SettlementMetrics) ObserveSweep(sweep string, processed, failed int) {
	if m == nil {
		return
	}
	m.sweepOrders.WithLabelValues(sweep, "processed").Add(float64(processed))
	m.sweepOrders.WithLabelValues(sweep, "failed").Add(float64(failed))
}

func (m *SettlementMetrics) ObserveWebhook(event, result string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.webhookEvents.WithLabelValues(event, result).Inc()
}
