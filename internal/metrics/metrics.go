// ABOUTME: Prometheus collectors for inbound handling, stage workflow and deferred tasks
// ABOUTME: Components call the Record* helpers; Handler exposes the default registry

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// CONVERSATION METRICS
// =============================================================================

var (
	inboundEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_gateway_inbound_events_total",
			Help: "Inbound customer events by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: handled, ignored, reprompted, duplicate, throttled, error
	)

	flowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_gateway_flow_transitions_total",
			Help: "Conversation flow changes",
		},
		[]string{"from", "to"},
	)

	gateWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "order_gateway_gate_wait_seconds",
			Help:    "Time spent waiting for the per-customer lock",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	ordersPlacedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_gateway_orders_placed_total",
			Help: "Orders placed by payment method",
		},
		[]string{"payment_method"},
	)
)

// =============================================================================
// WORKFLOW METRICS
// =============================================================================

var (
	stageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_gateway_stage_transitions_total",
			Help: "Order stage transitions by target stage and result",
		},
		[]string{"to", "result"}, // result: ok, conflict, invalid, error
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_gateway_alerts_total",
			Help: "Fired stage alerts by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: sent, stale, missing, duplicate, failed
	)
)

// =============================================================================
// DEFERRED TASK METRICS
// =============================================================================

var (
	deferredTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_gateway_deferred_tasks_total",
			Help: "Deferred tasks run by kind and result",
		},
		[]string{"kind", "result"}, // result: done, failed, unknown_kind
	)

	deferredTaskLagSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_gateway_deferred_task_lag_seconds",
			Help:    "Delay between a task's fire time and its execution",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"kind"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordInbound counts one inbound event.
func RecordInbound(kind, outcome string) {
	inboundEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordFlowTransition counts a conversation moving between flows.
func RecordFlowTransition(from, to string) {
	flowTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordGateWait observes how long a handler waited for its lock.
func RecordGateWait(d time.Duration) {
	gateWaitSeconds.Observe(d.Seconds())
}

// RecordOrderPlaced counts a placed order.
func RecordOrderPlaced(paymentMethod string) {
	ordersPlacedTotal.WithLabelValues(paymentMethod).Inc()
}

// RecordStageTransition counts a stage transition attempt.
func RecordStageTransition(to, result string) {
	stageTransitionsTotal.WithLabelValues(to, result).Inc()
}

// RecordAlert counts a fired alert.
func RecordAlert(kind, outcome string) {
	alertsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordDeferredTask counts a task run and observes its lag behind fire time.
func RecordDeferredTask(kind, result string, lag time.Duration) {
	deferredTasksTotal.WithLabelValues(kind, result).Inc()
	if lag < 0 {
		lag = 0
	}
	deferredTaskLagSeconds.WithLabelValues(kind).Observe(lag.Seconds())
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
