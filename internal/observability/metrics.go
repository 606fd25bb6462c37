package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	InboundMessages     *prometheus.CounterVec
	ConversationEvents  *prometheus.CounterVec
	ThreadCreations     prometheus.Counter
	Fallbacks           *prometheus.CounterVec
	RunPollTimeouts     prometheus.Counter
	OrderTransitions    *prometheus.CounterVec
	OrdersCompleted     prometheus.Counter
	SessionStoreErrors  *prometheus.CounterVec
	ActiveOrderSessions prometheus.Gauge
	TurnLatency         prometheus.Histogram

	turnStages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		InboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by source and disposition.",
		}, []string{"source", "handled_by"}),
		ConversationEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_events_total",
			Help:      "Conversation record events by type (created, reused, closed, expired).",
		}, []string{"event"}),
		ThreadCreations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_thread_creations_total",
			Help:      "Remote AI threads created.",
		}),
		Fallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_fallbacks_total",
			Help:      "Falls back to the stateless completion backend by reason.",
		}, []string{"reason"}),
		RunPollTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_poll_timeouts_total",
			Help:      "Remote runs abandoned after exhausting the polling budget.",
		}),
		OrderTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_flow_transitions_total",
			Help:      "Order flow transitions by from/to step.",
		}, []string{"from", "to"}),
		OrdersCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_completed_total",
			Help:      "Orders emitted to the order collaborator.",
		}),
		SessionStoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_store_errors_total",
			Help:      "Session store failures by class (transient, permanent).",
		}, []string{"class"}),
		ActiveOrderSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_order_sessions",
			Help:      "Order-flow sessions currently live (not expired).",
		}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_turn_latency_ms",
			Help:      "End-to-end AI turn latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
		turnStages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveTurnLatency(d time.Duration) {
	m.TurnLatency.Observe(float64(d.Milliseconds()))
}

// ObserveStage records a per-stage latency sample for the perf endpoint.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil || m.turnStages == nil {
		return
	}
	m.turnStages.Observe(stage, float64(d.Microseconds())/1000)
}

// MarkIndicator bumps a named counter in the perf window (fallback reasons etc).
func (m *Metrics) MarkIndicator(name string) {
	if m == nil || m.turnStages == nil {
		return
	}
	m.turnStages.ObserveIndicator(name)
}

// StageSnapshot returns the current perf window contents.
func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil || m.turnStages == nil {
		return StageSnapshot{}
	}
	return m.turnStages.Snapshot()
}

// ResetStages clears the perf window. Used by the perf endpoint.
func (m *Metrics) ResetStages() {
	if m == nil || m.turnStages == nil {
		return
	}
	m.turnStages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
