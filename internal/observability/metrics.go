package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service, plus the
// in-process turn-stage window behind the perf endpoint.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	TurnOutcomes        *prometheus.CounterVec
	GuardrailViolations *prometheus.CounterVec
	BudgetDecisions     *prometheus.CounterVec
	BreakerTransitions  *prometheus.CounterVec
	CacheEvents         *prometheus.CounterVec
	UsageTotal          *prometheus.CounterVec
	FirstAudioLatency   prometheus.Histogram

	turnStages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers on a caller-supplied registerer, which tests use
// to avoid colliding with the default registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice call sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		TurnOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_outcomes_total",
			Help:      "Completed turns by response path.",
		}, []string{"path"}),
		GuardrailViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_violations_total",
			Help:      "Guardrail findings by check and outcome.",
		}, []string{"check", "outcome"}),
		BudgetDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_decisions_total",
			Help:      "Budget governor decisions by resource and outcome.",
		}, []string{"resource", "outcome"}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker transitions by provider and new state.",
		}, []string{"provider", "state"}),
		CacheEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_events_total",
			Help:      "Response cache events by type.",
		}, []string{"event"}),
		UsageTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_total",
			Help:      "Metered usage by tenant and resource.",
		}, []string{"tenant", "resource"}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		turnStages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSessionEvent(event string) {
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveTurnOutcome(path string) {
	m.TurnOutcomes.WithLabelValues(path).Inc()
}

func (m *Metrics) ObserveGuardrail(check string, blocked bool) {
	outcome := "flagged"
	if blocked {
		outcome = "blocked"
	}
	m.GuardrailViolations.WithLabelValues(check, outcome).Inc()
}

func (m *Metrics) ObserveBudgetDecision(resource, outcome string) {
	m.BudgetDecisions.WithLabelValues(resource, outcome).Inc()
}

func (m *Metrics) ObserveBreakerTransition(provider, state string) {
	m.BreakerTransitions.WithLabelValues(provider, state).Inc()
}

func (m *Metrics) ObserveCacheEvent(event string) {
	m.CacheEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) AddUsage(tenant, resource string, amount float64) {
	if amount <= 0 {
		return
	}
	m.UsageTotal.WithLabelValues(tenant, resource).Add(amount)
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.turnStages.Observe(stage, float64(d.Microseconds())/1000.0)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	m.turnStages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.turnStages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	m.turnStages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
