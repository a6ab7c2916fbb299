package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the relay pipeline.
type Metrics struct {
	SubmitsTotal       *prometheus.CounterVec
	ClassifyTotal      *prometheus.CounterVec
	ClassifyDuration   prometheus.Histogram
	AlertsSettledTotal *prometheus.CounterVec
	ActionsPerAlert    prometheus.Histogram
	AttemptsTotal      *prometheus.CounterVec
	AttemptDuration    *prometheus.HistogramVec
	ActionsTotal       *prometheus.CounterVec
	LLMCallsTotal      *prometheus.CounterVec
	LLMTokensTotal     *prometheus.CounterVec
	LLMCallDuration    *prometheus.HistogramVec
}

// NewMetrics registers and returns relay metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertrelay_submits_total",
			Help: "Total alert submissions by result.",
		}, []string{"result"}),
		ClassifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertrelay_classifications_total",
			Help: "Total classifications by severity and whether the classifier degraded.",
		}, []string{"severity", "degraded"}),
		ClassifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertrelay_classify_duration_seconds",
			Help:    "Duration of classification calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8), // 50ms .. ~6.4s
		}),
		AlertsSettledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertrelay_alerts_settled_total",
			Help: "Total alerts reaching a terminal status by status and severity.",
		}, []string{"status", "severity"}),
		ActionsPerAlert: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertrelay_actions_per_alert",
			Help:    "Routed actions per settled alert.",
			Buckets: prometheus.LinearBuckets(0, 1, 4), // 0 .. 3
		}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertrelay_delivery_attempts_total",
			Help: "Total integration calls by action kind and result.",
		}, []string{"kind", "result"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alertrelay_delivery_attempt_duration_seconds",
			Help:    "Duration of individual integration calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25.6s
		}, []string{"kind"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertrelay_actions_total",
			Help: "Total action outcomes by kind, final state and whether a prior delivery was reused.",
		}, []string{"kind", "state", "cached"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertrelay_llm_calls_total",
			Help: "Total LLM API calls by operation and result.",
		}, []string{"op", "result"}),
		LLMTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertrelay_llm_tokens_total",
			Help: "Total LLM tokens consumed by operation and direction.",
		}, []string{"op", "direction"}),
		LLMCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alertrelay_llm_call_duration_seconds",
			Help:    "Duration of LLM API calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms .. ~12.8s
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.ClassifyTotal,
		m.ClassifyDuration,
		m.AlertsSettledTotal,
		m.ActionsPerAlert,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.ActionsTotal,
		m.LLMCallsTotal,
		m.LLMTokensTotal,
		m.LLMCallDuration,
	)

	return m
}

// ServiceHooks returns ServiceHooks that update the pipeline metrics.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnClassify: func(sev Severity, degraded bool, duration float64) {
			d := "false"
			if degraded {
				d = "true"
			}
			m.ClassifyTotal.WithLabelValues(string(sev), d).Inc()
			m.ClassifyDuration.Observe(duration)
		},
		OnSettle: func(status Status, sev Severity, actions int) {
			m.AlertsSettledTotal.WithLabelValues(string(status), string(sev)).Inc()
			m.ActionsPerAlert.Observe(float64(actions))
		},
	}
}

// DispatchHooks returns DispatchHooks that update the delivery metrics.
func (m *Metrics) DispatchHooks() DispatchHooks {
	return DispatchHooks{
		OnAttempt: func(kind ActionKind, result string, duration float64) {
			m.AttemptsTotal.WithLabelValues(string(kind), result).Inc()
			m.AttemptDuration.WithLabelValues(string(kind)).Observe(duration)
		},
		OnOutcome: func(kind ActionKind, state ActionState, cached bool) {
			c := "false"
			if cached {
				c = "true"
			}
			m.ActionsTotal.WithLabelValues(string(kind), string(state), c).Inc()
		},
	}
}

// ObserveLLMCall records one LLM API call.
func (m *Metrics) ObserveLLMCall(op string, inputTokens, outputTokens int64, duration float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LLMCallsTotal.WithLabelValues(op, result).Inc()
	m.LLMCallDuration.WithLabelValues(op).Observe(duration)
	m.LLMTokensTotal.WithLabelValues(op, "input").Add(float64(inputTokens))
	m.LLMTokensTotal.WithLabelValues(op, "output").Add(float64(outputTokens))
}
