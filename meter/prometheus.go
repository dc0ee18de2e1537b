package meter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/draftguard"
)

// PromMeter exports governance events as Prometheus metrics.
//
// Labels stay low-cardinality: tenant ids are never used as label values.
type PromMeter struct {
	attempts       *prometheus.CounterVec
	results        *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	tokens         *prometheus.CounterVec
	lookups        *prometheus.CounterVec
	quotaDecisions *prometheus.CounterVec
	runs           *prometheus.CounterVec
	violations     prometheus.Counter
}

var _ draftguard.Meter = (*PromMeter)(nil)

// NewPromMeter registers the draftguard metrics on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PromMeter{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "draftguard_model_attempts_total",
			Help: "Model candidates tried, by provider and model.",
		}, []string{"provider", "model"}),

		results: f.NewCounterVec(prometheus.CounterOpts{
			Name: "draftguard_model_results_total",
			Help: "Model call outcomes, by provider, model, outcome and HTTP status.",
		}, []string{"provider", "model", "outcome", "status"}),

		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "draftguard_model_call_duration_seconds",
			Help:    "Latency of individual model calls.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "draftguard_tokens_total",
			Help: "Tokens consumed by successful model calls, by direction.",
		}, []string{"provider", "model", "direction"}),

		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "draftguard_draft_lookups_total",
			Help: "Draft cache lookups, by operation kind and result.",
		}, []string{"kind", "result"}),

		quotaDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "draftguard_quota_decisions_total",
			Help: "Quota evaluations, by plan and status.",
		}, []string{"plan", "status"}),

		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "draftguard_usage_runs_total",
			Help: "Usage runs recorded, by type, AI usage and reuse.",
		}, []string{"type", "ai_used", "reused"}),

		violations: f.NewCounter(prometheus.CounterOpts{
			Name: "draftguard_apply_invariant_violations_total",
			Help: "Apply runs recorded with AI usage.",
		}),
	}
}

func (m *PromMeter) OnAttempt(e draftguard.AttemptEvent) {
	m.attempts.WithLabelValues(e.Provider, e.Model).Inc()
}

func (m *PromMeter) OnResult(e draftguard.ResultEvent) {
	outcome := "success"
	switch {
	case e.Success:
	case e.Retryable:
		outcome = "retryable_error"
	default:
		outcome = "fatal_error"
	}
	status := ""
	if e.StatusCode > 0 {
		status = strconv.Itoa(e.StatusCode)
	}

	m.results.WithLabelValues(e.Provider, e.Model, outcome, status).Inc()
	m.callDuration.WithLabelValues(e.Provider, e.Model).Observe(e.Duration.Seconds())
	if e.Success {
		m.tokens.WithLabelValues(e.Provider, e.Model, "prompt").Add(float64(e.Usage.PromptTokens))
		m.tokens.WithLabelValues(e.Provider, e.Model, "completion").Add(float64(e.Usage.CompletionTokens))
	}
}

func (m *PromMeter) OnLookup(e draftguard.LookupEvent) {
	result := "miss"
	if e.Hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(string(e.Kind), result).Inc()
}

func (m *PromMeter) OnQuota(e draftguard.QuotaEvent) {
	m.quotaDecisions.WithLabelValues(string(e.Plan), string(e.Status)).Inc()
}

func (m *PromMeter) OnRun(e draftguard.RunEvent) {
	if e.Violation {
		m.violations.Inc()
	}
	if e.Rejected {
		return
	}
	m.runs.WithLabelValues(string(e.Type), strconv.FormatBool(e.AIUsed), strconv.FormatBool(e.Reused)).Inc()
}
