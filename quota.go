package draftguard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// Plan names a tenant subscription plan.
type Plan string

// DefaultSoftThresholdPercent is used when no threshold is configured.
const DefaultSoftThresholdPercent = 80.0

// QuotaPolicy is the per-plan ceiling, derived at evaluation time.
type QuotaPolicy struct {
	// MonthlyLimit is the ceiling of AI-attributed runs per month. Nil means
	// unlimited.
	MonthlyLimit *int64

	// SoftThresholdPercent triggers a warning status. Default 80.
	SoftThresholdPercent float64

	// HardEnforcement turns reaching the ceiling into a block.
	HardEnforcement bool
}

// UnlimitedPolicy returns a policy without a ceiling.
func UnlimitedPolicy() QuotaPolicy {
	return QuotaPolicy{SoftThresholdPercent: DefaultSoftThresholdPercent}
}

// PolicySource resolves the quota policy of a plan. It is consulted on every
// evaluation so configuration changes apply to the next call.
type PolicySource interface {
	Policy(ctx context.Context, plan Plan) (QuotaPolicy, error)
}

// QuotaStatus is the outcome of an evaluation.
type QuotaStatus string

const (
	QuotaAllowed QuotaStatus = "allowed"
	QuotaWarning QuotaStatus = "warning"
	QuotaBlocked QuotaStatus = "blocked"
)

// QuotaReason explains a status.
type QuotaReason string

const (
	ReasonUnlimited            QuotaReason = "unlimited"
	ReasonHardLimitReached     QuotaReason = "hard_limit_reached"
	ReasonSoftThresholdReached QuotaReason = "soft_threshold_reached"
	ReasonBelowSoftThreshold   QuotaReason = "below_soft_threshold"
)

// QuotaEvaluation is the result of evaluating usage against a policy.
type QuotaEvaluation struct {
	Status          QuotaStatus `json:"status"`
	Reason          QuotaReason `json:"reason"`
	Limit           *int64      `json:"limit"`
	Used            int64       `json:"used"`
	RawUsed         int64       `json:"raw_used"`
	OffsetApplied   int64       `json:"offset_applied"`
	Remaining       *int64      `json:"remaining"`
	UsagePercent    *float64    `json:"usage_percent"`
	SoftThreshold   float64     `json:"soft_threshold_percent"`
	HardEnforcement bool        `json:"hard_enforcement"`

	TenantID string        `json:"tenant_id,omitempty"`
	Plan     Plan          `json:"plan,omitempty"`
	Action   RunType       `json:"action,omitempty"`
	Period   BillingPeriod `json:"period"`
}

// Blocked reports whether the evaluation rejects new AI work.
func (e QuotaEvaluation) Blocked() bool {
	return e.Status == QuotaBlocked
}

// Evaluate computes the quota status for monthlyUsage AI runs, reduced by the
// sum of reset offsets for the month.
func Evaluate(policy QuotaPolicy, monthlyUsage, resetOffsetSum int64) QuotaEvaluation {
	soft := policy.SoftThresholdPercent
	if soft <= 0 || math.IsNaN(soft) {
		soft = DefaultSoftThresholdPercent
	}

	used := monthlyUsage - resetOffsetSum
	if used < 0 {
		used = 0
	}

	ev := QuotaEvaluation{
		Used:            used,
		RawUsed:         monthlyUsage,
		OffsetApplied:   resetOffsetSum,
		SoftThreshold:   soft,
		HardEnforcement: policy.HardEnforcement,
	}

	if policy.MonthlyLimit == nil {
		ev.Status = QuotaAllowed
		ev.Reason = ReasonUnlimited
		return ev
	}

	limit := *policy.MonthlyLimit
	ev.Limit = &limit

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	percent := 100.0
	if limit > 0 {
		percent = math.Min(float64(used)*100/float64(limit), 100)
	}
	ev.UsagePercent = &percent

	switch {
	case policy.HardEnforcement && used >= limit:
		remaining = 0
		ev.Status = QuotaBlocked
		ev.Reason = ReasonHardLimitReached
	case percent >= soft:
		ev.Status = QuotaWarning
		ev.Reason = ReasonSoftThresholdReached
	default:
		ev.Status = QuotaAllowed
		ev.Reason = ReasonBelowSoftThreshold
	}
	ev.Remaining = &remaining
	return ev
}

// QuotaResetOffset is an administrative correction subtracted from a month's
// raw usage. Ledger history is left untouched.
type QuotaResetOffset struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Month     string    `json:"month"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OffsetStore persists reset offsets.
type OffsetStore interface {
	AddOffset(ctx context.Context, o QuotaResetOffset) error
	SumOffsets(ctx context.Context, tenantID, month string) (int64, error)
}

// BillingPeriod is a calendar month [Start, End) in UTC.
type BillingPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) BillingPeriod {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return BillingPeriod{Start: start, End: start.AddDate(0, 1, 0)}
}

// Key returns the month key, YYYY-MM.
func (p BillingPeriod) Key() string {
	return p.Start.Format("2006-01")
}

// QuotaEvaluator evaluates tenants against their plan, re-counting the ledger
// on every call.
type QuotaEvaluator struct {
	policies PolicySource
	runs     RunStore
	offsets  OffsetStore
	meter    Meter
	logger   *slog.Logger
	now      func() time.Time
}

// QuotaOption configures a QuotaEvaluator.
type QuotaOption func(*QuotaEvaluator)

// WithQuotaMeter sets the meter.
func WithQuotaMeter(m Meter) QuotaOption {
	return func(q *QuotaEvaluator) { q.meter = m }
}

// WithQuotaLogger sets the logger.
func WithQuotaLogger(l *slog.Logger) QuotaOption {
	return func(q *QuotaEvaluator) { q.logger = l }
}

// WithQuotaClock overrides the time source.
func WithQuotaClock(now func() time.Time) QuotaOption {
	return func(q *QuotaEvaluator) { q.now = now }
}

// NewQuotaEvaluator creates an evaluator. A nil policy source means every
// plan is unlimited; a nil offset store means no offsets.
func NewQuotaEvaluator(policies PolicySource, runs RunStore, offsets OffsetStore, opts ...QuotaOption) *QuotaEvaluator {
	q := &QuotaEvaluator{
		policies: policies,
		runs:     runs,
		offsets:  offsets,
		meter:    noopMeter{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.policies == nil {
		q.policies = unlimitedSource{}
	}
	if q.offsets == nil {
		q.offsets = noopOffsetStore{}
	}
	return q
}

// Evaluate returns the quota evaluation of tenant on plan for the current
// month. action is informational.
func (q *QuotaEvaluator) Evaluate(ctx context.Context, tenantID string, plan Plan, action RunType) (QuotaEvaluation, error) {
	period := MonthOf(q.now())

	policy, err := q.policies.Policy(ctx, plan)
	if err != nil {
		// Bad config never fails closed.
		q.logger.Warn("quota_policy_unavailable", "tenant_id", tenantID, "plan", string(plan), "error", err)
		policy = UnlimitedPolicy()
	}

	used, err := q.runs.CountAIRuns(ctx, tenantID, period.Start, period.End)
	if err != nil {
		return QuotaEvaluation{}, fmt.Errorf("draftguard: count ai runs: %w", err)
	}

	offset, err := q.offsets.SumOffsets(ctx, tenantID, period.Key())
	if err != nil {
		return QuotaEvaluation{}, fmt.Errorf("draftguard: sum reset offsets: %w", err)
	}

	ev := Evaluate(policy, used, offset)
	ev.TenantID = tenantID
	ev.Plan = plan
	ev.Action = action
	ev.Period = period

	q.meter.OnQuota(QuotaEvent{
		TenantID: tenantID,
		Plan:     plan,
		Action:   action,
		Status:   ev.Status,
		Reason:   ev.Reason,
	})
	q.logger.Debug("quota_evaluated",
		"tenant_id", tenantID,
		"plan", string(plan),
		"action", string(action),
		"status", string(ev.Status),
		"reason", string(ev.Reason),
		"used", ev.Used,
		"raw_used", ev.RawUsed,
	)
	return ev, nil
}

// Reset records a reset offset for the current month. amount <= 0 resets the
// tenant's whole effective usage.
func (q *QuotaEvaluator) Reset(ctx context.Context, tenantID string, amount int64, reason, actor string) (QuotaResetOffset, error) {
	now := q.now().UTC()
	period := MonthOf(now)

	if amount <= 0 {
		used, err := q.runs.CountAIRuns(ctx, tenantID, period.Start, period.End)
		if err != nil {
			return QuotaResetOffset{}, fmt.Errorf("draftguard: count ai runs: %w", err)
		}
		prior, err := q.offsets.SumOffsets(ctx, tenantID, period.Key())
		if err != nil {
			return QuotaResetOffset{}, fmt.Errorf("draftguard: sum reset offsets: %w", err)
		}
		amount = used - prior
		if amount <= 0 {
			return QuotaResetOffset{}, nil
		}
	}

	o := QuotaResetOffset{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Month:     period.Key(),
		Amount:    amount,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: now,
	}
	if err := q.offsets.AddOffset(ctx, o); err != nil {
		return QuotaResetOffset{}, fmt.Errorf("draftguard: add reset offset: %w", err)
	}
	q.logger.Info("quota_reset", "tenant_id", tenantID, "month", o.Month, "amount", amount, "actor", actor)
	return o, nil
}

type unlimitedSource struct{}

func (unlimitedSource) Policy(context.Context, Plan) (QuotaPolicy, error) {
	return UnlimitedPolicy(), nil
}

type noopOffsetStore struct{}

func (noopOffsetStore) AddOffset(context.Context, QuotaResetOffset) error        { return nil }
func (noopOffsetStore) SumOffsets(context.Context, string, string) (int64, error) { return 0, nil }
