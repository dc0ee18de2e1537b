package draftguard_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dg "github.com/ineyio/draftguard"
	"github.com/ineyio/draftguard/policy"
	"github.com/ineyio/draftguard/store/memory"
)

func limited(limit int64, soft float64, hard bool) dg.QuotaPolicy {
	return dg.QuotaPolicy{MonthlyLimit: &limit, SoftThresholdPercent: soft, HardEnforcement: hard}
}

func TestEvaluate_Table(t *testing.T) {
	tests := []struct {
		name      string
		policy    dg.QuotaPolicy
		usage     int64
		offset    int64
		status    dg.QuotaStatus
		reason    dg.QuotaReason
		remaining *int64
		percent   *float64
	}{
		{
			name:      "soft threshold warning",
			policy:    limited(10, 80, false),
			usage:     8,
			status:    dg.QuotaWarning,
			reason:    dg.ReasonSoftThresholdReached,
			remaining: dg.Int64Ptr(2),
			percent:   dg.Float64Ptr(80),
		},
		{
			name:      "hard limit blocks",
			policy:    limited(10, 80, true),
			usage:     10,
			status:    dg.QuotaBlocked,
			reason:    dg.ReasonHardLimitReached,
			remaining: dg.Int64Ptr(0),
			percent:   dg.Float64Ptr(100),
		},
		{
			name:      "over limit without enforcement only warns",
			policy:    limited(10, 80, false),
			usage:     15,
			status:    dg.QuotaWarning,
			reason:    dg.ReasonSoftThresholdReached,
			remaining: dg.Int64Ptr(0),
			percent:   dg.Float64Ptr(100),
		},
		{
			name:   "unlimited",
			policy: dg.UnlimitedPolicy(),
			usage:  1_000_000,
			status: dg.QuotaAllowed,
			reason: dg.ReasonUnlimited,
		},
		{
			name:      "offset lowers effective usage",
			policy:    limited(10, 80, true),
			usage:     12,
			offset:    5,
			status:    dg.QuotaAllowed,
			reason:    dg.ReasonBelowSoftThreshold,
			remaining: dg.Int64Ptr(3),
			percent:   dg.Float64Ptr(70),
		},
		{
			name:      "offset floors at zero",
			policy:    limited(10, 80, true),
			usage:     2,
			offset:    50,
			status:    dg.QuotaAllowed,
			reason:    dg.ReasonBelowSoftThreshold,
			remaining: dg.Int64Ptr(10),
			percent:   dg.Float64Ptr(0),
		},
		{
			name:      "zero limit is fully used",
			policy:    limited(0, 80, false),
			usage:     0,
			status:    dg.QuotaWarning,
			reason:    dg.ReasonSoftThresholdReached,
			remaining: dg.Int64Ptr(0),
			percent:   dg.Float64Ptr(100),
		},
		{
			name:      "zero limit with enforcement blocks",
			policy:    limited(0, 80, true),
			usage:     0,
			status:    dg.QuotaBlocked,
			reason:    dg.ReasonHardLimitReached,
			remaining: dg.Int64Ptr(0),
			percent:   dg.Float64Ptr(100),
		},
		{
			name:      "missing soft threshold uses default",
			policy:    limited(10, 0, false),
			usage:     7,
			status:    dg.QuotaAllowed,
			reason:    dg.ReasonBelowSoftThreshold,
			remaining: dg.Int64Ptr(3),
			percent:   dg.Float64Ptr(70),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := dg.Evaluate(tt.policy, tt.usage, tt.offset)
			assert.Equal(t, tt.status, ev.Status)
			assert.Equal(t, tt.reason, ev.Reason)
			assert.Equal(t, tt.remaining, ev.Remaining)
			if tt.percent == nil {
				assert.Nil(t, ev.UsagePercent)
			} else {
				require.NotNil(t, ev.UsagePercent)
				assert.InDelta(t, *tt.percent, *ev.UsagePercent, 1e-9)
			}
		})
	}
}

func TestEvaluate_UnlimitedHasNoLimitFields(t *testing.T) {
	ev := dg.Evaluate(dg.UnlimitedPolicy(), 42, 0)
	assert.Nil(t, ev.Limit)
	assert.Nil(t, ev.Remaining)
	assert.Nil(t, ev.UsagePercent)
	assert.Equal(t, int64(42), ev.Used)
}

func TestEvaluate_EffectiveUsage(t *testing.T) {
	ev := dg.Evaluate(limited(10, 80, false), 12, 5)
	assert.Equal(t, int64(7), ev.Used)
	assert.Equal(t, int64(12), ev.RawUsed)
	assert.Equal(t, int64(5), ev.OffsetApplied)
}

func seedAIRuns(t *testing.T, s *memory.Store, tenant string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.AppendRun(context.Background(), dg.UsageRun{
			ID: tenant + "-" + at.String() + "-" + string(rune('a'+i)), TenantID: tenant,
			Type: dg.RunPreviewGeneration, AIUsed: true, CreatedAt: at,
		}))
	}
}

func TestQuotaEvaluator_CountsCurrentMonthOnly(t *testing.T) {
	store := memory.New()
	seedAIRuns(t, store, "t1", 8, t0)
	seedAIRuns(t, store, "t1", 5, t0.AddDate(0, -1, 0))
	seedAIRuns(t, store, "t2", 9, t0)
	require.NoError(t, store.AppendRun(context.Background(), dg.UsageRun{
		TenantID: "t1", Type: dg.RunPreviewGeneration, Reused: true, CreatedAt: t0,
	}))

	src := policy.NewStaticSource(map[dg.Plan]dg.QuotaPolicy{"pro": limited(10, 80, true)})
	q := dg.NewQuotaEvaluator(src, store, store, dg.WithQuotaClock(func() time.Time { return t0 }))

	ev, err := q.Evaluate(context.Background(), "t1", "pro", dg.RunPreviewGeneration)
	require.NoError(t, err)
	assert.Equal(t, int64(8), ev.Used)
	assert.Equal(t, dg.QuotaWarning, ev.Status)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, dg.Plan("pro"), ev.Plan)
	assert.Equal(t, "2026-03", ev.Period.Key())
}

func TestQuotaEvaluator_PolicyReadOnEveryCall(t *testing.T) {
	store := memory.New()
	seedAIRuns(t, store, "t1", 5, t0)
	src := policy.NewStaticSource(nil)
	q := dg.NewQuotaEvaluator(src, store, store, dg.WithQuotaClock(func() time.Time { return t0 }))
	ctx := context.Background()

	ev, err := q.Evaluate(ctx, "t1", "free", dg.RunPreviewGeneration)
	require.NoError(t, err)
	assert.Equal(t, dg.QuotaAllowed, ev.Status)

	src.Set("free", limited(5, 80, true))
	ev, err = q.Evaluate(ctx, "t1", "free", dg.RunPreviewGeneration)
	require.NoError(t, err)
	assert.Equal(t, dg.QuotaBlocked, ev.Status)
}

type brokenSource struct{}

func (brokenSource) Policy(context.Context, dg.Plan) (dg.QuotaPolicy, error) {
	return dg.QuotaPolicy{}, errors.New("config backend down")
}

func TestQuotaEvaluator_PolicyErrorFailsOpen(t *testing.T) {
	store := memory.New()
	seedAIRuns(t, store, "t1", 100, t0)
	var buf bytes.Buffer
	q := dg.NewQuotaEvaluator(brokenSource{}, store, store,
		dg.WithQuotaClock(func() time.Time { return t0 }),
		dg.WithQuotaLogger(slog.New(slog.NewJSONHandler(&buf, nil))),
	)

	ev, err := q.Evaluate(context.Background(), "t1", "pro", dg.RunPreviewGeneration)
	require.NoError(t, err)
	assert.Equal(t, dg.QuotaAllowed, ev.Status)
	assert.Equal(t, dg.ReasonUnlimited, ev.Reason)
	assert.Contains(t, buf.String(), "quota_policy_unavailable")
}

func TestQuotaEvaluator_NilSourcesAreUnlimited(t *testing.T) {
	store := memory.New()
	seedAIRuns(t, store, "t1", 3, t0)
	q := dg.NewQuotaEvaluator(nil, store, nil, dg.WithQuotaClock(func() time.Time { return t0 }))

	ev, err := q.Evaluate(context.Background(), "t1", "any", dg.RunApply)
	require.NoError(t, err)
	assert.Equal(t, dg.QuotaAllowed, ev.Status)
	assert.Equal(t, int64(3), ev.Used)
}

func TestQuotaEvaluator_Reset(t *testing.T) {
	store := memory.New()
	seedAIRuns(t, store, "t1", 12, t0)
	src := policy.NewStaticSource(map[dg.Plan]dg.QuotaPolicy{"pro": limited(10, 80, true)})
	q := dg.NewQuotaEvaluator(src, store, store, dg.WithQuotaClock(func() time.Time { return t0 }))
	ctx := context.Background()

	ev, err := q.Evaluate(ctx, "t1", "pro", dg.RunPreviewGeneration)
	require.NoError(t, err)
	assert.Equal(t, dg.QuotaBlocked, ev.Status)

	off, err := q.Reset(ctx, "t1", 5, "support ticket", "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(5), off.Amount)
	assert.Equal(t, "2026-03", off.Month)

	ev, err = q.Evaluate(ctx, "t1", "pro", dg.RunPreviewGeneration)
	require.NoError(t, err)
	assert.Equal(t, dg.QuotaAllowed, ev.Status)
	assert.Equal(t, int64(7), ev.Used)

	// Full reset clears what is left.
	off, err = q.Reset(ctx, "t1", 0, "month comp", "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(7), off.Amount)

	ev, err = q.Evaluate(ctx, "t1", "pro", dg.RunPreviewGeneration)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.Used)

	// Nothing left to reset.
	off, err = q.Reset(ctx, "t1", 0, "again", "admin@example.com")
	require.NoError(t, err)
	assert.Zero(t, off.Amount)

	// History is kept.
	n, err := store.CountAIRuns(ctx, "t1", dg.MonthOf(t0).Start, dg.MonthOf(t0).End)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestMonthOf(t *testing.T) {
	p := dg.MonthOf(time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), p.End)
	assert.Equal(t, "2026-12", p.Key())
}
