package draftguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Generation is what a GenerateFunc produced.
type Generation struct {
	Payload json.RawMessage
	Model   string

	// AIUsed is false for generators that built the payload without calling
	// the provider (e.g. a deterministic template).
	AIUsed bool
}

// GenerateFunc produces a draft payload on a cache miss. It is called after
// quota admission and usually wraps Client.Generate.
type GenerateFunc func(ctx context.Context) (Generation, error)

// PreviewRequest describes one governed generation.
type PreviewRequest struct {
	Scope          Scope
	Kind           OperationKind
	Discriminators []string
	Fingerprint    string

	Plan    Plan
	RunType RunType
	Actor   string

	// TTL for a newly stored draft. 0 uses the cache policy, NoExpiry keeps
	// it forever.
	TTL time.Duration

	Metadata map[string]any
}

// WorkKey derives the request's work key.
func (r PreviewRequest) WorkKey() WorkKey {
	return DeriveWorkKey(r.Scope.IDs(), r.Kind, r.Discriminators, r.Fingerprint)
}

// PreviewResult is the outcome of PreviewOrReuse.
type PreviewResult struct {
	Draft           Draft
	GeneratedWithAI bool
	Reused          bool
	Latency         time.Duration
	Quota           *QuotaEvaluation
}

// Governor runs the lookup → quota → generate → persist → record protocol.
type Governor struct {
	drafts *DraftCache
	quota  *QuotaEvaluator
	ledger *Ledger
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	dedup    bool
	inflight singleflight.Group
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithGovernorLogger sets the logger.
func WithGovernorLogger(l *slog.Logger) GovernorOption {
	return func(g *Governor) { g.logger = l }
}

// WithGovernorClock overrides the time source used for latency.
func WithGovernorClock(now func() time.Time) GovernorOption {
	return func(g *Governor) { g.now = now }
}

// WithInFlightDedup collapses concurrent misses for the same work key in this
// process into a single generation.
func WithInFlightDedup() GovernorOption {
	return func(g *Governor) { g.dedup = true }
}

// NewGovernor wires the cache, evaluator and ledger together.
func NewGovernor(drafts *DraftCache, quota *QuotaEvaluator, ledger *Ledger, opts ...GovernorOption) (*Governor, error) {
	if drafts == nil || quota == nil || ledger == nil {
		return nil, fmt.Errorf("draftguard: draft cache, quota evaluator and ledger are required")
	}
	g := &Governor{
		drafts: drafts,
		quota:  quota,
		ledger: ledger,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// PreviewOrReuse serves a live draft for the request's work key, or generates
// and stores a new one if the tenant's quota allows it.
//
// A blocked quota returns a *QuotaExceededError together with the evaluation
// in the result. Once gen has been called a usage run is recorded whether it
// succeeded or not.
func (g *Governor) PreviewOrReuse(ctx context.Context, req PreviewRequest, gen GenerateFunc) (PreviewResult, error) {
	if req.Scope.TenantID == "" {
		return PreviewResult{}, fmt.Errorf("draftguard: tenant id is required")
	}
	if gen == nil {
		return PreviewResult{}, fmt.Errorf("draftguard: generate func is required")
	}
	if req.RunType == "" {
		req.RunType = RunPreviewGeneration
	}

	key := req.WorkKey()
	ctx, span := g.tracer.Start(ctx, "draftguard.PreviewOrReuse",
		trace.WithAttributes(
			attribute.String("tenant_id", req.Scope.TenantID),
			attribute.String("operation_kind", string(req.Kind)),
			attribute.String("work_key", string(key)),
		))
	defer span.End()

	res, err := g.lookupOrGenerate(ctx, req, key, gen)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Bool("reused", res.Reused),
		attribute.Bool("generated_with_ai", res.GeneratedWithAI),
	)
	return res, err
}

func (g *Governor) lookupOrGenerate(ctx context.Context, req PreviewRequest, key WorkKey, gen GenerateFunc) (PreviewResult, error) {
	hit, err := g.drafts.Lookup(ctx, key)
	if err != nil {
		return PreviewResult{}, err
	}
	if hit != nil {
		return g.reuse(ctx, req, key, *hit)
	}

	if !g.dedup {
		return g.generate(ctx, req, key, gen)
	}

	// The shared generation outlives any single caller, so it runs on a
	// context that keeps values but not cancellation. Each caller still stops
	// waiting when its own context ends. Only the leader returns the fresh
	// draft; followers re-read the stored one.
	leader := false
	shared := context.WithoutCancel(ctx)
	ch := g.inflight.DoChan(string(key), func() (any, error) {
		leader = true
		return g.generate(shared, req, key, gen)
	})

	var r singleflight.Result
	select {
	case <-ctx.Done():
		return PreviewResult{}, ctx.Err()
	case r = <-ch:
	}
	res, _ := r.Val.(PreviewResult)
	if r.Err != nil || leader {
		return res, r.Err
	}
	stored, err := g.drafts.Lookup(ctx, key)
	if err != nil {
		return PreviewResult{}, err
	}
	if stored == nil {
		return res, nil
	}
	return g.reuse(ctx, req, key, *stored)
}

func (g *Governor) reuse(ctx context.Context, req PreviewRequest, key WorkKey, d Draft) (PreviewResult, error) {
	d.ReusedFromWorkKey = key
	d.GeneratedWithAI = false

	if _, err := g.ledger.Record(ctx, RecordRequest{
		TenantID:  req.Scope.TenantID,
		ProjectID: req.Scope.ProjectID,
		Type:      req.RunType,
		AIUsed:    false,
		Reused:    true,
		WorkKey:   key,
		Actor:     req.Actor,
		Metadata:  req.Metadata,
	}); err != nil {
		return PreviewResult{}, err
	}

	g.logger.Debug("draft_reused",
		"tenant_id", req.Scope.TenantID,
		"operation_kind", string(req.Kind),
		"draft_id", d.ID,
	)
	return PreviewResult{Draft: d, GeneratedWithAI: false, Reused: true}, nil
}

func (g *Governor) generate(ctx context.Context, req PreviewRequest, key WorkKey, gen GenerateFunc) (PreviewResult, error) {
	ev, err := g.quota.Evaluate(ctx, req.Scope.TenantID, req.Plan, req.RunType)
	if err != nil {
		return PreviewResult{}, err
	}
	if ev.Blocked() {
		g.logger.Info("generation_blocked_by_quota",
			"tenant_id", req.Scope.TenantID,
			"plan", string(req.Plan),
			"used", ev.Used,
		)
		return PreviewResult{Quota: &ev}, &QuotaExceededError{TenantID: req.Scope.TenantID, Evaluation: ev}
	}
	if ev.Status == QuotaWarning {
		g.logger.Warn("quota_soft_threshold_reached",
			"tenant_id", req.Scope.TenantID,
			"plan", string(req.Plan),
			"used", ev.Used,
			"usage_percent", *ev.UsagePercent,
		)
	}

	start := g.now()
	out, genErr := gen(ctx)
	latency := g.now().Sub(start)

	aiUsed := genErr != nil || out.AIUsed
	if genErr != nil && !providerInvoked(genErr) {
		return PreviewResult{Quota: &ev}, genErr
	}

	run := RecordRequest{
		TenantID:  req.Scope.TenantID,
		ProjectID: req.Scope.ProjectID,
		Type:      req.RunType,
		AIUsed:    aiUsed,
		WorkKey:   key,
		Model:     out.Model,
		Latency:   latency,
		Actor:     req.Actor,
		Metadata:  req.Metadata,
	}
	if genErr != nil {
		run.Metadata = withError(req.Metadata, genErr)
		if _, err := g.ledger.Record(ctx, run); err != nil {
			return PreviewResult{Quota: &ev}, errors.Join(genErr, err)
		}
		return PreviewResult{Quota: &ev, Latency: latency}, genErr
	}

	d, err := g.drafts.Store(ctx, req.Scope, key, out.Payload, aiUsed, req.TTL)
	if err != nil {
		// The provider was billed even though persistence failed.
		if _, recErr := g.ledger.Record(ctx, run); recErr != nil {
			return PreviewResult{Quota: &ev}, errors.Join(err, recErr)
		}
		return PreviewResult{Quota: &ev, Latency: latency}, err
	}

	if _, err := g.ledger.Record(ctx, run); err != nil {
		return PreviewResult{Draft: d, GeneratedWithAI: aiUsed, Latency: latency, Quota: &ev}, err
	}

	g.logger.Info("draft_generated",
		"tenant_id", req.Scope.TenantID,
		"operation_kind", string(req.Kind),
		"draft_id", d.ID,
		"model", out.Model,
		"latency_ms", latency.Milliseconds(),
	)
	return PreviewResult{Draft: d, GeneratedWithAI: aiUsed, Latency: latency, Quota: &ev}, nil
}

// EvaluateQuota evaluates tenant on plan for action.
func (g *Governor) EvaluateQuota(ctx context.Context, tenantID string, plan Plan, action RunType) (QuotaEvaluation, error) {
	return g.quota.Evaluate(ctx, tenantID, plan, action)
}

// RecordRun appends a usage run, e.g. for apply operations.
func (g *Governor) RecordRun(ctx context.Context, req RecordRequest) (UsageRun, error) {
	return g.ledger.Record(ctx, req)
}

// Summarize aggregates tenant usage over w.
func (g *Governor) Summarize(ctx context.Context, tenantID string, w Window) (Summary, error) {
	return g.ledger.Summarize(ctx, tenantID, w)
}

// ListRuns lists recent runs of tenant.
func (g *Governor) ListRuns(ctx context.Context, tenantID string, f RunFilter, limit int) ([]RunView, error) {
	return g.ledger.ListRuns(ctx, tenantID, f, limit)
}

// ResetQuota records an administrative reset offset for the current month.
func (g *Governor) ResetQuota(ctx context.Context, tenantID string, amount int64, reason, actor string) (QuotaResetOffset, error) {
	return g.quota.Reset(ctx, tenantID, amount, reason, actor)
}

// GenerateWith adapts a Client into a GenerateFunc. build turns the provider
// response into the draft payload.
func GenerateWith(c *Client, req GenerateRequest, build func(GenerateResult) (json.RawMessage, error)) GenerateFunc {
	return func(ctx context.Context) (Generation, error) {
		res, err := c.Generate(ctx, req)
		if err != nil {
			return Generation{AIUsed: true}, err
		}
		payload, err := build(res)
		if err != nil {
			return Generation{Model: res.Model, AIUsed: true}, fmt.Errorf("draftguard: build payload: %w", err)
		}
		return Generation{Payload: payload, Model: res.Model, AIUsed: true}, nil
	}
}

func withError(m map[string]any, err error) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["error"] = err.Error()
	var fe *FallbackError
	if errors.As(err, &fe) {
		tried := make([]any, 0, len(fe.Tried))
		for _, t := range fe.Tried {
			tried = append(tried, t)
		}
		out["tried_models"] = tried
	}
	return out
}
