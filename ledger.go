package draftguard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RunType categorizes a governed operation.
type RunType string

const (
	RunPreviewGeneration RunType = "preview_generation"
	RunDraftGeneration   RunType = "draft_generation"
	RunApply             RunType = "apply"
)

// Valid reports whether t is a known run type.
func (t RunType) Valid() bool {
	switch t {
	case RunPreviewGeneration, RunDraftGeneration, RunApply:
		return true
	default:
		return false
	}
}

// UsageRun is one ledger entry.
type UsageRun struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ProjectID string         `json:"project_id,omitempty"`
	Type      RunType        `json:"type"`
	AIUsed    bool           `json:"ai_used"`
	Reused    bool           `json:"reused"`
	WorkKey   WorkKey        `json:"work_key,omitempty"`
	Model     string         `json:"model,omitempty"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ViolatesApplyInvariant reports an apply run that claims AI usage.
func (r UsageRun) ViolatesApplyInvariant() bool {
	return r.Type == RunApply && r.AIUsed
}

// RunQuery selects runs from a RunStore. Zero fields are unconstrained.
type RunQuery struct {
	TenantID  string
	ProjectID string
	Type      RunType
	From      time.Time // inclusive
	To        time.Time // exclusive
	Limit     int       // 0 = no limit
}

// RunStore persists usage runs.
type RunStore interface {
	// AppendRun writes a run.
	AppendRun(ctx context.Context, run UsageRun) error

	// ListRuns returns matching runs, newest first.
	ListRuns(ctx context.Context, q RunQuery) ([]UsageRun, error)

	// CountAIRuns counts runs with AIUsed in [from, to).
	CountAIRuns(ctx context.Context, tenantID string, from, to time.Time) (int64, error)
}

// RecordRequest is the input of Ledger.Record.
type RecordRequest struct {
	TenantID  string
	ProjectID string
	Type      RunType
	AIUsed    bool
	Reused    bool
	WorkKey   WorkKey
	Model     string
	Latency   time.Duration
	Actor     string
	Metadata  map[string]any
}

// Window is a [From, To) time range. Zero means the current calendar month.
type Window struct {
	From time.Time
	To   time.Time
}

// Summary aggregates runs of one tenant over a window.
type Summary struct {
	TenantID    string            `json:"tenant_id"`
	From        time.Time         `json:"from"`
	To          time.Time         `json:"to"`
	TotalRuns   int64             `json:"total_runs"`
	TotalAIRuns int64             `json:"total_ai_runs"`
	PerTypeRuns map[RunType]int64 `json:"per_type_runs"`
	ApplyAIRuns int64             `json:"apply_ai_runs"`
	ReusedRuns  int64             `json:"reused_runs"`

	// AIRunsAvoided counts AI calls avoided by cache hits. It equals
	// ReusedRuns until token-level accounting exists.
	AIRunsAvoided int64 `json:"ai_runs_avoided"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ProjectID string
	Type      RunType
	Window    Window
}

// RunView is the listing projection of a run.
type RunView struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id,omitempty"`
	Type      RunType        `json:"type"`
	AIUsed    bool           `json:"ai_used"`
	Reused    bool           `json:"reused"`
	Model     string         `json:"model,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Aggregate folds runs into a summary in a single pass. Apply runs that used
// AI are counted, not dropped, and returned as violations.
func Aggregate(runs []UsageRun) (Summary, []UsageRun) {
	s := Summary{PerTypeRuns: make(map[RunType]int64)}
	var violations []UsageRun

	for _, r := range runs {
		s.TotalRuns++
		s.PerTypeRuns[r.Type]++
		if r.AIUsed {
			s.TotalAIRuns++
		}
		if r.Reused {
			s.ReusedRuns++
		}
		if r.ViolatesApplyInvariant() {
			s.ApplyAIRuns++
			violations = append(violations, r)
		}
	}
	s.AIRunsAvoided = s.ReusedRuns
	return s, violations
}

// Ledger records and aggregates usage runs.
type Ledger struct {
	store       RunStore
	meter       Meter
	logger      *slog.Logger
	now         func() time.Time
	strictApply bool
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerMeter sets the meter.
func WithLedgerMeter(m Meter) LedgerOption {
	return func(l *Ledger) { l.meter = m }
}

// WithLedgerLogger sets the logger.
func WithLedgerLogger(lg *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = lg }
}

// WithLedgerClock overrides the time source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithStrictApplyInvariant rejects apply runs that used AI instead of only
// logging them.
func WithStrictApplyInvariant() LedgerOption {
	return func(l *Ledger) { l.strictApply = true }
}

// NewLedger creates a Ledger backed by store.
func NewLedger(store RunStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:  store,
		meter:  noopMeter{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying run store.
func (l *Ledger) Store() RunStore {
	return l.store
}

// Record appends a run. Metadata is redacted first. An apply run with AI
// usage is logged at error level and still written, unless strict mode is on.
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (UsageRun, error) {
	if req.TenantID == "" {
		return UsageRun{}, fmt.Errorf("draftguard: record run: tenant id is required")
	}
	if !req.Type.Valid() {
		return UsageRun{}, fmt.Errorf("draftguard: record run: unknown run type %q", req.Type)
	}

	run := UsageRun{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		ProjectID: req.ProjectID,
		Type:      req.Type,
		AIUsed:    req.AIUsed,
		Reused:    req.Reused,
		WorkKey:   req.WorkKey,
		Model:     req.Model,
		LatencyMs: req.Latency.Milliseconds(),
		Actor:     req.Actor,
		Metadata:  RedactMetadata(req.Metadata),
		CreatedAt: l.now().UTC(),
	}

	violation := run.ViolatesApplyInvariant()
	if violation {
		l.logger.Error("run_invariant_violation",
			"stage", "record",
			"tenant_id", run.TenantID,
			"project_id", run.ProjectID,
			"run_id", run.ID,
			"strict", l.strictApply,
		)
		if l.strictApply {
			l.meter.OnRun(RunEvent{TenantID: run.TenantID, Type: run.Type, AIUsed: true, Violation: true, Rejected: true})
			return UsageRun{}, ErrApplyUsedAI
		}
	}

	if err := l.store.AppendRun(ctx, run); err != nil {
		return UsageRun{}, fmt.Errorf("draftguard: append run: %w", err)
	}

	l.meter.OnRun(RunEvent{
		TenantID:  run.TenantID,
		Type:      run.Type,
		AIUsed:    run.AIUsed,
		Reused:    run.Reused,
		Violation: violation,
	})
	return run, nil
}

// Summarize aggregates the tenant's runs over w. A zero window means the
// current calendar month.
func (l *Ledger) Summarize(ctx context.Context, tenantID string, w Window) (Summary, error) {
	w = l.resolveWindow(w)

	runs, err := l.store.ListRuns(ctx, RunQuery{TenantID: tenantID, From: w.From, To: w.To})
	if err != nil {
		return Summary{}, fmt.Errorf("draftguard: list runs: %w", err)
	}

	s, violations := Aggregate(runs)
	s.TenantID = tenantID
	s.From = w.From
	s.To = w.To

	for _, v := range violations {
		l.logger.Error("run_invariant_violation",
			"stage", "summarize",
			"tenant_id", tenantID,
			"project_id", v.ProjectID,
			"run_id", v.ID,
			"created_at", v.CreatedAt,
		)
	}
	return s, nil
}

// ListRuns returns up to limit runs of tenant, newest first. limit is clamped
// to [1, 100]; 0 means 20.
func (l *Ledger) ListRuns(ctx context.Context, tenantID string, f RunFilter, limit int) ([]RunView, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	runs, err := l.store.ListRuns(ctx, RunQuery{
		TenantID:  tenantID,
		ProjectID: f.ProjectID,
		Type:      f.Type,
		From:      f.Window.From,
		To:        f.Window.To,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("draftguard: list runs: %w", err)
	}

	views := make([]RunView, 0, len(runs))
	for _, r := range runs {
		views = append(views, RunView{
			ID:        r.ID,
			ProjectID: r.ProjectID,
			Type:      r.Type,
			AIUsed:    r.AIUsed,
			Reused:    r.Reused,
			Model:     r.Model,
			Actor:     r.Actor,
			Metadata:  r.Metadata,
			CreatedAt: r.CreatedAt,
		})
	}
	return views, nil
}

func (l *Ledger) resolveWindow(w Window) Window {
	if w.From.IsZero() && w.To.IsZero() {
		p := MonthOf(l.now())
		return Window{From: p.Start, To: p.End}
	}
	if w.To.IsZero() {
		w.To = l.now().UTC().Add(time.Nanosecond)
	}
	return w
}
