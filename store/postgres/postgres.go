// Package postgres provides a PostgreSQL-backed store for drafts, usage runs
// and quota reset offsets.
//
// All three live in prefixed tables, which makes the store safe to share
// between instances and durable across restarts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/draftguard"
)

// Store is a PostgreSQL-backed DraftStore, RunStore and OffsetStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ draftguard.DraftStore  = (*Store)(nil)
	_ draftguard.RunStore    = (*Store)(nil)
	_ draftguard.OffsetStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "draftguard_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "draftguard_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) draftsTable() string  { return s.tablePrefix + "drafts" }
func (s *Store) runsTable() string    { return s.tablePrefix + "usage_runs" }
func (s *Store) offsetsTable() string { return s.tablePrefix + "quota_offsets" }

// EnsureSchema creates the required tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			subject_id TEXT NOT NULL DEFAULT '',
			work_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			generated_with_ai BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS %[1]s_work_key_idx ON %[1]s (work_key, created_at DESC);

		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			run_type TEXT NOT NULL,
			ai_used BOOLEAN NOT NULL,
			reused BOOLEAN NOT NULL,
			work_key TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			actor TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_tenant_created_idx ON %[2]s (tenant_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			month TEXT NOT NULL,
			amount BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_tenant_month_idx ON %[3]s (tenant_id, month);
	`, s.draftsTable(), s.runsTable(), s.offsetsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("draftguard/postgres: ensure schema: %w", err)
	}
	return nil
}

// FindLive returns the newest draft for key that is live at now, or nil.
func (s *Store) FindLive(ctx context.Context, key draftguard.WorkKey, now time.Time) (*draftguard.Draft, error) {
	var (
		d       draftguard.Draft
		payload []byte
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, tenant_id, project_id, subject_id, work_key, payload, generated_with_ai, created_at, expires_at
			FROM %s
			WHERE work_key = $1 AND (expires_at IS NULL OR expires_at > $2)
			ORDER BY created_at DESC
			LIMIT 1`, s.draftsTable()),
		string(key), now.UTC(),
	).Scan(&d.ID, &d.Scope.TenantID, &d.Scope.ProjectID, &d.Scope.SubjectID,
		&d.WorkKey, &payload, &d.GeneratedWithAI, &d.CreatedAt, &d.ExpiresAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("draftguard/postgres: find draft: %w", err)
	}
	d.Payload = json.RawMessage(payload)
	return &d, nil
}

// InsertDraft persists d.
func (s *Store) InsertDraft(ctx context.Context, d draftguard.Draft) error {
	payload := []byte(d.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, tenant_id, project_id, subject_id, work_key, payload, generated_with_ai, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.draftsTable()),
		d.ID, d.Scope.TenantID, d.Scope.ProjectID, d.Scope.SubjectID,
		string(d.WorkKey), payload, d.GeneratedWithAI, d.CreatedAt.UTC(), d.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("draftguard/postgres: insert draft: %w", err)
	}
	return nil
}

// PurgeExpired deletes drafts that expired before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.draftsTable()),
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("draftguard/postgres: purge drafts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendRun inserts run.
func (s *Store) AppendRun(ctx context.Context, run draftguard.UsageRun) error {
	var metadata []byte
	if len(run.Metadata) > 0 {
		b, err := json.Marshal(run.Metadata)
		if err != nil {
			return fmt.Errorf("draftguard/postgres: marshal metadata: %w", err)
		}
		metadata = b
	}

	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, tenant_id, project_id, run_type, ai_used, reused, work_key, model, latency_ms, actor, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, s.runsTable()),
		run.ID, run.TenantID, run.ProjectID, string(run.Type), run.AIUsed, run.Reused,
		string(run.WorkKey), run.Model, run.LatencyMs, run.Actor, metadata, run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("draftguard/postgres: append run: %w", err)
	}
	return nil
}

// ListRuns returns the runs matching q, newest first.
func (s *Store) ListRuns(ctx context.Context, q draftguard.RunQuery) ([]draftguard.UsageRun, error) {
	where, args := runFilter(q)
	stmt := fmt.Sprintf(`SELECT id, tenant_id, project_id, run_type, ai_used, reused, work_key, model, latency_ms, actor, metadata, created_at
		FROM %s%s
		ORDER BY created_at DESC`, s.runsTable(), where)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("draftguard/postgres: list runs: %w", err)
	}
	defer rows.Close()

	var out []draftguard.UsageRun
	for rows.Next() {
		var (
			r        draftguard.UsageRun
			runType  string
			workKey  string
			metadata []byte
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ProjectID, &runType, &r.AIUsed, &r.Reused,
			&workKey, &r.Model, &r.LatencyMs, &r.Actor, &metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("draftguard/postgres: scan run: %w", err)
		}
		r.Type = draftguard.RunType(runType)
		r.WorkKey = draftguard.WorkKey(workKey)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
				return nil, fmt.Errorf("draftguard/postgres: decode metadata: %w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("draftguard/postgres: list runs: %w", err)
	}
	return out, nil
}

// CountAIRuns counts AI runs of tenantID in [from, to).
func (s *Store) CountAIRuns(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s
			WHERE tenant_id = $1 AND ai_used AND created_at >= $2 AND created_at < $3`, s.runsTable()),
		tenantID, from.UTC(), to.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("draftguard/postgres: count ai runs: %w", err)
	}
	return n, nil
}

// AddOffset inserts a reset offset.
func (s *Store) AddOffset(ctx context.Context, o draftguard.QuotaResetOffset) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, tenant_id, month, amount, reason, actor, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.offsetsTable()),
		o.ID, o.TenantID, o.Month, o.Amount, o.Reason, o.Actor, o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("draftguard/postgres: add offset: %w", err)
	}
	return nil
}

// SumOffsets sums the offsets of tenantID for month.
func (s *Store) SumOffsets(ctx context.Context, tenantID, month string) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(SUM(amount), 0) FROM %s WHERE tenant_id = $1 AND month = $2`, s.offsetsTable()),
		tenantID, month,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("draftguard/postgres: sum offsets: %w", err)
	}
	return sum, nil
}

func runFilter(q draftguard.RunQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.TenantID != "" {
		add("tenant_id = $%d", q.TenantID)
	}
	if q.ProjectID != "" {
		add("project_id = $%d", q.ProjectID)
	}
	if q.Type != "" {
		add("run_type = $%d", string(q.Type))
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From.UTC())
	}
	if !q.To.IsZero() {
		add("created_at < $%d", q.To.UTC())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
