package draftguard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// NoExpiry stores a draft that never expires.
const NoExpiry time.Duration = -1

// Scope is the ownership of a draft or run.
type Scope struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
}

// IDs returns the scope as an ordered id list for key derivation. Positions
// are fixed so an empty project never shifts the subject into its slot.
func (s Scope) IDs() []string {
	return []string{s.TenantID, s.ProjectID, s.SubjectID}
}

// Draft is one cached generation result. It is never mutated after insert.
type Draft struct {
	ID                string          `json:"id"`
	Scope             Scope           `json:"scope"`
	WorkKey           WorkKey         `json:"work_key"`
	Payload           json.RawMessage `json:"payload"`
	GeneratedWithAI   bool            `json:"generated_with_ai"`
	ReusedFromWorkKey WorkKey         `json:"reused_from_work_key,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
}

// LiveAt reports whether the draft can be served at now: no expiry, or an
// expiry strictly after now.
func (d Draft) LiveAt(now time.Time) bool {
	return d.ExpiresAt == nil || d.ExpiresAt.After(now)
}

// DraftStore persists drafts.
type DraftStore interface {
	// FindLive returns the newest draft for key that is live at now, or nil.
	FindLive(ctx context.Context, key WorkKey, now time.Time) (*Draft, error)

	// InsertDraft persists a new draft row.
	InsertDraft(ctx context.Context, d Draft) error
}

// DraftPolicy configures draft lifetimes.
type DraftPolicy struct {
	// DefaultTTL applies when Store is called with ttl == 0.
	// Zero means drafts stored with the default never expire.
	DefaultTTL time.Duration

	// MaxTTL caps explicit TTLs. Zero means no cap.
	MaxTTL time.Duration
}

// DefaultDraftPolicy keeps drafts for a day, at most a week.
func DefaultDraftPolicy() DraftPolicy {
	return DraftPolicy{
		DefaultTTL: 24 * time.Hour,
		MaxTTL:     7 * 24 * time.Hour,
	}
}

// EffectiveTTL resolves the TTL for a store call. A result <= 0 means no expiry.
func (p DraftPolicy) EffectiveTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	if ttl == 0 {
		ttl = p.DefaultTTL
	}
	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}
	return ttl
}

// DraftCache looks up and stores drafts by work key.
//
// There is no mutual exclusion between callers: two concurrent misses for the
// same key both generate and both insert. Lookup returns the newest live row.
type DraftCache struct {
	store  DraftStore
	policy DraftPolicy
	meter  Meter
	logger *slog.Logger
	now    func() time.Time
}

// DraftCacheOption configures a DraftCache.
type DraftCacheOption func(*DraftCache)

// WithDraftPolicy sets the TTL policy.
func WithDraftPolicy(p DraftPolicy) DraftCacheOption {
	return func(c *DraftCache) { c.policy = p }
}

// WithDraftMeter sets the meter notified on lookups.
func WithDraftMeter(m Meter) DraftCacheOption {
	return func(c *DraftCache) { c.meter = m }
}

// WithDraftLogger sets the logger.
func WithDraftLogger(l *slog.Logger) DraftCacheOption {
	return func(c *DraftCache) { c.logger = l }
}

// WithDraftClock overrides the time source.
func WithDraftClock(now func() time.Time) DraftCacheOption {
	return func(c *DraftCache) { c.now = now }
}

// NewDraftCache creates a DraftCache backed by store.
func NewDraftCache(store DraftStore, opts ...DraftCacheOption) *DraftCache {
	c := &DraftCache{
		store:  store,
		policy: DefaultDraftPolicy(),
		meter:  noopMeter{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns a live draft for key, or nil on miss.
func (c *DraftCache) Lookup(ctx context.Context, key WorkKey) (*Draft, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	d, err := c.store.FindLive(ctx, key, now)
	if err != nil {
		return nil, fmt.Errorf("draftguard: lookup draft: %w", err)
	}
	// Stores filter by expiry already; re-check so a lax store never serves a
	// stale row.
	if d != nil && !d.LiveAt(now) {
		d = nil
	}

	c.meter.OnLookup(LookupEvent{Kind: key.Kind(), Hit: d != nil})
	c.logger.Debug("draft_lookup", "work_key", string(key), "hit", d != nil)
	return d, nil
}

// Store persists a new draft for key. ttl == 0 uses the policy default,
// NoExpiry stores without expiry.
func (c *DraftCache) Store(ctx context.Context, scope Scope, key WorkKey, payload json.RawMessage, generatedWithAI bool, ttl time.Duration) (Draft, error) {
	if err := key.Validate(); err != nil {
		return Draft{}, err
	}

	now := c.now().UTC()
	d := Draft{
		ID:              uuid.New().String(),
		Scope:           scope,
		WorkKey:         key,
		Payload:         payload,
		GeneratedWithAI: generatedWithAI,
		CreatedAt:       now,
	}
	if eff := c.policy.EffectiveTTL(ttl); eff > 0 {
		exp := now.Add(eff)
		d.ExpiresAt = &exp
	}

	if err := c.store.InsertDraft(ctx, d); err != nil {
		return Draft{}, fmt.Errorf("draftguard: store draft: %w", err)
	}
	return d, nil
}
