// Package memory provides in-memory draft, run and offset stores for
// single-process deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/draftguard"
)

// Store keeps drafts, usage runs and reset offsets in memory.
type Store struct {
	mu      sync.RWMutex
	drafts  map[draftguard.WorkKey][]draftguard.Draft
	runs    []draftguard.UsageRun
	offsets map[offsetKey][]draftguard.QuotaResetOffset
}

type offsetKey struct {
	tenantID string
	month    string
}

var (
	_ draftguard.DraftStore  = (*Store)(nil)
	_ draftguard.RunStore    = (*Store)(nil)
	_ draftguard.OffsetStore = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		drafts:  make(map[draftguard.WorkKey][]draftguard.Draft),
		offsets: make(map[offsetKey][]draftguard.QuotaResetOffset),
	}
}

// FindLive returns the newest draft for key that is live at now.
func (s *Store) FindLive(_ context.Context, key draftguard.WorkKey, now time.Time) (*draftguard.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *draftguard.Draft
	for i := range s.drafts[key] {
		d := s.drafts[key][i]
		if !d.LiveAt(now) {
			continue
		}
		if best == nil || d.CreatedAt.After(best.CreatedAt) {
			best = &d
		}
	}
	return best, nil
}

// InsertDraft stores d.
func (s *Store) InsertDraft(_ context.Context, d draftguard.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drafts[d.WorkKey] = append(s.drafts[d.WorkKey], d)
	return nil
}

// PurgeExpired drops drafts expired at now and returns how many were removed.
func (s *Store) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, list := range s.drafts {
		kept := list[:0]
		for _, d := range list {
			if d.LiveAt(now) {
				kept = append(kept, d)
				continue
			}
			removed++
		}
		if len(kept) == 0 {
			delete(s.drafts, key)
			continue
		}
		s.drafts[key] = kept
	}
	return removed
}

// AppendRun stores run.
func (s *Store) AppendRun(_ context.Context, run draftguard.UsageRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, run)
	return nil
}

// ListRuns returns the runs matching q, newest first.
func (s *Store) ListRuns(_ context.Context, q draftguard.RunQuery) ([]draftguard.UsageRun, error) {
	s.mu.RLock()
	var out []draftguard.UsageRun
	for _, r := range s.runs {
		if matches(r, q) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// CountAIRuns counts AI runs of tenantID in [from, to).
func (s *Store) CountAIRuns(_ context.Context, tenantID string, from, to time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, r := range s.runs {
		if r.AIUsed && matches(r, draftguard.RunQuery{TenantID: tenantID, From: from, To: to}) {
			n++
		}
	}
	return n, nil
}

// AddOffset stores a reset offset.
func (s *Store) AddOffset(_ context.Context, o draftguard.QuotaResetOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := offsetKey{tenantID: o.TenantID, month: o.Month}
	s.offsets[k] = append(s.offsets[k], o)
	return nil
}

// SumOffsets sums the offsets of tenantID for month.
func (s *Store) SumOffsets(_ context.Context, tenantID, month string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, o := range s.offsets[offsetKey{tenantID: tenantID, month: month}] {
		sum += o.Amount
	}
	return sum, nil
}

func matches(r draftguard.UsageRun, q draftguard.RunQuery) bool {
	if q.TenantID != "" && r.TenantID != q.TenantID {
		return false
	}
	if q.ProjectID != "" && r.ProjectID != q.ProjectID {
		return false
	}
	if q.Type != "" && r.Type != q.Type {
		return false
	}
	if !q.From.IsZero() && r.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !r.CreatedAt.Before(q.To) {
		return false
	}
	return true
}
