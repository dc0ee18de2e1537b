package draftguard_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dg "github.com/ineyio/draftguard"
	"github.com/ineyio/draftguard/store/memory"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func TestDraftPolicy_EffectiveTTL(t *testing.T) {
	p := dg.DraftPolicy{DefaultTTL: time.Hour, MaxTTL: 24 * time.Hour}

	assert.Equal(t, time.Hour, p.EffectiveTTL(0))
	assert.Equal(t, 2*time.Hour, p.EffectiveTTL(2*time.Hour))
	assert.Equal(t, 24*time.Hour, p.EffectiveTTL(48*time.Hour))
	assert.Equal(t, time.Duration(0), p.EffectiveTTL(dg.NoExpiry))

	unbounded := dg.DraftPolicy{}
	assert.Equal(t, time.Duration(0), unbounded.EffectiveTTL(0))
	assert.Equal(t, 100*time.Hour, unbounded.EffectiveTTL(100*time.Hour))
}

func TestDraftCache_StoreThenLookup(t *testing.T) {
	clock := newFakeClock(t0)
	cache := dg.NewDraftCache(memory.New(), dg.WithDraftClock(clock.Now))
	ctx := context.Background()
	scope := dg.Scope{TenantID: "t1", ProjectID: "p1"}
	key := dg.DeriveWorkKey(scope.IDs(), dg.KindAnswerDraft, nil, "")

	stored, err := cache.Store(ctx, scope, key, json.RawMessage(`{"text":"hello"}`), true, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	require.NotNil(t, stored.ExpiresAt)
	assert.Equal(t, t0.Add(time.Hour), *stored.ExpiresAt)

	got, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, stored.ID, got.ID)
	assert.JSONEq(t, `{"text":"hello"}`, string(got.Payload))
	assert.True(t, got.GeneratedWithAI)
}

func TestDraftCache_ExpiredIsMiss(t *testing.T) {
	clock := newFakeClock(t0)
	cache := dg.NewDraftCache(memory.New(), dg.WithDraftClock(clock.Now))
	ctx := context.Background()
	key := dg.WorkKey("wk:answer_draft:00")

	_, err := cache.Store(ctx, dg.Scope{TenantID: "t1"}, key, json.RawMessage(`{}`), true, time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	got, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDraftCache_NoExpiry(t *testing.T) {
	clock := newFakeClock(t0)
	cache := dg.NewDraftCache(memory.New(), dg.WithDraftClock(clock.Now))
	ctx := context.Background()
	key := dg.WorkKey("wk:answer_draft:01")

	d, err := cache.Store(ctx, dg.Scope{TenantID: "t1"}, key, json.RawMessage(`{}`), false, dg.NoExpiry)
	require.NoError(t, err)
	assert.Nil(t, d.ExpiresAt)

	clock.Advance(365 * 24 * time.Hour)
	got, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestDraftCache_NewestWins(t *testing.T) {
	clock := newFakeClock(t0)
	cache := dg.NewDraftCache(memory.New(), dg.WithDraftClock(clock.Now))
	ctx := context.Background()
	key := dg.WorkKey("wk:answer_draft:02")

	_, err := cache.Store(ctx, dg.Scope{TenantID: "t1"}, key, json.RawMessage(`{"v":1}`), true, 0)
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := cache.Store(ctx, dg.Scope{TenantID: "t1"}, key, json.RawMessage(`{"v":2}`), true, 0)
	require.NoError(t, err)

	got, err := cache.Lookup(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
}

// laxStore ignores expiry, as a store with a coarse clock might.
type laxStore struct{ d *dg.Draft }

func (s *laxStore) FindLive(context.Context, dg.WorkKey, time.Time) (*dg.Draft, error) {
	return s.d, nil
}
func (s *laxStore) InsertDraft(_ context.Context, d dg.Draft) error { s.d = &d; return nil }

func TestDraftCache_RechecksExpiry(t *testing.T) {
	past := t0.Add(-time.Second)
	store := &laxStore{d: &dg.Draft{ID: "stale", WorkKey: "wk:x:1", ExpiresAt: &past}}
	cache := dg.NewDraftCache(store, dg.WithDraftClock(func() time.Time { return t0 }))

	got, err := cache.Lookup(context.Background(), "wk:x:1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

type failingStore struct{}

func (failingStore) FindLive(context.Context, dg.WorkKey, time.Time) (*dg.Draft, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) InsertDraft(context.Context, dg.Draft) error { return errors.New("read only") }

func TestDraftCache_StoreErrors(t *testing.T) {
	cache := dg.NewDraftCache(failingStore{})
	ctx := context.Background()

	_, err := cache.Lookup(ctx, "wk:x:1")
	assert.ErrorContains(t, err, "connection refused")

	_, err = cache.Store(ctx, dg.Scope{TenantID: "t1"}, "wk:x:1", nil, true, 0)
	assert.ErrorContains(t, err, "read only")

	_, err = cache.Lookup(ctx, "")
	assert.ErrorIs(t, err, dg.ErrInvalidWorkKey)
}
