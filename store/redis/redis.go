// Package redis provides Redis-backed draft and reset-offset stores.
//
// Each work key holds its newest draft as JSON in a hash that Redis expires on
// its own. Offsets are kept in a per-tenant hash updated by a Lua script. Usage runs
// need range queries and belong in store/postgres.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/draftguard"
)

// Store is a Redis-backed DraftStore and OffsetStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ draftguard.DraftStore  = (*Store)(nil)
	_ draftguard.OffsetStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "draftguard:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "draftguard:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) draftKey(key draftguard.WorkKey) string {
	return s.keyPrefix + "draft:" + string(key)
}

func (s *Store) offsetsKey(tenantID string) string {
	return s.keyPrefix + "offsets:" + tenantID
}

func (s *Store) offsetLogKey(tenantID, month string) string {
	return s.keyPrefix + "offsets:" + tenantID + ":" + month + ":log"
}

// insertDraftScript keeps the newest draft per work key.
// KEYS[1] = draft key
// ARGV[1] = draft JSON
// ARGV[2] = created_at (unix ms)
// ARGV[3] = expires_at (unix ms, 0 = never)
//
// Returns 1 when stored, 0 when a newer draft already exists.
var insertDraftScript = goredis.NewScript(`
local key = KEYS[1]
local created = tonumber(ARGV[2])
local expires = tonumber(ARGV[3])

local current = redis.call("HGET", key, "created_at")
if current and tonumber(current) > created then
    return 0
end

redis.call("DEL", key)
redis.call("HSET", key, "draft", ARGV[1], "created_at", ARGV[2])
if expires > 0 then
    redis.call("PEXPIREAT", key, expires)
end
return 1
`)

// addOffsetScript atomically logs an offset and bumps the month total.
// KEYS[1] = tenant offsets hash
// KEYS[2] = month log list
// ARGV[1] = month
// ARGV[2] = amount
// ARGV[3] = offset JSON
var addOffsetScript = goredis.NewScript(`
redis.call("HINCRBY", KEYS[1], ARGV[1], tonumber(ARGV[2]))
redis.call("RPUSH", KEYS[2], ARGV[3])
return 1
`)

// FindLive returns the stored draft for key if it is live at now.
func (s *Store) FindLive(ctx context.Context, key draftguard.WorkKey, now time.Time) (*draftguard.Draft, error) {
	raw, err := s.client.HGet(ctx, s.draftKey(key), "draft").Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("draftguard/redis: find draft: %w", err)
	}

	var d draftguard.Draft
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("draftguard/redis: decode draft: %w", err)
	}
	// Redis expiry has millisecond resolution and its own clock.
	if !d.LiveAt(now) {
		return nil, nil
	}
	return &d, nil
}

// InsertDraft stores d, replacing an older draft for the same key.
func (s *Store) InsertDraft(ctx context.Context, d draftguard.Draft) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("draftguard/redis: encode draft: %w", err)
	}

	var expires int64
	if d.ExpiresAt != nil {
		expires = d.ExpiresAt.UnixMilli()
	}

	_, err = insertDraftScript.Run(ctx, s.client,
		[]string{s.draftKey(d.WorkKey)},
		string(raw), d.CreatedAt.UnixMilli(), expires,
	).Int64()
	if err != nil {
		return fmt.Errorf("draftguard/redis: insert draft: %w", err)
	}
	return nil
}

// AddOffset records o.
func (s *Store) AddOffset(ctx context.Context, o draftguard.QuotaResetOffset) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("draftguard/redis: encode offset: %w", err)
	}
	_, err = addOffsetScript.Run(ctx, s.client,
		[]string{s.offsetsKey(o.TenantID), s.offsetLogKey(o.TenantID, o.Month)},
		o.Month, o.Amount, string(raw),
	).Result()
	if err != nil {
		return fmt.Errorf("draftguard/redis: add offset: %w", err)
	}
	return nil
}

// SumOffsets returns the offset total of tenantID for month.
func (s *Store) SumOffsets(ctx context.Context, tenantID, month string) (int64, error) {
	sum, err := s.client.HGet(ctx, s.offsetsKey(tenantID), month).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("draftguard/redis: sum offsets: %w", err)
	}
	return sum, nil
}

// Offsets returns the offsets logged for tenantID in month, oldest first.
func (s *Store) Offsets(ctx context.Context, tenantID, month string) ([]draftguard.QuotaResetOffset, error) {
	raws, err := s.client.LRange(ctx, s.offsetLogKey(tenantID, month), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("draftguard/redis: list offsets: %w", err)
	}
	out := make([]draftguard.QuotaResetOffset, 0, len(raws))
	for _, raw := range raws {
		var o draftguard.QuotaResetOffset
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("draftguard/redis: decode offset: %w", err)
		}
		out = append(out, o)
	}
	return out, nil
}
