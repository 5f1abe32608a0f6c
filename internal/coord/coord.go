// SPDX-License-Identifier: MIT

// Package coord is the redis-backed coordination store. Everything it holds
// is reconstructible from the durable store: dedup nonces, debounce state,
// token buckets, per-space and per-job locks, the last-known display cache,
// and the policy version counter. A cold start loses nothing that a single
// reconciliation sweep cannot restore.
package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/model"
)

// Store wraps the redis client with the coordination-store key schema.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// Config holds redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to redis and returns a Store.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("coord")
	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to coordination store")

	return &Store{client: client, logger: logger}, nil
}

// NewFromClient wraps an existing client; used by tests with miniredis.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client, logger: zerolog.Nop()}
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }

// Ping checks store availability; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ---- webhook nonce dedup ----

// ClaimNonce records a webhook nonce for the replay window. It returns false
// when the nonce was already seen, which callers must treat as a replay.
func (s *Store) ClaimNonce(ctx context.Context, tenantID, nonce string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("nonce:%s:%s", tenantID, nonce)
	ok, err := s.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return ok, nil
}

// ---- debounce state ----

// DebounceState is the per-space hysteresis record.
type DebounceState struct {
	Pending      model.Occupancy `json:"pending,omitempty"`
	PendingCount int             `json:"pending_count,omitempty"`
	PendingAt    time.Time       `json:"pending_at,omitempty"`
	Stable       model.Occupancy `json:"stable,omitempty"`
	StableAt     time.Time       `json:"stable_at,omitempty"`
	// LastPresence is the most recent stable occupied/vacant value. It
	// survives a stable transition to unknown so the hold rule has
	// something to hold.
	LastPresence model.Occupancy `json:"last_presence,omitempty"`
	LastReading  time.Time       `json:"last_reading,omitempty"`
}

func debounceKey(tenantID, spaceID string) string {
	return fmt.Sprintf("debounce:%s:%s", tenantID, spaceID)
}

// GetDebounce loads the debounce state for a space. A missing key returns a
// zero state.
func (s *Store) GetDebounce(ctx context.Context, tenantID, spaceID string) (DebounceState, error) {
	var st DebounceState
	raw, err := s.client.Get(ctx, debounceKey(tenantID, spaceID)).Bytes()
	if err == redis.Nil {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("get debounce: %w", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		// Corrupt state is reconstructible; start over.
		s.logger.Warn().Err(err).Str("space_id", spaceID).Msg("corrupt debounce state, resetting")
		return DebounceState{}, nil
	}
	return st, nil
}

// SetDebounce stores the debounce state for a space.
func (s *Store) SetDebounce(ctx context.Context, tenantID, spaceID string, st DebounceState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal debounce: %w", err)
	}
	if err := s.client.Set(ctx, debounceKey(tenantID, spaceID), raw, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("set debounce: %w", err)
	}
	return nil
}

// ---- per-space and per-job locks ----

// AcquireLock takes a short lease on name. It returns a release function on
// success and false when another holder owns the lease. Expired leases are
// taken over implicitly via the TTL.
func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (func(), bool, error) {
	key := "lock:" + name
	ok, err := s.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Release only if we still hold it; a TTL takeover must not be undone.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, s.client, []string{key}, holder).Err()
	}
	return release, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RenewLock extends a held lease. Returns false if the lease was lost.
func (s *Store) RenewLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, s.client, []string{"lock:" + name}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", name, err)
	}
	return res == 1, nil
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ---- last-known display cache ----

// DisplayCacheEntry records what a display device last reported showing.
type DisplayCacheEntry struct {
	Payload   []byte    `json:"payload"`
	Port      uint8     `json:"port"`
	SeenAt    time.Time `json:"seen_at"`
}

func displayKey(eui string) string { return "display:last:" + eui }

// SetLastDisplay caches the decoded display status from a dual-role uplink.
func (s *Store) SetLastDisplay(ctx context.Context, eui string, entry DisplayCacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal display cache: %w", err)
	}
	if err := s.client.Set(ctx, displayKey(eui), raw, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("set display cache: %w", err)
	}
	return nil
}

// GetLastDisplay returns the cached display status, if any.
func (s *Store) GetLastDisplay(ctx context.Context, eui string) (DisplayCacheEntry, bool, error) {
	var entry DisplayCacheEntry
	raw, err := s.client.Get(ctx, displayKey(eui)).Bytes()
	if err == redis.Nil {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, fmt.Errorf("get display cache: %w", err)
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, false, nil
	}
	return entry, true, nil
}

// ---- policy version ----

// BumpPolicyVersion invalidates cached policies for a tenant.
func (s *Store) BumpPolicyVersion(ctx context.Context, tenantID string) (int64, error) {
	v, err := s.client.Incr(ctx, "policy:ver:"+tenantID).Result()
	if err != nil {
		return 0, fmt.Errorf("bump policy version: %w", err)
	}
	return v, nil
}

// PolicyVersion returns the current policy version for a tenant.
func (s *Store) PolicyVersion(ctx context.Context, tenantID string) (int64, error) {
	v, err := s.client.Get(ctx, "policy:ver:"+tenantID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("policy version: %w", err)
	}
	return v, nil
}
