// SPDX-License-Identifier: MIT

package coord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotsense/spotsense/internal/model"
)

func setup(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewFromClient(client)
}

func TestClaimNonce(t *testing.T) {
	mr, s := setup(t)
	ctx := context.Background()

	ok, err := s.ClaimNonce(ctx, "t1", "n1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Replay within the window is rejected.
	ok, err = s.ClaimNonce(ctx, "t1", "n1", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same nonce under a different tenant is independent.
	ok, err = s.ClaimNonce(ctx, "t2", "n1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// After the TTL the nonce may be claimed again.
	mr.FastForward(6 * time.Minute)
	ok, err = s.ClaimNonce(ctx, "t1", "n1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDebounceRoundTrip(t *testing.T) {
	_, s := setup(t)
	ctx := context.Background()

	st, err := s.GetDebounce(ctx, "t1", "sp1")
	require.NoError(t, err)
	assert.Equal(t, DebounceState{}, st)

	now := time.Now().UTC().Truncate(time.Second)
	want := DebounceState{
		Pending:      model.OccupancyOccupied,
		PendingCount: 1,
		PendingAt:    now,
		LastReading:  now,
	}
	require.NoError(t, s.SetDebounce(ctx, "t1", "sp1", want))

	got, err := s.GetDebounce(ctx, "t1", "sp1")
	require.NoError(t, err)
	assert.Equal(t, want.Pending, got.Pending)
	assert.Equal(t, want.PendingCount, got.PendingCount)
	assert.True(t, want.PendingAt.Equal(got.PendingAt))
}

func TestLockExclusion(t *testing.T) {
	_, s := setup(t)
	ctx := context.Background()

	release, ok, err := s.AcquireLock(ctx, "space:sp1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.AcquireLock(ctx, "space:sp1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()

	_, ok, err = s.AcquireLock(ctx, "space:sp1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpiryTakeover(t *testing.T) {
	mr, s := setup(t)
	ctx := context.Background()

	_, ok, err := s.AcquireLock(ctx, "job:expiry", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	_, ok, err = s.AcquireLock(ctx, "job:expiry", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenewLock(t *testing.T) {
	_, s := setup(t)
	ctx := context.Background()

	_, ok, err := s.AcquireLock(ctx, "job:sweep", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := s.RenewLock(ctx, "job:sweep", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)

	held, err = s.RenewLock(ctx, "job:sweep", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestTokenBucket(t *testing.T) {
	_, s := setup(t)
	ctx := context.Background()

	// burst of 3 at 1/s: first three draws pass, the fourth is throttled.
	for i := 0; i < 3; i++ {
		ok, _, err := s.TakeToken(ctx, "tenant:t1", 1, 3)
		require.NoError(t, err)
		assert.True(t, ok, "draw %d", i)
	}
	ok, retry, err := s.TakeToken(ctx, "tenant:t1", 1, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
}

func TestPolicyVersion(t *testing.T) {
	_, s := setup(t)
	ctx := context.Background()

	v, err := s.PolicyVersion(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = s.BumpPolicyVersion(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.PolicyVersion(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestDisplayCache(t *testing.T) {
	_, s := setup(t)
	ctx := context.Background()

	_, found, err := s.GetLastDisplay(ctx, "AABBCCDD00112233")
	require.NoError(t, err)
	assert.False(t, found)

	entry := DisplayCacheEntry{Payload: []byte{0xFF, 0, 0, 100, 0}, Port: 15, SeenAt: time.Now()}
	require.NoError(t, s.SetLastDisplay(ctx, "AABBCCDD00112233", entry))

	got, found, err := s.GetLastDisplay(ctx, "AABBCCDD00112233")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.Equal(t, uint8(15), got.Port)
}
