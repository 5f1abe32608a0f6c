// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotsense/spotsense/internal/coord"
)

func newTestCoord(t *testing.T) *coord.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return coord.NewFromClient(client)
}

func TestSchedulerRunsJobOnTick(t *testing.T) {
	s := New(newTestCoord(t))
	var runs atomic.Int32
	s.Add(Job{
		Name:     "expiry",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, runs.Load(), int32(0))
}

func TestLeaseExcludesSecondScheduler(t *testing.T) {
	cs := newTestCoord(t)
	a, b := New(cs), New(cs)

	var runs atomic.Int32
	job := Job{
		Name:     "reconcile",
		Interval: 10 * time.Millisecond,
		LeaseTTL: time.Minute, // one holder keeps the lease for the whole test
		Run: func(ctx context.Context) error {
			runs.Add(1)
			<-ctx.Done()
			return nil
		},
	}
	a.Add(job)
	b.Add(job)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	done := make(chan struct{}, 2)
	go func() { _ = a.Run(ctx); done <- struct{}{} }()
	go func() { _ = b.Run(ctx); done <- struct{}{} }()
	<-done
	<-done

	assert.Equal(t, int32(1), runs.Load(), "only one replica may hold the job lease")
}

func TestJobErrorDoesNotStopTicks(t *testing.T) {
	s := New(newTestCoord(t))
	var runs atomic.Int32
	s.Add(Job{
		Name:     "cleanup",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return assert.AnError
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)
	assert.Greater(t, runs.Load(), int32(1))
}
