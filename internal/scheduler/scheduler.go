// SPDX-License-Identifier: MIT

// Package scheduler runs the periodic background jobs behind short Redis
// leases, so a job ticks on exactly one replica at a time.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/spotsense/spotsense/internal/coord"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// LeaseTTL bounds a run; it defaults to twice the interval so a crashed
	// holder's lease expires before two ticks pass elsewhere.
	LeaseTTL time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives a set of jobs until its context ends.
type Scheduler struct {
	coord  *coord.Store
	holder string
	jobs   []Job
	logger zerolog.Logger
}

// New creates a scheduler with a process-unique holder identity.
func New(cs *coord.Store) *Scheduler {
	return &Scheduler{
		coord:  cs,
		holder: uuid.NewString(),
		logger: log.WithComponent("scheduler"),
	}
}

// Add registers a job. Call before Run.
func (s *Scheduler) Add(job Job) {
	if job.LeaseTTL <= 0 {
		job.LeaseTTL = 2 * job.Interval
	}
	s.jobs = append(s.jobs, job)
}

// Run ticks every job on its own interval. It returns when the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		job := job
		g.Go(func() error {
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					s.tick(ctx, job)
				}
			}
		})
	}
	return g.Wait()
}

// tick acquires the job lease and runs the job. Losing the lease race is
// the normal case on all but one replica.
func (s *Scheduler) tick(ctx context.Context, job Job) {
	release, ok, err := s.coord.AcquireLock(ctx, "job:"+job.Name, s.holder, job.LeaseTTL)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldJobName, job.Name).Msg("job lease unavailable")
		return
	}
	if !ok {
		return
	}
	defer release()

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, job.LeaseTTL)
	err = job.Run(runCtx)
	cancel()
	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.JobRuns.WithLabelValues(job.Name, "error").Inc()
		s.logger.Error().Err(err).
			Str(log.FieldEvent, "job.failed").
			Str(log.FieldJobName, job.Name).
			Dur("elapsed", time.Since(start)).
			Msg("background job failed")
		return
	}
	metrics.JobRuns.WithLabelValues(job.Name, "ok").Inc()
	s.logger.Debug().
		Str(log.FieldEvent, "job.completed").
		Str(log.FieldJobName, job.Name).
		Dur("elapsed", time.Since(start)).
		Msg("background job completed")
}
