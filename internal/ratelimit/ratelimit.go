// SPDX-License-Identifier: MIT

// Package ratelimit enforces the platform's token-bucket limits on top of
// the Redis coordination store, so every replica draws from the same
// buckets.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/coord"
	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
)

// Bucket names label the metric and prefix the Redis keys.
const (
	BucketTenantIngest = "tenant_ingest"
	BucketGateway      = "gateway"
	BucketAuthIP       = "auth_ip"
	BucketOrphan       = "orphan"
	BucketDownlink     = "downlink_tenant"
)

// Limit is one bucket's refill rate and burst capacity.
type Limit struct {
	Rate  float64 // tokens per second
	Burst int
}

// Limiter answers allow/deny for a (bucket, subject) pair.
type Limiter struct {
	coord  *coord.Store
	limits map[string]Limit
	logger zerolog.Logger
}

// New builds a limiter with per-bucket limits.
func New(cs *coord.Store, limits map[string]Limit) *Limiter {
	return &Limiter{
		coord:  cs,
		limits: limits,
		logger: log.WithComponent("ratelimit"),
	}
}

// Allow takes one token from the bucket for subject. A denial returns a
// RateLimited fault carrying the retry-after hint. Unknown buckets and a
// lost Redis backend both allow.
func (l *Limiter) Allow(ctx context.Context, bucket, subject string) error {
	limit, ok := l.limits[bucket]
	if !ok {
		return nil
	}
	allowed, retryAfter, err := l.coord.TakeToken(ctx, bucket+":"+subject, limit.Rate, limit.Burst)
	if err != nil {
		l.logger.Warn().Err(err).
			Str(log.FieldEvent, "ratelimit.backend_error").
			Str("bucket", bucket).
			Msg("limiter backend unavailable, failing open")
		return nil
	}
	if allowed {
		return nil
	}
	metrics.RateLimitExceeded.WithLabelValues(bucket).Inc()
	l.logger.Debug().
		Str(log.FieldEvent, "ratelimit.exceeded").
		Str("bucket", bucket).
		Str("subject", subject).
		Dur("retry_after", retryAfter).
		Msg("rate limit exceeded")
	return fault.Throttled(bucket, retryAfter)
}

// RetryAfter extracts the retry hint from a limiter denial, zero otherwise.
func RetryAfter(err error) time.Duration {
	if fe, ok := fault.As(err); ok {
		return fe.RetryAfter
	}
	return 0
}
