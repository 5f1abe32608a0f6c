// SPDX-License-Identifier: MIT

package downlink

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/ratelimit"
	"github.com/spotsense/spotsense/internal/store"
)

// Sender is the LNS capability the dispatcher needs.
type Sender interface {
	EnqueueDownlink(ctx context.Context, devEUI string, port uint8, payload []byte, confirmed bool) (string, error)
	FlushQueue(ctx context.Context, devEUI string) error
}

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	Workers        int
	PollInterval   time.Duration
	GatewayWindow  time.Duration // how recent a gateway must be to count online
	RetryBackoff   []time.Duration
	MaxAttempts    int
	MonitorTimeout time.Duration // stuck detection
}

// Dispatcher drains the pending queue toward the LNS.
type Dispatcher struct {
	store   *store.Store
	sender  Sender
	limiter *ratelimit.Limiter
	cfg     DispatcherConfig
	logger  zerolog.Logger
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(st *store.Store, sender Sender, limiter *ratelimit.Limiter, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.GatewayWindow <= 0 {
		cfg.GatewayWindow = model.GatewayOnlineWindow
	}
	if len(cfg.RetryBackoff) == 0 {
		cfg.RetryBackoff = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = 15 * time.Second
	}
	return &Dispatcher{
		store:   st,
		sender:  sender,
		limiter: limiter,
		cfg:     cfg,
		logger:  log.WithComponent("dispatcher"),
	}
}

// Run blocks until ctx is done, running the workers and the stuck monitor.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error { return d.worker(ctx) })
	}
	g.Go(func() error { return d.monitor(ctx) })
	return g.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		// Drain until the queue is empty, then wait for the next tick.
		for {
			env, ok, err := d.store.AcquireNextPending(ctx, time.Now())
			if err != nil {
				d.logger.Error().Err(err).Msg("acquire pending envelope failed")
				break
			}
			if !ok {
				break
			}
			d.dispatch(ctx, env)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, env model.DownlinkEnvelope) {
	logger := d.logger.With().
		Str(log.FieldEnvelopeID, env.ID.String()).
		Str(log.FieldDevEUI, env.DevEUI).
		Str(log.FieldTenantID, env.TenantID.String()).
		Logger()

	if env.Attempts >= d.cfg.MaxAttempts {
		d.fail(ctx, env, "attempts exhausted")
		return
	}

	if err := d.limiter.Allow(ctx, ratelimit.BucketDownlink, env.TenantID.String()); err != nil {
		d.deferEnvelope(ctx, env, ratelimit.RetryAfter(err), false)
		return
	}
	if env.GatewayEUI != "" {
		if err := d.limiter.Allow(ctx, ratelimit.BucketGateway, env.GatewayEUI); err != nil {
			d.deferEnvelope(ctx, env, ratelimit.RetryAfter(err), false)
			return
		}
	}

	// Preflight against the gateway the device was last heard through; a
	// live gateway in another hall does not reach this display. Envelopes
	// without a gateway hint fall back to the tenant-wide check.
	var online bool
	var err error
	if env.GatewayEUI != "" {
		online, err = d.store.GatewayOnline(ctx, env.TenantID, env.GatewayEUI, d.cfg.GatewayWindow)
	} else {
		online, err = d.store.TenantHasOnlineGateway(ctx, env.TenantID, d.cfg.GatewayWindow)
	}
	if err != nil {
		logger.Error().Err(err).Msg("gateway preflight failed")
		d.deferEnvelope(ctx, env, d.backoff(env.Attempts), false)
		return
	}
	if !online {
		metrics.DownlinkDeferred.Inc()
		logger.Info().
			Str(log.FieldEvent, "downlink.deferred").
			Int("attempts", env.Attempts).
			Msg("no online gateway, envelope deferred")
		d.deferEnvelope(ctx, env, d.backoff(env.Attempts), true)
		return
	}

	queueID, err := d.sender.EnqueueDownlink(ctx, env.DevEUI, env.Port, env.Payload, env.Confirmed)
	if err != nil {
		metrics.DownlinkDispatched.WithLabelValues("error").Inc()
		d.recordActuation(ctx, env, "error", err.Error())
		if env.Attempts+1 >= d.cfg.MaxAttempts {
			d.fail(ctx, env, err.Error())
			return
		}
		logger.Warn().Err(err).
			Str(log.FieldEvent, "downlink.send_failed").
			Int("attempts", env.Attempts+1).
			Msg("lns enqueue failed, retrying")
		d.deferEnvelope(ctx, env, d.backoff(env.Attempts), true)
		return
	}

	if err := d.store.MarkEnvelopeSent(ctx, env.ID, queueID); err != nil {
		logger.Error().Err(err).Msg("mark sent failed")
		return
	}
	metrics.DownlinkDispatched.WithLabelValues("sent").Inc()
	d.recordActuation(ctx, env, "sent", "")
	logger.Info().
		Str(log.FieldEvent, "downlink.sent").
		Str("lns_queue_id", queueID).
		Msg("envelope handed to lns")
}

// monitor flags sending envelopes the LNS has not delivered. First cycle
// marks stuck; the second flushes the device's LNS queue and requeues.
func (d *Dispatcher) monitor(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.MonitorTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		envs, err := d.store.SendingEnvelopesOlderThan(ctx, d.cfg.MonitorTimeout)
		if err != nil {
			d.logger.Error().Err(err).Msg("stuck scan failed")
			continue
		}
		for _, env := range envs {
			if !env.Stuck {
				metrics.DownlinkStuck.Inc()
				if err := d.store.MarkEnvelopeStuck(ctx, env.ID); err != nil {
					d.logger.Error().Err(err).Msg("mark stuck failed")
				}
				continue
			}
			// Second cycle: flush and retry.
			if err := d.sender.FlushQueue(ctx, env.DevEUI); err != nil && !fault.Is(err, fault.Unavailable) {
				d.logger.Warn().Err(err).
					Str(log.FieldDevEUI, env.DevEUI).
					Msg("lns queue flush failed")
			}
			d.deferEnvelope(ctx, env, 0, true)
			d.logger.Warn().
				Str(log.FieldEvent, "downlink.stuck_retry").
				Str(log.FieldEnvelopeID, env.ID.String()).
				Str(log.FieldDevEUI, env.DevEUI).
				Int("attempts", env.Attempts).
				Msg("stuck envelope flushed and requeued")
		}
	}
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	if attempts >= len(d.cfg.RetryBackoff) {
		return d.cfg.RetryBackoff[len(d.cfg.RetryBackoff)-1]
	}
	return d.cfg.RetryBackoff[attempts]
}

func (d *Dispatcher) deferEnvelope(ctx context.Context, env model.DownlinkEnvelope, wait time.Duration, bumpAttempt bool) {
	if err := d.store.DeferEnvelope(ctx, env.ID, time.Now().Add(wait), bumpAttempt); err != nil {
		d.logger.Error().Err(err).
			Str(log.FieldEnvelopeID, env.ID.String()).
			Msg("defer envelope failed")
	}
}

func (d *Dispatcher) fail(ctx context.Context, env model.DownlinkEnvelope, reason string) {
	metrics.DownlinkDispatched.WithLabelValues("failed").Inc()
	if err := d.store.ResolveEnvelope(ctx, env.ID, model.EnvelopeFailed); err != nil {
		d.logger.Error().Err(err).Msg("resolve envelope failed")
		return
	}
	d.recordActuation(ctx, env, "failed", reason)
	d.logger.Error().
		Str(log.FieldEvent, "downlink.failed").
		Str(log.FieldEnvelopeID, env.ID.String()).
		Str(log.FieldDevEUI, env.DevEUI).
		Int("attempts", env.Attempts).
		Str("reason", reason).
		Msg("envelope terminally failed")
}

func (d *Dispatcher) recordActuation(ctx context.Context, env model.DownlinkEnvelope, result, errMsg string) {
	rec := model.ActuationRecord{
		ID:          uuid.New(),
		TenantID:    env.TenantID,
		EnvelopeID:  env.ID,
		DevEUI:      env.DevEUI,
		Result:      result,
		Error:       errMsg,
		AttemptedAt: time.Now(),
	}
	if err := d.store.InsertActuation(ctx, rec); err != nil {
		d.logger.Error().Err(err).Msg("insert actuation record failed")
	}
}
