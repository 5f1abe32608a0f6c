// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/coord"
	"github.com/spotsense/spotsense/internal/decode"
	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/ratelimit"
	"github.com/spotsense/spotsense/internal/store"
)

// Outcome classifies what one ingest did.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeOrphan    Outcome = "orphan"
	OutcomeSpooled   Outcome = "spooled"
	OutcomeRejected  Outcome = "rejected"
)

// Result is the pipeline's answer for one envelope.
type Result struct {
	Outcome Outcome
	Reason  string // set for rejections
}

// Applier folds a decoded occupancy into a space's debounce state and
// re-evaluates. The display evaluator implements it.
type Applier interface {
	ApplyReading(ctx context.Context, tenantID, spaceID uuid.UUID, occ model.Occupancy, at time.Time) error
}

// Acknowledger resolves in-flight downlinks when a device echoes its
// payload. The downlink queue implements it.
type Acknowledger interface {
	Acknowledge(ctx context.Context, devEUI string, payload []byte) error
}

// Spooler persists an envelope for later replay when the durable store is
// unavailable.
type Spooler interface {
	Spool(ctx context.Context, env RawEnvelope) error
}

// Config tunes the pipeline.
type Config struct {
	RequireSignature bool // fail closed when a tenant has no secret
	NonceTTL         time.Duration
}

// Pipeline is the ingest service.
type Pipeline struct {
	store    *store.Store
	coord    *coord.Store
	limiter  *ratelimit.Limiter
	registry *decode.Registry
	applier  Applier
	acker    Acknowledger
	spooler  Spooler
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New wires the pipeline.
func New(st *store.Store, cs *coord.Store, lim *ratelimit.Limiter, reg *decode.Registry,
	applier Applier, acker Acknowledger, spooler Spooler, cfg Config) *Pipeline {
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = MaxClockSkew
	}
	return &Pipeline{
		store:    st,
		coord:    cs,
		limiter:  lim,
		registry: reg,
		applier:  applier,
		acker:    acker,
		spooler:  spooler,
		cfg:      cfg,
		logger:   log.WithComponent("ingest"),
		now:      time.Now,
	}
}

// Ingest runs one envelope through the pipeline. Rejections surface as
// faults; every other path returns a Result. At most one reading row is
// written, however many times the same envelope is replayed.
func (p *Pipeline) Ingest(ctx context.Context, raw RawEnvelope) (Result, error) {
	start := p.now()
	res, err := p.ingest(ctx, raw)
	metrics.IngestDuration.Observe(p.now().Sub(start).Seconds())
	if err == nil {
		metrics.IngestResults.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res, err
}

func (p *Pipeline) ingest(ctx context.Context, raw RawEnvelope) (Result, error) {
	up, err := Parse(raw.Body)
	if err != nil {
		metrics.IngestMalformed.Inc()
		return Result{Outcome: OutcomeRejected, Reason: "malformed"}, err
	}
	logger := log.WithComponentFromContext(ctx, "ingest").With().
		Str(log.FieldDevEUI, up.DevEUI).
		Uint32(log.FieldFcnt, up.Fcnt).
		Logger()

	// Tenant resolution: the path slug wins; otherwise infer from the
	// registered sensor EUI. No tenant means the orphan path.
	tenant, device, known, err := p.resolveTenant(ctx, raw.TenantSlug, up.DevEUI)
	if err != nil {
		return Result{}, err
	}
	if !known {
		return p.orphan(ctx, raw, up, logger)
	}

	if err := p.limiter.Allow(ctx, ratelimit.BucketTenantIngest, tenant.ID.String()); err != nil {
		return Result{}, err
	}
	if err := p.verify(ctx, tenant, raw, logger); err != nil {
		return Result{}, err
	}
	raw.Verified = true

	if up.GatewayEUI != "" {
		if err := p.limiter.Allow(ctx, ratelimit.BucketGateway, up.GatewayEUI); err != nil {
			return Result{}, err
		}
		if err := p.store.UpsertGatewaySeen(ctx, tenant.ID, up.GatewayEUI, raw.ReceivedAt); err != nil {
			logger.Warn().Err(err).Msg("gateway upsert failed")
		}
	}

	decoded, decErr := p.registry.Decode(device.Type, up.Port, up.Payload)
	if decErr != nil {
		// A codec mismatch is recorded, not rejected; the reading keeps
		// the raw bytes via the orphan-type convention.
		logger.Warn().Err(decErr).Str("device_type", string(device.Type)).Msg("decode failed")
		decoded = decode.Reading{Occupancy: model.OccupancyUnknown}
	}

	reading := model.SensorReading{
		ID:         uuid.New(),
		TenantID:   tenant.ID,
		DevEUI:     up.DevEUI,
		Fcnt:       up.Fcnt,
		Port:       up.Port,
		Occupancy:  decoded.Occupancy,
		Battery:    decoded.Battery,
		RSSI:       up.RSSI,
		SNR:        up.SNR,
		GatewayEUI: up.GatewayEUI,
		ReceivedAt: raw.ReceivedAt,
	}
	duplicate, err := p.store.InsertReading(ctx, reading)
	if err != nil {
		return p.spool(ctx, raw, logger, err)
	}
	if duplicate {
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	if err := p.store.TouchDeviceSeen(ctx, tenant.ID, up.DevEUI, raw.ReceivedAt); err != nil {
		logger.Warn().Err(err).Msg("device last-seen update failed")
	}

	// Dual-role indicators echo the frame they display; that feeds the
	// last-known cache and acknowledges the in-flight envelope.
	if decoded.ShownColor != nil {
		p.recordDisplayEcho(ctx, up, logger)
	}

	if device.SpaceID != nil {
		if err := p.applier.ApplyReading(ctx, tenant.ID, *device.SpaceID, decoded.Occupancy, raw.ReceivedAt); err != nil {
			// Best effort; the reconciliation sweep closes the gap.
			logger.Warn().Err(err).Msg("re-evaluation dispatch failed")
		}
	}

	logger.Info().
		Str(log.FieldEvent, "ingest.accepted").
		Str(log.FieldTenantID, tenant.ID.String()).
		Str("occupancy", string(decoded.Occupancy)).
		Msg("uplink ingested")
	return Result{Outcome: OutcomeAccepted}, nil
}

func (p *Pipeline) resolveTenant(ctx context.Context, slug, devEUI string) (model.Tenant, model.Device, bool, error) {
	device, err := p.store.SensorDeviceByEUI(ctx, devEUI)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			return model.Tenant{}, model.Device{}, false, nil
		}
		return model.Tenant{}, model.Device{}, false, err
	}
	tenant, err := p.store.TenantByID(ctx, device.TenantID)
	if err != nil {
		return model.Tenant{}, model.Device{}, false, err
	}
	if slug != "" && tenant.Slug != slug {
		// A signed webhook addressed to tenant A carrying tenant B's
		// device is treated as unknown, not disclosed.
		return model.Tenant{}, model.Device{}, false, nil
	}
	if !tenant.Active {
		return model.Tenant{}, model.Device{}, false, nil
	}
	return tenant, device, true, nil
}

// verify runs the signature and replay checks against the tenant secret.
func (p *Pipeline) verify(ctx context.Context, tenant model.Tenant, raw RawEnvelope, logger zerolog.Logger) error {
	if raw.Verified {
		return nil
	}
	if tenant.WebhookSecret == "" {
		if p.cfg.RequireSignature || tenant.Features.RequireWebhookSignature {
			return fault.New(fault.Unauthenticated, "unsigned", "tenant requires signed webhooks")
		}
		logger.Warn().
			Str(log.FieldEvent, "ingest.unsigned").
			Str(log.FieldTenantID, tenant.ID.String()).
			Msg("accepting unsigned webhook, no tenant secret configured")
		return nil
	}
	if !TimestampFresh(raw.Timestamp, p.now()) {
		return fault.New(fault.Unauthenticated, "stale-timestamp", "webhook timestamp outside the replay window")
	}
	if !VerifySignature(tenant.WebhookSecret, raw.Timestamp, raw.Nonce, raw.Body, raw.Signature) {
		return fault.New(fault.Unauthenticated, "bad-signature", "webhook signature mismatch")
	}
	fresh, err := p.coord.ClaimNonce(ctx, tenant.ID.String(), raw.Nonce, p.cfg.NonceTTL)
	if err != nil {
		// The nonce cache being down must not drop traffic; the fcnt
		// uniqueness still dedupes actual replays.
		logger.Warn().Err(err).Msg("nonce cache unavailable")
		return nil
	}
	if !fresh {
		return fault.New(fault.Conflict, "nonce-replay", "webhook nonce already seen")
	}
	return nil
}

func (p *Pipeline) orphan(ctx context.Context, raw RawEnvelope, up Uplink, logger zerolog.Logger) (Result, error) {
	// An unknown device does not suspend authentication: when the URL slug
	// names a tenant, that tenant's secret is resolvable and the envelope
	// must still carry a valid signature.
	if raw.TenantSlug != "" {
		tenant, err := p.store.TenantBySlug(ctx, raw.TenantSlug)
		switch {
		case err == nil:
			if verr := p.verify(ctx, tenant, raw, logger); verr != nil {
				return Result{}, verr
			}
			raw.Verified = true
		case !fault.Is(err, fault.NotFound):
			return Result{}, err
		}
	}
	if err := p.limiter.Allow(ctx, ratelimit.BucketOrphan, raw.SourceIP); err != nil {
		return Result{Outcome: OutcomeRejected, Reason: "flood"}, err
	}
	duplicate, err := p.store.UpsertOrphan(ctx, model.OrphanDevice{
		EUI:         up.DevEUI,
		LastFcnt:    up.Fcnt,
		LastPayload: up.Payload,
		LastPort:    up.Port,
		LastRSSI:    up.RSSI,
		LastSNR:     up.SNR,
		FirstSeen:   raw.ReceivedAt,
		LastSeen:    raw.ReceivedAt,
	})
	if err != nil {
		return p.spool(ctx, raw, logger, err)
	}
	if duplicate {
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	logger.Info().
		Str(log.FieldEvent, "ingest.orphan").
		Msg("uplink from unregistered device recorded")
	return Result{Outcome: OutcomeOrphan}, nil
}

// spool is the back-pressure path: the durable store failed, so the whole
// envelope goes to disk for the drainer.
func (p *Pipeline) spool(ctx context.Context, raw RawEnvelope, logger zerolog.Logger, cause error) (Result, error) {
	logger.Warn().Err(cause).
		Str(log.FieldEvent, "ingest.spooling").
		Msg("durable store unavailable, spooling envelope")
	if err := p.spooler.Spool(ctx, raw); err != nil {
		return Result{}, fault.Wrap(fault.Unavailable, "spool-failed", "could not spool envelope", err)
	}
	return Result{Outcome: OutcomeSpooled}, nil
}

func (p *Pipeline) recordDisplayEcho(ctx context.Context, up Uplink, logger zerolog.Logger) {
	entry := coord.DisplayCacheEntry{
		Payload: up.Payload,
		Port:    up.Port,
		SeenAt:  p.now(),
	}
	if err := p.coord.SetLastDisplay(ctx, up.DevEUI, entry); err != nil {
		logger.Warn().Err(err).Msg("display cache update failed")
	}
	if err := p.acker.Acknowledge(ctx, up.DevEUI, up.Payload); err != nil {
		logger.Warn().Err(err).Msg("downlink acknowledge failed")
	}
}
