// SPDX-License-Identifier: MIT

package display

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/coord"
	"github.com/spotsense/spotsense/internal/decode"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/store"
)

// Enqueuer is the downlink queue capability the evaluator needs. Passing
// the interface inward keeps the package graph acyclic.
type Enqueuer interface {
	EnqueueDisplay(ctx context.Context, tenantID uuid.UUID, devEUI string, payload []byte) (uuid.UUID, error)
}

// Config tunes the evaluator.
type Config struct {
	ReservedSoon   time.Duration
	DebounceWindow time.Duration
	UnknownTimeout time.Duration
	LockTTL        time.Duration
}

// Evaluator loads a space's inputs, runs the state machine, persists the
// state transition, and pushes the target toward the display.
type Evaluator struct {
	store    *store.Store
	coord    *coord.Store
	enqueuer Enqueuer
	cfg      Config
	logger   zerolog.Logger
	holder   string
}

// NewEvaluator wires the evaluator.
func NewEvaluator(st *store.Store, cs *coord.Store, enq Enqueuer, cfg Config) *Evaluator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	return &Evaluator{
		store:    st,
		coord:    cs,
		enqueuer: enq,
		cfg:      cfg,
		logger:   log.WithComponent("display"),
		holder:   uuid.NewString(),
	}
}

// ApplyReading folds a decoded occupancy into the space's debounce record
// and re-evaluates. This is the ingest pipeline's entry point.
func (e *Evaluator) ApplyReading(ctx context.Context, tenantID, spaceID uuid.UUID, occ model.Occupancy, at time.Time) error {
	st, err := e.coord.GetDebounce(ctx, tenantID.String(), spaceID.String())
	if err != nil {
		return err
	}
	st = AdvanceDebounce(st, occ, at, e.cfg.DebounceWindow)
	if err := e.coord.SetDebounce(ctx, tenantID.String(), spaceID.String(), st); err != nil {
		return err
	}
	return e.Evaluate(ctx, tenantID, spaceID, "reading")
}

// Evaluate runs one serialized re-evaluation for a space. When another
// evaluation holds the space lock this returns immediately; the holder
// sees the same inputs, and the reconciliation sweep covers any gap.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID, spaceID uuid.UUID, trigger string) error {
	metrics.Evaluations.WithLabelValues(trigger).Inc()

	release, ok, err := e.coord.AcquireLock(ctx, "space:"+spaceID.String(), e.holder, e.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer release()

	space, err := e.store.SpaceByID(ctx, tenantID, spaceID)
	if err != nil {
		return err
	}
	target, err := e.computeTarget(ctx, space)
	if err != nil {
		return err
	}

	logger := log.WithComponentFromContext(ctx, "display")
	if space.State != target.State {
		if err := e.store.UpdateSpaceState(ctx, tenantID, spaceID, target.State, target.Reason); err != nil {
			return err
		}
		metrics.StateTransitions.WithLabelValues(string(target.State)).Inc()
		logger.Info().
			Str(log.FieldEvent, "display.state_transition").
			Str(log.FieldTenantID, tenantID.String()).
			Str(log.FieldSpaceID, spaceID.String()).
			Str(log.FieldOldState, string(space.State)).
			Str(log.FieldNewState, string(target.State)).
			Str("reason", target.Reason).
			Str("trigger", trigger).
			Msg("space state changed")
	}

	if space.DisplayEUI == "" {
		return nil
	}
	payload := decode.EncodeDisplay(target.Color, target.Blink)
	if _, err := e.enqueuer.EnqueueDisplay(ctx, tenantID, space.DisplayEUI, payload); err != nil {
		logger.Error().Err(err).
			Str(log.FieldEvent, "display.enqueue_failed").
			Str(log.FieldDevEUI, space.DisplayEUI).
			Msg("display enqueue failed")
		return err
	}
	return nil
}

// CurrentTarget computes the target without taking the lock or mutating
// anything. The reconciliation sweep uses it for divergence checks.
func (e *Evaluator) CurrentTarget(ctx context.Context, space model.Space) (Target, error) {
	return e.computeTarget(ctx, space)
}

func (e *Evaluator) computeTarget(ctx context.Context, space model.Space) (Target, error) {
	now := time.Now()

	policy, err := e.store.DisplayPolicy(ctx, space.TenantID)
	if err != nil {
		return Target{}, err
	}
	in := Inputs{
		Policy:         policy,
		ReservedSoon:   e.cfg.ReservedSoon,
		UnknownTimeout: e.cfg.UnknownTimeout,
		Now:            now,
	}

	if o, found, err := e.store.OverrideForSpace(ctx, space.TenantID, space.ID); err != nil {
		return Target{}, err
	} else if found {
		in.Override = &o
	}

	if r, found, err := e.store.ActiveOrUpcomingReservation(ctx, space.TenantID, space.ID, now, e.cfg.ReservedSoon); err != nil {
		return Target{}, err
	} else if found {
		in.Reservation = &r
	}

	st, err := e.coord.GetDebounce(ctx, space.TenantID.String(), space.ID.String())
	if err != nil {
		return Target{}, err
	}
	in.Debounce = st

	return Evaluate(in), nil
}
