// SPDX-License-Identifier: MIT

// Package reservation implements the booking engine. Overlap safety lives
// in the database's range-exclusion constraint; this layer adds validation,
// idempotent retries, lifecycle transitions, and display re-evaluation.
package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/audit"
	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/store"
)

// Reevaluator triggers a display re-evaluation for a space.
type Reevaluator interface {
	Evaluate(ctx context.Context, tenantID, spaceID uuid.UUID, trigger string) error
}

// Engine is the reservation service.
type Engine struct {
	store        *store.Store
	evaluator    Reevaluator
	recorder     *audit.Recorder
	reservedSoon time.Duration
	logger       zerolog.Logger
	now          func() time.Time
	afterFunc    func(time.Duration, func()) *time.Timer
}

// NewEngine wires the engine.
func NewEngine(st *store.Store, ev Reevaluator, rec *audit.Recorder, reservedSoon time.Duration) *Engine {
	return &Engine{
		store:        st,
		evaluator:    ev,
		recorder:     rec,
		reservedSoon: reservedSoon,
		logger:       log.WithComponent("reservation"),
		now:          time.Now,
		afterFunc:    time.AfterFunc,
	}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	TenantID  uuid.UUID
	SpaceID   uuid.UUID
	Start     time.Time
	End       time.Time
	RequestID string // idempotency key, optional
	Requester string
	Actor     audit.Entry // partially filled by the caller: kind, id, ip
}

// Create books a space. Retries carrying the same request id return the
// original reservation instead of a conflict.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (model.Reservation, error) {
	if err := e.validate(req); err != nil {
		return model.Reservation{}, err
	}

	if req.RequestID != "" {
		prior, found, err := e.store.ReservationByRequestID(ctx, req.TenantID, req.RequestID)
		if err != nil {
			return model.Reservation{}, err
		}
		if found {
			return prior, nil
		}
	}

	r := model.Reservation{
		ID:        uuid.New(),
		TenantID:  req.TenantID,
		SpaceID:   req.SpaceID,
		Start:     req.Start,
		End:       req.End,
		Status:    model.ReservationConfirmed,
		RequestID: req.RequestID,
		Requester: req.Requester,
	}
	if err := e.store.InsertReservation(ctx, r); err != nil {
		if fault.Is(err, fault.Conflict) && req.RequestID != "" {
			// The insert may have lost a race against a retry of itself.
			prior, found, lookupErr := e.store.ReservationByRequestID(ctx, req.TenantID, req.RequestID)
			if lookupErr == nil && found {
				return prior, nil
			}
		}
		metrics.ReservationsCreated.WithLabelValues("conflict").Inc()
		return model.Reservation{}, err
	}
	metrics.ReservationsCreated.WithLabelValues("created").Inc()

	e.logger.Info().
		Str(log.FieldEvent, "reservation.created").
		Str(log.FieldTenantID, req.TenantID.String()).
		Str(log.FieldSpaceID, req.SpaceID.String()).
		Time("start", req.Start).
		Time("end", req.End).
		Msg("reservation created")

	entry := req.Actor
	entry.TenantID = req.TenantID
	entry.Action = audit.ActionReservationCreate
	entry.Resource = "reservation/" + r.ID.String()
	entry.After = r
	if err := e.recorder.Record(ctx, entry); err != nil {
		e.logger.Error().Err(err).Msg("audit record failed")
	}

	e.reevaluateIfVisible(ctx, r, "reservation")
	e.scheduleBoundaries(r)
	return r, nil
}

// Cancel transitions a pending or confirmed reservation to cancelled.
// Cancelling twice is a no-op; cancelling an expired reservation conflicts.
func (e *Engine) Cancel(ctx context.Context, tenantID, id uuid.UUID, actor audit.Entry) error {
	r, err := e.store.ReservationByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if r.Status == model.ReservationCancelled {
		return nil
	}
	changed, err := e.store.UpdateReservationStatus(ctx, tenantID, id,
		[]model.ReservationStatus{model.ReservationPending, model.ReservationConfirmed},
		model.ReservationCancelled)
	if err != nil {
		return err
	}
	if !changed {
		return fault.New(fault.Conflict, "reservation-final", "reservation already in a final state")
	}

	actor.TenantID = tenantID
	actor.Action = audit.ActionReservationCancel
	actor.Resource = "reservation/" + id.String()
	actor.Before = r
	if err := e.recorder.Record(ctx, actor); err != nil {
		e.logger.Error().Err(err).Msg("audit record failed")
	}

	e.reevaluateIfVisible(ctx, r, "reservation_cancelled")
	return nil
}

// ExpireDue transitions every reservation whose end has passed and
// re-evaluates the affected spaces. Runs on the scheduler tick.
func (e *Engine) ExpireDue(ctx context.Context) error {
	expired, err := e.store.ExpireDueReservations(ctx, e.now())
	if err != nil {
		return err
	}
	for _, exp := range expired {
		metrics.ReservationsExpired.Inc()
		if err := e.evaluator.Evaluate(ctx, exp.TenantID, exp.SpaceID, "reservation_expired"); err != nil {
			e.logger.Error().Err(err).
				Str(log.FieldSpaceID, exp.SpaceID.String()).
				Msg("re-evaluation after expiry failed")
		}
	}
	if len(expired) > 0 {
		e.logger.Info().
			Str(log.FieldEvent, "reservation.expired").
			Int("count", len(expired)).
			Msg("reservations expired")
	}
	return nil
}

// CheckAvailability returns whether [from, to) is free on a space, with
// the conflicting reservations when it is not.
func (e *Engine) CheckAvailability(ctx context.Context, tenantID, spaceID uuid.UUID, from, to time.Time) (bool, []model.Reservation, error) {
	if !to.After(from) {
		return false, nil, fault.New(fault.Validation, "invalid-window", "end must be after start")
	}
	conflicts, err := e.store.OverlappingReservations(ctx, tenantID, spaceID, from, to)
	if err != nil {
		return false, nil, err
	}
	return len(conflicts) == 0, conflicts, nil
}

// ListForSpace returns a space's reservations, newest first.
func (e *Engine) ListForSpace(ctx context.Context, tenantID, spaceID uuid.UUID, limit int) ([]model.Reservation, error) {
	return e.store.ListReservationsForSpace(ctx, tenantID, spaceID, limit)
}

// Get returns one reservation within a tenant.
func (e *Engine) Get(ctx context.Context, tenantID, id uuid.UUID) (model.Reservation, error) {
	return e.store.ReservationByID(ctx, tenantID, id)
}

func (e *Engine) validate(req CreateRequest) error {
	now := e.now()
	switch {
	case !req.End.After(req.Start):
		return fault.New(fault.Validation, "invalid-window", "end must be after start")
	case req.End.Sub(req.Start) > model.MaxReservationDuration:
		return fault.Newf(fault.Validation, "window-too-long", "reservation exceeds %s", model.MaxReservationDuration)
	case req.End.Before(now):
		return fault.New(fault.Validation, "window-in-past", "reservation ends in the past")
	}
	return nil
}

// scheduleBoundaries arms in-process timers for the reserved-soon entry and
// the reservation end, so the display repaints at the boundary instead of
// waiting for the next sweep. Best effort: the expiry tick and the
// reconcile sweep remain the backstop across restarts.
func (e *Engine) scheduleBoundaries(r model.Reservation) {
	now := e.now()
	e.armBoundary(r, r.Start.Add(-e.reservedSoon).Sub(now), "reserved_soon")
	e.armBoundary(r, r.End.Sub(now), "reservation_ended")
}

func (e *Engine) armBoundary(r model.Reservation, wait time.Duration, trigger string) {
	if wait <= 0 {
		return
	}
	e.afterFunc(wait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.evaluator.Evaluate(ctx, r.TenantID, r.SpaceID, trigger); err != nil {
			e.logger.Warn().Err(err).
				Str(log.FieldSpaceID, r.SpaceID.String()).
				Str("trigger", trigger).
				Msg("boundary re-evaluation failed")
		}
	})
}

// reevaluateIfVisible triggers a re-evaluation when the reservation
// affects the display now or within the reserved-soon window.
func (e *Engine) reevaluateIfVisible(ctx context.Context, r model.Reservation, trigger string) {
	now := e.now()
	if r.Start.After(now.Add(e.reservedSoon)) {
		return
	}
	if err := e.evaluator.Evaluate(ctx, r.TenantID, r.SpaceID, trigger); err != nil {
		e.logger.Error().Err(err).
			Str(log.FieldSpaceID, r.SpaceID.String()).
			Msg("re-evaluation failed")
	}
}
