// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/spotsense/spotsense/internal/model"
)

// InsertReservation persists a booking. Overlap with another pending or
// confirmed reservation on the same space trips the range-exclusion
// constraint and surfaces as a Conflict with code "reservation-overlap".
func (s *Store) InsertReservation(ctx context.Context, r model.Reservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservations (id, tenant_id, space_id, start_at, end_at, status, request_id, requester)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.TenantID, r.SpaceID, r.Start, r.End, r.Status, r.RequestID, r.Requester)
	if err != nil {
		return classify(err, "reservation-overlap")
	}
	return nil
}

// ReservationByID returns a reservation within a tenant.
func (s *Store) ReservationByID(ctx context.Context, tenantID, id uuid.UUID) (model.Reservation, error) {
	var row reservationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM reservations
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenantID, id)
	if err != nil {
		return model.Reservation{}, classify(err, "reservation")
	}
	return row.toModel(), nil
}

// ReservationByRequestID returns a prior reservation created with the same
// idempotency key, if any.
func (s *Store) ReservationByRequestID(ctx context.Context, tenantID uuid.UUID, requestID string) (model.Reservation, bool, error) {
	var row reservationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM reservations
		WHERE tenant_id = $1 AND request_id = $2 AND request_id <> ''`, tenantID, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, false, nil
	}
	if err != nil {
		return model.Reservation{}, false, fmt.Errorf("reservation by request id: %w", err)
	}
	return row.toModel(), true, nil
}

// UpdateReservationStatus transitions a reservation's status if it currently
// has one of the allowed statuses. It reports whether a row changed.
func (s *Store) UpdateReservationStatus(ctx context.Context, tenantID, id uuid.UUID, from []model.ReservationStatus, to model.ReservationStatus) (bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = $4
		WHERE tenant_id = $1 AND id = $2 AND status = ANY($3) AND deleted_at IS NULL`,
		tenantID, id, pq.StringArray(states), to)
	if err != nil {
		return false, fmt.Errorf("update reservation status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpiredReservation pairs a reservation with its space for re-evaluation.
type ExpiredReservation struct {
	ID       uuid.UUID `db:"id"`
	TenantID uuid.UUID `db:"tenant_id"`
	SpaceID  uuid.UUID `db:"space_id"`
}

// ExpireDueReservations transitions every confirmed or pending reservation
// whose end has passed to expired and returns the affected spaces.
func (s *Store) ExpireDueReservations(ctx context.Context, now time.Time) ([]ExpiredReservation, error) {
	var rows []ExpiredReservation
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE reservations SET status = 'expired'
		WHERE status IN ('pending', 'confirmed') AND end_at <= $1 AND deleted_at IS NULL
		RETURNING id, tenant_id, space_id`, now)
	if err != nil {
		return nil, fmt.Errorf("expire reservations: %w", err)
	}
	return rows, nil
}

// OverlappingReservations returns the pending/confirmed reservations on a
// space that intersect the half-open interval [from, to), sorted by start.
func (s *Store) OverlappingReservations(ctx context.Context, tenantID, spaceID uuid.UUID, from, to time.Time) ([]model.Reservation, error) {
	var rows []reservationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM reservations
		WHERE tenant_id = $1 AND space_id = $2
		  AND status IN ('pending', 'confirmed')
		  AND deleted_at IS NULL
		  AND tstzrange(start_at, end_at) && tstzrange($3, $4)
		ORDER BY start_at`, tenantID, spaceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("overlapping reservations: %w", err)
	}
	out := make([]model.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ActiveOrUpcomingReservation returns the pending/confirmed reservation that
// covers now, or failing that the next one starting within horizon. The
// state machine evaluates both the RESERVED and RESERVED-soon priorities
// from this single query.
func (s *Store) ActiveOrUpcomingReservation(ctx context.Context, tenantID, spaceID uuid.UUID, now time.Time, horizon time.Duration) (model.Reservation, bool, error) {
	var row reservationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM reservations
		WHERE tenant_id = $1 AND space_id = $2
		  AND status IN ('pending', 'confirmed')
		  AND deleted_at IS NULL
		  AND end_at > $3 AND start_at < $4
		ORDER BY start_at LIMIT 1`,
		tenantID, spaceID, now, now.Add(horizon))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, false, nil
	}
	if err != nil {
		return model.Reservation{}, false, fmt.Errorf("active or upcoming reservation: %w", err)
	}
	return row.toModel(), true, nil
}

// ListReservationsForSpace returns reservations on a space, newest first.
func (s *Store) ListReservationsForSpace(ctx context.Context, tenantID, spaceID uuid.UUID, limit int) ([]model.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []reservationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM reservations
		WHERE tenant_id = $1 AND space_id = $2 AND deleted_at IS NULL
		ORDER BY start_at DESC LIMIT $3`, tenantID, spaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	out := make([]model.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
