// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/spotsense/spotsense/internal/model"
)

// EnqueueOutcome describes what EnqueueEnvelope did.
type EnqueueOutcome string

const (
	EnqueueQueued     EnqueueOutcome = "queued"
	EnqueueCoalesced  EnqueueOutcome = "coalesced"
	EnqueueSuperseded EnqueueOutcome = "superseded"
)

// EnqueueEnvelope inserts a downlink envelope under the coalescing rule:
// an identical (device, content-hash) already pending is a no-op; a pending
// envelope with a different hash for the same device is cancelled and
// superseded (newest-target-wins). Runs in one transaction.
func (s *Store) EnqueueEnvelope(ctx context.Context, env model.DownlinkEnvelope) (uuid.UUID, EnqueueOutcome, error) {
	var id uuid.UUID
	var outcome EnqueueOutcome
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		var existing envelopeRow
		err := tx.GetContext(ctx, &existing, `
			SELECT * FROM downlink_envelopes
			WHERE dev_eui = $1 AND state = 'pending' FOR UPDATE`, env.DevEUI)
		switch {
		case err == nil:
			if existing.ContentHash == env.ContentHash {
				id, outcome = existing.ID, EnqueueCoalesced
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE downlink_envelopes SET state = 'failed', updated_at = now()
				WHERE id = $1`, existing.ID); err != nil {
				return fmt.Errorf("supersede pending envelope: %w", err)
			}
			outcome = EnqueueSuperseded
		case errors.Is(err, sql.ErrNoRows):
			outcome = EnqueueQueued
		default:
			return fmt.Errorf("lookup pending envelope: %w", err)
		}

		id = env.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO downlink_envelopes
				(id, tenant_id, dev_eui, gateway_eui, port, payload, confirmed, content_hash, state, scheduled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9)`,
			id, env.TenantID, env.DevEUI, env.GatewayEUI, env.Port, env.Payload,
			env.Confirmed, env.ContentHash, env.ScheduledAt); err != nil {
			// A concurrent enqueue of the same hash won the race; that is the
			// coalescing rule doing its job.
			if IsUniqueViolation(err) {
				outcome = EnqueueCoalesced
				return nil
			}
			return fmt.Errorf("insert envelope: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, outcome, nil
}

// AcquireNextPending claims the next dispatchable envelope and transitions
// it to sending. SKIP LOCKED keeps concurrent workers from colliding.
func (s *Store) AcquireNextPending(ctx context.Context, now time.Time) (model.DownlinkEnvelope, bool, error) {
	var row envelopeRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE downlink_envelopes SET state = 'sending', updated_at = now()
		WHERE id = (
			SELECT id FROM downlink_envelopes
			WHERE state = 'pending' AND scheduled_at <= $1
			ORDER BY scheduled_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *`, now)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DownlinkEnvelope{}, false, nil
	}
	if err != nil {
		return model.DownlinkEnvelope{}, false, fmt.Errorf("acquire pending envelope: %w", err)
	}
	return row.toModel(), true, nil
}

// DeferEnvelope returns a sending envelope to pending with a later schedule.
func (s *Store) DeferEnvelope(ctx context.Context, id uuid.UUID, until time.Time, bumpAttempt bool) error {
	attempt := 0
	if bumpAttempt {
		attempt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE downlink_envelopes
		SET state = 'pending', scheduled_at = $2, attempts = attempts + $3, updated_at = now()
		WHERE id = $1`, id, until, attempt)
	if err != nil {
		return fmt.Errorf("defer envelope: %w", err)
	}
	return nil
}

// MarkEnvelopeSent records a successful LNS enqueue.
func (s *Store) MarkEnvelopeSent(ctx context.Context, id uuid.UUID, lnsQueueID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downlink_envelopes
		SET lns_queue_id = $2, attempts = attempts + 1, stuck = false, updated_at = now()
		WHERE id = $1`, id, lnsQueueID)
	if err != nil {
		return fmt.Errorf("mark envelope sent: %w", err)
	}
	return nil
}

// MarkEnvelopeStuck flags a sending envelope that the LNS has not delivered.
func (s *Store) MarkEnvelopeStuck(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE downlink_envelopes SET stuck = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark envelope stuck: %w", err)
	}
	return nil
}

// ResolveEnvelope finishes an envelope as acknowledged or failed.
func (s *Store) ResolveEnvelope(ctx context.Context, id uuid.UUID, state model.EnvelopeState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downlink_envelopes SET state = $2, updated_at = now() WHERE id = $1`,
		id, state)
	if err != nil {
		return fmt.Errorf("resolve envelope: %w", err)
	}
	return nil
}

// AcknowledgeSendingForDevice acknowledges the in-flight envelope for a
// device whose payload matches what the device now reports showing.
func (s *Store) AcknowledgeSendingForDevice(ctx context.Context, eui string, payload []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE downlink_envelopes SET state = 'acknowledged', updated_at = now()
		WHERE dev_eui = $1 AND state = 'sending' AND payload = $2`, eui, payload)
	if err != nil {
		return false, fmt.Errorf("acknowledge envelope: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SendingEnvelopeForDevice returns the in-flight envelope for a device.
func (s *Store) SendingEnvelopeForDevice(ctx context.Context, eui string) (model.DownlinkEnvelope, bool, error) {
	var row envelopeRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM downlink_envelopes WHERE dev_eui = $1 AND state = 'sending'`, eui)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DownlinkEnvelope{}, false, nil
	}
	if err != nil {
		return model.DownlinkEnvelope{}, false, fmt.Errorf("sending envelope: %w", err)
	}
	return row.toModel(), true, nil
}

// ReclaimStaleSending returns sending envelopes older than the safety window
// to pending so a crashed worker cannot strand them.
func (s *Store) ReclaimStaleSending(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE downlink_envelopes SET state = 'pending', updated_at = now()
		WHERE state = 'sending' AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reclaim sending envelopes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StalePendingForGateway returns pending envelopes older than age whose
// advisory gateway is the given one. Queue cleanup flushes these after a
// prolonged gateway outage.
func (s *Store) StalePendingForGateway(ctx context.Context, gatewayEUI string, age time.Duration) ([]model.DownlinkEnvelope, error) {
	var rows []envelopeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM downlink_envelopes
		WHERE gateway_eui = $1 AND state = 'pending'
		  AND created_at < now() - $2::interval`,
		gatewayEUI, fmt.Sprintf("%d seconds", int(age.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("stale pending envelopes: %w", err)
	}
	out := make([]model.DownlinkEnvelope, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// EnvelopeCountsByState returns the queue depth per state for metrics.
func (s *Store) EnvelopeCountsByState(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		State string `db:"state"`
		N     int64  `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT state, count(*) AS n FROM downlink_envelopes GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("envelope counts: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}

// InsertActuation appends an actuation record for an envelope attempt.
func (s *Store) InsertActuation(ctx context.Context, a model.ActuationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actuation_records (id, tenant_id, envelope_id, dev_eui, result, error, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.TenantID, a.EnvelopeID, a.DevEUI, a.Result, a.Error, a.AttemptedAt)
	if err != nil {
		return fmt.Errorf("insert actuation: %w", err)
	}
	return nil
}

// SendingEnvelopesOlderThan returns in-flight envelopes whose last update
// is older than age. The stuck monitor inspects these.
func (s *Store) SendingEnvelopesOlderThan(ctx context.Context, age time.Duration) ([]model.DownlinkEnvelope, error) {
	var rows []envelopeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM downlink_envelopes
		WHERE state = 'sending' AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(age.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("sending envelopes older than: %w", err)
	}
	out := make([]model.DownlinkEnvelope, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
