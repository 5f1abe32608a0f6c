// SPDX-License-Identifier: MIT

// Package downlink owns the durable downlink queue: coalescing enqueue,
// the dispatcher workers, the stuck monitor, the reconciliation sweep,
// and queue cleanup.
package downlink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/decode"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/store"
)

// ContentHash is the coalescing key: SHA-256 over (eui, port, payload).
func ContentHash(devEUI string, port uint8, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|", devEUI, port)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Queue is the enqueue side of the downlink pipeline.
type Queue struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewQueue wires the queue over the durable store.
func NewQueue(st *store.Store) *Queue {
	return &Queue{store: st, logger: log.WithComponent("downlink")}
}

// Enqueue inserts an envelope under the coalescing rule and returns its id.
func (q *Queue) Enqueue(ctx context.Context, tenantID uuid.UUID, devEUI string, port uint8, payload []byte, confirmed bool) (uuid.UUID, error) {
	env := model.DownlinkEnvelope{
		ID:          uuid.New(),
		TenantID:    tenantID,
		DevEUI:      devEUI,
		Port:        port,
		Payload:     payload,
		Confirmed:   confirmed,
		ContentHash: ContentHash(devEUI, port, payload),
		ScheduledAt: time.Now(),
	}
	id, outcome, err := q.store.EnqueueEnvelope(ctx, env)
	if err != nil {
		return uuid.Nil, err
	}
	metrics.DownlinkEnqueued.WithLabelValues(string(outcome)).Inc()
	q.logger.Debug().
		Str(log.FieldEvent, "downlink.enqueued").
		Str(log.FieldTenantID, tenantID.String()).
		Str(log.FieldDevEUI, devEUI).
		Str(log.FieldEnvelopeID, id.String()).
		Str("outcome", string(outcome)).
		Msg("envelope enqueued")
	return id, nil
}

// EnqueueDisplay enqueues an unconfirmed display frame on the Kuando port.
// This is the state machine's Enqueuer capability.
func (q *Queue) EnqueueDisplay(ctx context.Context, tenantID uuid.UUID, devEUI string, payload []byte) (uuid.UUID, error) {
	return q.Enqueue(ctx, tenantID, devEUI, decode.DisplayPort, payload, false)
}

// Acknowledge resolves the in-flight envelope for a device when an uplink
// or status echo shows the device carries the target payload.
func (q *Queue) Acknowledge(ctx context.Context, devEUI string, payload []byte) error {
	done, err := q.store.AcknowledgeSendingForDevice(ctx, devEUI, payload)
	if err != nil {
		return err
	}
	if done {
		q.logger.Debug().
			Str(log.FieldEvent, "downlink.acknowledged").
			Str(log.FieldDevEUI, devEUI).
			Msg("envelope acknowledged by device echo")
	}
	return nil
}
