// SPDX-License-Identifier: MIT

// Package audit records privileged mutations in the append-only ledger.
// Every entry answers WHO did WHAT to WHICH resource, and is mirrored to
// the structured log for live forensics.
package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/store"
)

// Well-known ledger actions, named resource.verb.
const (
	ActionSpaceAssignDevice   = "space.assign_device"
	ActionSpaceUnassignDevice = "space.unassign_device"
	ActionSpaceOverrideSet    = "space.override_set"
	ActionSpaceOverrideClear  = "space.override_clear"
	ActionPolicyReplace       = "policy.replace"
	ActionReservationCreate   = "reservation.create"
	ActionReservationCancel   = "reservation.cancel"
	ActionServiceKeyMint      = "service_key.mint"
	ActionServiceKeyRevoke    = "service_key.revoke"
	ActionOrphanClaim         = "orphan.claim"
	ActionSecretRotate        = "tenant.secret_rotate"
)

// Recorder writes entries to the durable ledger and mirrors them to the log.
type Recorder struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewRecorder wires a recorder to the durable store.
func NewRecorder(st *store.Store) *Recorder {
	return &Recorder{
		store: st,
		logger: log.WithComponent("audit").With().
			Str("log_type", "audit").
			Logger(),
	}
}

// Entry is the recorder's input; Before and After are snapshotted as JSON.
type Entry struct {
	TenantID  uuid.UUID
	ActorKind model.ActorKind
	ActorID   string
	Action    string
	Resource  string
	Before    any
	After     any
	IP        string
}

// Record writes the ledger row outside any transaction.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	return r.record(ctx, nil, e)
}

// RecordTx writes the ledger row inside the mutation's transaction so the
// entry commits and rolls back with the change it describes.
func (r *Recorder) RecordTx(ctx context.Context, tx *sqlx.Tx, e Entry) error {
	return r.record(ctx, tx, e)
}

func (r *Recorder) record(ctx context.Context, tx *sqlx.Tx, e Entry) error {
	row := model.AuditEntry{
		ID:        uuid.New(),
		TenantID:  e.TenantID,
		ActorKind: e.ActorKind,
		ActorID:   e.ActorID,
		Action:    e.Action,
		Resource:  e.Resource,
		Before:    snapshot(e.Before),
		After:     snapshot(e.After),
		RequestID: log.RequestIDFromContext(ctx),
		IP:        e.IP,
	}
	if err := r.store.InsertAuditEntry(ctx, tx, row); err != nil {
		return err
	}
	r.logger.Info().
		Str(log.FieldEvent, "audit.recorded").
		Str(log.FieldTenantID, e.TenantID.String()).
		Str(log.FieldActor, e.ActorID).
		Str("actor_kind", string(e.ActorKind)).
		Str("action", e.Action).
		Str("resource", e.Resource).
		Msg("audit entry recorded")
	return nil
}

func snapshot(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
