// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/spotsense/spotsense/internal/model"
)

// InsertAuditEntry appends one row to the ledger. When tx is non-nil the
// write joins the triggering transaction, so a rolled-back mutation leaves
// no audit trace.
func (s *Store) InsertAuditEntry(ctx context.Context, tx *sqlx.Tx, e model.AuditEntry) error {
	const q = `
		INSERT INTO audit_entries
			(id, tenant_id, actor_kind, actor_id, action, resource, before, after, request_id, ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, q,
			e.ID, e.TenantID, e.ActorKind, e.ActorID, e.Action, e.Resource,
			nullableJSON(e.Before), nullableJSON(e.After), e.RequestID, e.IP)
	} else {
		_, err = s.db.ExecContext(ctx, q,
			e.ID, e.TenantID, e.ActorKind, e.ActorID, e.Action, e.Resource,
			nullableJSON(e.Before), nullableJSON(e.After), e.RequestID, e.IP)
	}
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ListAuditEntries returns a tenant's ledger, newest first.
func (s *Store) ListAuditEntries(ctx context.Context, tenantID uuid.UUID, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, tenant_id, actor_kind, actor_id, action, resource,
		       coalesce(before, 'null'), coalesce(after, 'null'), request_id, ip, created_at
		FROM audit_entries
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorKind, &e.ActorID, &e.Action,
			&e.Resource, &e.Before, &e.After, &e.RequestID, &e.IP, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeAuditEntries deletes ledger rows older than retention. The delete
// trigger is disarmed only for this transaction's session setting; nothing
// else can remove audit rows.
func (s *Store) PurgeAuditEntries(ctx context.Context, retention time.Duration) (int64, error) {
	var n int64
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT set_config('parkd.retention_purge', 'on', true)`); err != nil {
			return fmt.Errorf("arm retention purge: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM audit_entries WHERE created_at < now() - $1::interval`,
			fmt.Sprintf("%d seconds", int(retention.Seconds())))
		if err != nil {
			return fmt.Errorf("purge audit entries: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
