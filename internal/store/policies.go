// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/spotsense/spotsense/internal/model"
)

// DisplayPolicy returns the tenant's active display policy, falling back to
// the built-in defaults when none is stored.
func (s *Store) DisplayPolicy(ctx context.Context, tenantID uuid.UUID) (model.DisplayPolicy, error) {
	var row policyRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM display_policies WHERE tenant_id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultPolicy(tenantID), nil
	}
	if err != nil {
		return model.DisplayPolicy{}, fmt.Errorf("display policy: %w", err)
	}
	return row.toModel(), nil
}

// ReplaceDisplayPolicy atomically swaps the tenant's policy. A policy is
// never partially applied: the single UPSERT replaces every column and bumps
// the version in one statement.
func (s *Store) ReplaceDisplayPolicy(ctx context.Context, p model.DisplayPolicy) (int64, error) {
	var version int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO display_policies
			(id, tenant_id, version, free_color, occupied_color, reserved_color,
			 reserved_soon_color, blocked_color, out_of_service_color, reserved_soon_blink, updated_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			version              = display_policies.version + 1,
			free_color           = EXCLUDED.free_color,
			occupied_color       = EXCLUDED.occupied_color,
			reserved_color       = EXCLUDED.reserved_color,
			reserved_soon_color  = EXCLUDED.reserved_soon_color,
			blocked_color        = EXCLUDED.blocked_color,
			out_of_service_color = EXCLUDED.out_of_service_color,
			reserved_soon_blink  = EXCLUDED.reserved_soon_blink,
			updated_at           = now()
		RETURNING version`,
		uuid.New(), p.TenantID,
		rgbToInt(p.FreeColor), rgbToInt(p.OccupiedColor), rgbToInt(p.ReservedColor),
		rgbToInt(p.ReservedSoonColor), rgbToInt(p.BlockedColor), rgbToInt(p.OutOfServiceColor),
		p.ReservedSoonBlink).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("replace display policy: %w", err)
	}
	return version, nil
}

// OverrideForSpace returns the admin override on a space, if any.
func (s *Store) OverrideForSpace(ctx context.Context, tenantID, spaceID uuid.UUID) (model.AdminOverride, bool, error) {
	var row overrideRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM admin_overrides WHERE tenant_id = $1 AND space_id = $2`,
		tenantID, spaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AdminOverride{}, false, nil
	}
	if err != nil {
		return model.AdminOverride{}, false, fmt.Errorf("override for space: %w", err)
	}
	return row.toModel(), true, nil
}

// SetOverride places or replaces the admin override on a space.
func (s *Store) SetOverride(ctx context.Context, o model.AdminOverride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_overrides (id, tenant_id, space_id, reason, until_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (space_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			until_at = EXCLUDED.until_at,
			created_by = EXCLUDED.created_by,
			created_at = now()`,
		o.ID, o.TenantID, o.SpaceID, o.Reason, o.Until, o.CreatedBy)
	if err != nil {
		return fmt.Errorf("set override: %w", err)
	}
	return nil
}

// ClearOverride removes the admin override on a space. It reports whether
// an override existed.
func (s *Store) ClearOverride(ctx context.Context, tenantID, spaceID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM admin_overrides WHERE tenant_id = $1 AND space_id = $2`,
		tenantID, spaceID)
	if err != nil {
		return false, fmt.Errorf("clear override: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
