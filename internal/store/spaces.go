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

// SpaceByID returns a live space within the given tenant.
func (s *Store) SpaceByID(ctx context.Context, tenantID, spaceID uuid.UUID) (model.Space, error) {
	var row spaceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM spaces
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenantID, spaceID)
	if err != nil {
		return model.Space{}, classify(err, "space")
	}
	return row.toModel(), nil
}

// SpaceBySensorEUI resolves the space a sensor is currently assigned to.
func (s *Store) SpaceBySensorEUI(ctx context.Context, tenantID uuid.UUID, eui string) (model.Space, error) {
	var row spaceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM spaces
		WHERE tenant_id = $1 AND sensor_eui = $2 AND deleted_at IS NULL`, tenantID, eui)
	if err != nil {
		return model.Space{}, classify(err, "space")
	}
	return row.toModel(), nil
}

// ListSpaces returns the live spaces of a tenant.
func (s *Store) ListSpaces(ctx context.Context, tenantID uuid.UUID) ([]model.Space, error) {
	var rows []spaceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM spaces
		WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY code`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	out := make([]model.Space, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// SpacesWithDisplays returns every live space that has a display assigned.
// The reconciliation sweep iterates this set.
func (s *Store) SpacesWithDisplays(ctx context.Context) ([]model.Space, error) {
	var rows []spaceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM spaces
		WHERE display_eui <> '' AND deleted_at IS NULL ORDER BY tenant_id, code`)
	if err != nil {
		return nil, fmt.Errorf("spaces with displays: %w", err)
	}
	out := make([]model.Space, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// UpdateSpaceState transitions a space's current state and appends a
// state-change record in the same transaction.
func (s *Store) UpdateSpaceState(ctx context.Context, tenantID, spaceID uuid.UUID, newState model.SpaceState, reason string) error {
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		var oldState string
		err := tx.GetContext(ctx, &oldState, `
			SELECT state FROM spaces
			WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL FOR UPDATE`,
			tenantID, spaceID)
		if err != nil {
			return classify(err, "space")
		}
		if oldState == string(newState) {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE spaces SET state = $3 WHERE tenant_id = $1 AND id = $2`,
			tenantID, spaceID, newState); err != nil {
			return fmt.Errorf("update space state: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_changes (id, tenant_id, space_id, old_state, new_state, reason)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), tenantID, spaceID, oldState, newState, reason); err != nil {
			return fmt.Errorf("insert state change: %w", err)
		}
		return nil
	})
}

// AssignDevice binds a registered device to a space in one transaction,
// updating both the device record and the space's EUI column. Tenant
// alignment between device and space is validated here.
func (s *Store) AssignDevice(ctx context.Context, tenantID, spaceID uuid.UUID, eui, role string) error {
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		var dev deviceRow
		err := tx.GetContext(ctx, &dev, `
			SELECT * FROM devices
			WHERE tenant_id = $1 AND eui = $2 AND role = $3 AND deleted_at IS NULL FOR UPDATE`,
			tenantID, eui, role)
		if err != nil {
			return classify(err, "device")
		}
		var sp spaceRow
		err = tx.GetContext(ctx, &sp, `
			SELECT * FROM spaces
			WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL FOR UPDATE`,
			tenantID, spaceID)
		if err != nil {
			return classify(err, "space")
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE devices SET space_id = $1, lifecycle = 'assigned'
			WHERE id = $2`, spaceID, dev.ID); err != nil {
			return classify(err, "device-assignment")
		}
		column := "sensor_eui"
		if role == "display" {
			column = "display_eui"
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE spaces SET %s = $1 WHERE id = $2`, column),
			eui, spaceID); err != nil {
			return fmt.Errorf("bind device to space: %w", err)
		}
		return nil
	})
}

// UnassignDevice removes a device binding from a space.
func (s *Store) UnassignDevice(ctx context.Context, tenantID, spaceID uuid.UUID, role string) error {
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		column := "sensor_eui"
		if role == "display" {
			column = "display_eui"
		}
		var eui string
		err := tx.GetContext(ctx, &eui, fmt.Sprintf(`
			SELECT %s FROM spaces
			WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL FOR UPDATE`, column),
			tenantID, spaceID)
		if err != nil {
			return classify(err, "space")
		}
		if eui == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE devices SET space_id = NULL, lifecycle = 'provisioned'
			WHERE tenant_id = $1 AND eui = $2 AND role = $3`, tenantID, eui, role); err != nil {
			return fmt.Errorf("unbind device: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE spaces SET %s = '' WHERE id = $1`, column),
			spaceID); err != nil {
			return fmt.Errorf("clear space binding: %w", err)
		}
		return nil
	})
}

// DeviceByEUI returns a registered device by EUI and role within a tenant.
func (s *Store) DeviceByEUI(ctx context.Context, tenantID uuid.UUID, eui, role string) (model.Device, error) {
	var row deviceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM devices
		WHERE tenant_id = $1 AND eui = $2 AND role = $3 AND deleted_at IS NULL`,
		tenantID, eui, role)
	if err != nil {
		return model.Device{}, classify(err, "device")
	}
	return row.toModel(), nil
}

// SensorDeviceByEUI resolves a sensor device across tenants; ingest uses it
// before a tenant context exists.
func (s *Store) SensorDeviceByEUI(ctx context.Context, eui string) (model.Device, error) {
	var row deviceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM devices
		WHERE eui = $1 AND role = 'sensor' AND deleted_at IS NULL`, eui)
	if err != nil {
		return model.Device{}, classify(err, "device")
	}
	return row.toModel(), nil
}

// InsertDevice registers a device.
func (s *Store) InsertDevice(ctx context.Context, d model.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, tenant_id, eui, type, role, lifecycle)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TenantID, d.EUI, d.Type, d.Role, d.Lifecycle)
	if err != nil {
		return classify(err, "device-eui")
	}
	return nil
}

// TouchDeviceSeen advances a device's last-seen timestamp and activates it.
func (s *Store) TouchDeviceSeen(ctx context.Context, tenantID uuid.UUID, eui string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET last_seen = $3,
			lifecycle = CASE WHEN lifecycle IN ('provisioned','assigned','inactive') THEN 'active' ELSE lifecycle END
		WHERE tenant_id = $1 AND eui = $2 AND deleted_at IS NULL`,
		tenantID, eui, at)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// UpsertGatewaySeen records that a gateway was heard from.
func (s *Store) UpsertGatewaySeen(ctx context.Context, tenantID uuid.UUID, eui string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateways (id, tenant_id, eui, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (eui) DO UPDATE SET last_seen = GREATEST(gateways.last_seen, EXCLUDED.last_seen)`,
		uuid.New(), tenantID, eui, at)
	if err != nil {
		return fmt.Errorf("upsert gateway: %w", err)
	}
	return nil
}

// GatewayByEUI returns a gateway by EUI.
func (s *Store) GatewayByEUI(ctx context.Context, eui string) (model.Gateway, error) {
	var row gatewayRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM gateways WHERE eui = $1`, eui)
	if err != nil {
		return model.Gateway{}, classify(err, "gateway")
	}
	return row.toModel(), nil
}

// GatewaysOfflineSince returns gateways silent for at least the given age.
func (s *Store) GatewaysOfflineSince(ctx context.Context, age time.Duration) ([]model.Gateway, error) {
	var rows []gatewayRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM gateways
		WHERE last_seen IS NULL OR last_seen < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(age.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("offline gateways: %w", err)
	}
	out := make([]model.Gateway, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// TenantHasOnlineGateway reports whether any of the tenant's gateways was
// heard within the online window. The dispatcher preflight defers
// envelopes when this is false.
func (s *Store) TenantHasOnlineGateway(ctx context.Context, tenantID uuid.UUID, window time.Duration) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM gateways
		WHERE tenant_id = $1 AND last_seen >= now() - $2::interval`,
		tenantID, fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return false, fmt.Errorf("online gateways: %w", err)
	}
	return n > 0, nil
}

// GatewayOnline reports whether one specific gateway was heard within the
// window. The preflight prefers this over the tenant-wide check when the
// envelope knows which gateway the device is behind.
func (s *Store) GatewayOnline(ctx context.Context, tenantID uuid.UUID, eui string, window time.Duration) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM gateways
		WHERE tenant_id = $1 AND eui = $2 AND last_seen >= now() - $3::interval`,
		tenantID, eui, fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return false, fmt.Errorf("gateway online: %w", err)
	}
	return n > 0, nil
}

// ListDevices returns a tenant's registered devices, newest first.
func (s *Store) ListDevices(ctx context.Context, tenantID uuid.UUID) ([]model.Device, error) {
	var rows []deviceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM devices
		WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]model.Device, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// CountDevices counts a tenant's live devices for quota checks.
func (s *Store) CountDevices(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM devices WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}
