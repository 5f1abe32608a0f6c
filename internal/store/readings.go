// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/spotsense/spotsense/internal/model"
)

// InsertReading persists a sensor reading. The unique index on
// (tenant_id, dev_eui, fcnt) makes the insert idempotent: a second copy of
// the same uplink reports duplicate=true instead of inserting.
func (s *Store) InsertReading(ctx context.Context, r model.SensorReading) (duplicate bool, err error) {
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sensor_readings
			(id, tenant_id, dev_eui, fcnt, port, occupancy, battery, rssi, snr, gateway_eui, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.TenantID, r.DevEUI, int64(r.Fcnt), r.Port, r.Occupancy,
		r.Battery, r.RSSI, r.SNR, r.GatewayEUI, r.ReceivedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return true, nil
		}
		return false, fmt.Errorf("insert reading: %w", err)
	}
	return false, nil
}

// LatestReadingForDevice returns the most recent reading for a sensor.
func (s *Store) LatestReadingForDevice(ctx context.Context, tenantID, eui string) (model.SensorReading, error) {
	var r model.SensorReading
	err := s.db.QueryRowxContext(ctx, `
		SELECT id, tenant_id, dev_eui, fcnt, port, occupancy, battery, rssi, snr, gateway_eui, received_at
		FROM sensor_readings
		WHERE tenant_id = $1 AND dev_eui = $2
		ORDER BY fcnt DESC LIMIT 1`, tenantID, eui).
		Scan(&r.ID, &r.TenantID, &r.DevEUI, &r.Fcnt, &r.Port, &r.Occupancy,
			&r.Battery, &r.RSSI, &r.SNR, &r.GatewayEUI, &r.ReceivedAt)
	if err != nil {
		return model.SensorReading{}, classify(err, "reading")
	}
	return r, nil
}

// UpsertOrphan records an uplink from an unregistered EUI. Conditional fcnt
// advancement inside the UPSERT prevents lost updates between concurrent
// handlers: only a strictly newer fcnt mutates the row.
func (s *Store) UpsertOrphan(ctx context.Context, o model.OrphanDevice) (duplicate bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orphan_devices
			(eui, last_fcnt, uplink_count, last_payload, last_port, last_rssi, last_snr, first_seen, last_seen)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (eui) DO UPDATE SET
			last_fcnt    = EXCLUDED.last_fcnt,
			uplink_count = orphan_devices.uplink_count + 1,
			last_payload = EXCLUDED.last_payload,
			last_port    = EXCLUDED.last_port,
			last_rssi    = EXCLUDED.last_rssi,
			last_snr     = EXCLUDED.last_snr,
			last_seen    = EXCLUDED.last_seen
		WHERE EXCLUDED.last_fcnt > orphan_devices.last_fcnt`,
		o.EUI, int64(o.LastFcnt), o.LastPayload, o.LastPort, o.LastRSSI, o.LastSNR, o.LastSeen)
	if err != nil {
		return false, fmt.Errorf("upsert orphan: %w", err)
	}
	n, _ := res.RowsAffected()
	// Zero affected rows means the conditional update declined: the fcnt was
	// not newer, so the uplink is a replay.
	return n == 0, nil
}

// OrphanByEUI returns one orphan record.
func (s *Store) OrphanByEUI(ctx context.Context, eui string) (model.OrphanDevice, error) {
	var row orphanRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM orphan_devices WHERE eui = $1`, eui)
	if err != nil {
		return model.OrphanDevice{}, classify(err, "orphan")
	}
	return row.toModel(), nil
}

// ListOrphans returns orphan devices ordered by most recently heard.
func (s *Store) ListOrphans(ctx context.Context, limit int) ([]model.OrphanDevice, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []orphanRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM orphan_devices ORDER BY last_seen DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	out := make([]model.OrphanDevice, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// DeleteOrphan removes an orphan record, typically after adoption.
func (s *Store) DeleteOrphan(ctx context.Context, eui string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM orphan_devices WHERE eui = $1`, eui)
	if err != nil {
		return fmt.Errorf("delete orphan: %w", err)
	}
	return nil
}

// PurgeInactiveOrphans deletes orphans silent for longer than age.
func (s *Store) PurgeInactiveOrphans(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM orphan_devices WHERE last_seen < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(age.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
