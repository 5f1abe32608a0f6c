// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"
)

// PurgeSensorReadings deletes readings older than retention. Readings are
// append-only; retention is the only path that removes them.
func (s *Store) PurgeSensorReadings(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sensor_readings WHERE received_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge sensor readings: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeStateChanges deletes state-change rows older than retention.
func (s *Store) PurgeStateChanges(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM state_changes WHERE changed_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge state changes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
