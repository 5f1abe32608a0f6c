// SPDX-License-Identifier: MIT

// Package display computes the target state of a parking space: debounce
// of raw sensor readings, the priority state machine, and the evaluator
// that serializes re-evaluations per space.
package display

import (
	"time"

	"github.com/spotsense/spotsense/internal/coord"
	"github.com/spotsense/spotsense/internal/model"
)

// AdvanceDebounce folds one raw occupancy reading into the per-space
// hysteresis record. A value becomes stable on its second sighting within
// the window; a different value restarts the pending phase. A reading that
// matches the current stable value reinforces it directly.
func AdvanceDebounce(st coord.DebounceState, occ model.Occupancy, at time.Time, window time.Duration) coord.DebounceState {
	st.LastReading = at

	if occ == st.Stable && st.Stable != "" {
		st.StableAt = at
		st.Pending = ""
		st.PendingCount = 0
		return st
	}

	if occ == st.Pending && st.Pending != "" {
		if at.Sub(st.PendingAt) <= window {
			st.Stable = occ
			st.StableAt = at
			if occ == model.OccupancyOccupied || occ == model.OccupancyVacant {
				st.LastPresence = occ
			}
			st.Pending = ""
			st.PendingCount = 0
			return st
		}
		// Same value but the window lapsed; restart the pending phase.
		st.PendingAt = at
		st.PendingCount = 1
		return st
	}

	st.Pending = occ
	st.PendingCount = 1
	st.PendingAt = at
	return st
}

// Silent reports whether the sensor has been quiet longer than timeout.
// A zero LastReading means no reading was ever seen.
func Silent(st coord.DebounceState, now time.Time, timeout time.Duration) bool {
	return !st.LastReading.IsZero() && now.Sub(st.LastReading) > timeout
}
