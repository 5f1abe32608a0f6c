// SPDX-License-Identifier: MIT

package display

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/spotsense/spotsense/internal/coord"
	"github.com/spotsense/spotsense/internal/model"
)

var (
	now    = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	policy = model.DefaultPolicy(uuid.New())
)

func baseInputs() Inputs {
	return Inputs{
		Policy:         policy,
		ReservedSoon:   15 * time.Minute,
		UnknownTimeout: 60 * time.Second,
		Now:            now,
	}
}

func stableAt(occ model.Occupancy, at time.Time) coord.DebounceState {
	st := coord.DebounceState{Stable: occ, StableAt: at, LastReading: at}
	if occ == model.OccupancyOccupied || occ == model.OccupancyVacant {
		st.LastPresence = occ
	}
	return st
}

func TestEvaluatePriorityTable(t *testing.T) {
	activeRes := model.Reservation{
		Start:  now.Add(-10 * time.Minute),
		End:    now.Add(50 * time.Minute),
		Status: model.ReservationConfirmed,
	}
	soonRes := model.Reservation{
		Start:  now.Add(10 * time.Minute),
		End:    now.Add(70 * time.Minute),
		Status: model.ReservationConfirmed,
	}
	farRes := model.Reservation{
		Start:  now.Add(2 * time.Hour),
		End:    now.Add(3 * time.Hour),
		Status: model.ReservationConfirmed,
	}

	cases := []struct {
		name     string
		mutate   func(*Inputs)
		state    model.SpaceState
		color    model.RGB
		blink    bool
		priority int
	}{
		{
			name: "out_of_service override beats everything",
			mutate: func(in *Inputs) {
				in.Override = &model.AdminOverride{Reason: model.OverrideOutOfService}
				in.Reservation = &activeRes
				in.Debounce = stableAt(model.OccupancyOccupied, now)
			},
			state: model.SpaceMaintenance, color: policy.OutOfServiceColor, priority: PriorityOutOfService,
		},
		{
			name: "blocked override beats reservation",
			mutate: func(in *Inputs) {
				in.Override = &model.AdminOverride{Reason: model.OverrideBlocked}
				in.Reservation = &activeRes
			},
			state: model.SpaceMaintenance, color: policy.BlockedColor, priority: PriorityBlocked,
		},
		{
			name: "expired override is ignored",
			mutate: func(in *Inputs) {
				past := now.Add(-time.Minute)
				in.Override = &model.AdminOverride{Reason: model.OverrideBlocked, Until: &past}
			},
			state: model.SpaceFree, color: policy.FreeColor, priority: PriorityDefault,
		},
		{
			name: "active reservation beats occupied sensor",
			mutate: func(in *Inputs) {
				in.Reservation = &activeRes
				in.Debounce = stableAt(model.OccupancyOccupied, now)
			},
			state: model.SpaceReserved, color: policy.ReservedColor, priority: PriorityReserved,
		},
		{
			name: "reservation within soon window blinks per policy",
			mutate: func(in *Inputs) {
				in.Reservation = &soonRes
				in.Debounce = stableAt(model.OccupancyVacant, now)
			},
			state: model.SpaceReserved, color: policy.ReservedSoonColor, blink: true, priority: PriorityReservedSoon,
		},
		{
			name: "reservation outside soon window is invisible",
			mutate: func(in *Inputs) {
				in.Reservation = &farRes
				in.Debounce = stableAt(model.OccupancyVacant, now)
			},
			state: model.SpaceFree, color: policy.FreeColor, priority: PrioritySensor,
		},
		{
			name: "stable occupied",
			mutate: func(in *Inputs) {
				in.Debounce = stableAt(model.OccupancyOccupied, now.Add(-5*time.Second))
			},
			state: model.SpaceOccupied, color: policy.OccupiedColor, priority: PrioritySensor,
		},
		{
			name: "stable vacant",
			mutate: func(in *Inputs) {
				in.Debounce = stableAt(model.OccupancyVacant, now.Add(-5*time.Second))
			},
			state: model.SpaceFree, color: policy.FreeColor, priority: PrioritySensor,
		},
		{
			name: "silent sensor holds last stable occupied",
			mutate: func(in *Inputs) {
				in.Debounce = stableAt(model.OccupancyOccupied, now.Add(-5*time.Minute))
			},
			state: model.SpaceOccupied, color: policy.OccupiedColor, priority: PriorityHold,
		},
		{
			name: "stable unknown holds last presence",
			mutate: func(in *Inputs) {
				st := stableAt(model.OccupancyVacant, now.Add(-time.Minute))
				st.Stable = model.OccupancyUnknown
				st.LastReading = now.Add(-time.Second)
				in.Debounce = st
			},
			state: model.SpaceFree, color: policy.FreeColor, priority: PriorityHold,
		},
		{
			name:   "no data defaults to free",
			mutate: func(in *Inputs) {},
			state:  model.SpaceFree, color: policy.FreeColor, priority: PriorityDefault,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := baseInputs()
			tc.mutate(&in)
			got := Evaluate(in)
			assert.Equal(t, tc.state, got.State)
			assert.Equal(t, tc.color, got.Color)
			assert.Equal(t, tc.blink, got.Blink)
			assert.Equal(t, tc.priority, got.Priority)
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	in := baseInputs()
	in.Debounce = stableAt(model.OccupancyOccupied, now)
	first := Evaluate(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Evaluate(in))
	}
}

func TestAdvanceDebounce(t *testing.T) {
	window := 10 * time.Second

	t.Run("two readings within window stabilize", func(t *testing.T) {
		st := AdvanceDebounce(coord.DebounceState{}, model.OccupancyOccupied, now, window)
		assert.Equal(t, model.Occupancy(""), st.Stable)
		assert.Equal(t, model.OccupancyOccupied, st.Pending)

		st = AdvanceDebounce(st, model.OccupancyOccupied, now.Add(5*time.Second), window)
		assert.Equal(t, model.OccupancyOccupied, st.Stable)
		assert.Equal(t, model.OccupancyOccupied, st.LastPresence)
		assert.Empty(t, st.Pending)
	})

	t.Run("second reading outside window restarts pending", func(t *testing.T) {
		st := AdvanceDebounce(coord.DebounceState{}, model.OccupancyOccupied, now, window)
		st = AdvanceDebounce(st, model.OccupancyOccupied, now.Add(30*time.Second), window)
		assert.Empty(t, st.Stable)
		assert.Equal(t, model.OccupancyOccupied, st.Pending)
		assert.Equal(t, now.Add(30*time.Second), st.PendingAt)
	})

	t.Run("different reading resets pending", func(t *testing.T) {
		st := AdvanceDebounce(coord.DebounceState{}, model.OccupancyOccupied, now, window)
		st = AdvanceDebounce(st, model.OccupancyVacant, now.Add(2*time.Second), window)
		assert.Empty(t, st.Stable)
		assert.Equal(t, model.OccupancyVacant, st.Pending)
		assert.Equal(t, 1, st.PendingCount)
	})

	t.Run("reading matching stable reinforces without pending", func(t *testing.T) {
		st := stableAt(model.OccupancyOccupied, now)
		st = AdvanceDebounce(st, model.OccupancyOccupied, now.Add(time.Minute), window)
		assert.Equal(t, model.OccupancyOccupied, st.Stable)
		assert.Equal(t, now.Add(time.Minute), st.StableAt)
		assert.Empty(t, st.Pending)
	})

	t.Run("unknown stabilizes without clobbering last presence", func(t *testing.T) {
		st := stableAt(model.OccupancyOccupied, now)
		st = AdvanceDebounce(st, model.OccupancyUnknown, now.Add(time.Second), window)
		st = AdvanceDebounce(st, model.OccupancyUnknown, now.Add(3*time.Second), window)
		assert.Equal(t, model.OccupancyUnknown, st.Stable)
		assert.Equal(t, model.OccupancyOccupied, st.LastPresence)
	})
}

func TestSilent(t *testing.T) {
	timeout := time.Minute
	assert.False(t, Silent(coord.DebounceState{}, now, timeout))
	assert.False(t, Silent(coord.DebounceState{LastReading: now.Add(-30 * time.Second)}, now, timeout))
	assert.True(t, Silent(coord.DebounceState{LastReading: now.Add(-2 * time.Minute)}, now, timeout))
}
