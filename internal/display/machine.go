// SPDX-License-Identifier: MIT

package display

import (
	"time"

	"github.com/spotsense/spotsense/internal/coord"
	"github.com/spotsense/spotsense/internal/model"
)

// Priority levels of the state machine, lowest number wins.
const (
	PriorityOutOfService = 1
	PriorityBlocked      = 2
	PriorityReserved     = 3
	PriorityReservedSoon = 4
	PrioritySensor       = 5
	PriorityHold         = 6
	PriorityDefault      = 7
)

// Inputs is everything Evaluate reads. The function is pure over it.
type Inputs struct {
	Policy         model.DisplayPolicy
	Override       *model.AdminOverride
	Reservation    *model.Reservation // active now or starting within horizon
	ReservedSoon   time.Duration
	Debounce       coord.DebounceState
	UnknownTimeout time.Duration
	Now            time.Time
}

// Target is the computed display instruction for a space.
type Target struct {
	State    model.SpaceState
	Color    model.RGB
	Blink    bool
	Priority int
	Reason   string
}

// Evaluate walks the priority table top down and returns the first match.
func Evaluate(in Inputs) Target {
	if o := in.Override; o != nil && o.Active(in.Now) {
		switch o.Reason {
		case model.OverrideOutOfService:
			return Target{
				State:    model.SpaceMaintenance,
				Color:    in.Policy.OutOfServiceColor,
				Priority: PriorityOutOfService,
				Reason:   "override_out_of_service",
			}
		case model.OverrideBlocked:
			return Target{
				State:    model.SpaceMaintenance,
				Color:    in.Policy.BlockedColor,
				Priority: PriorityBlocked,
				Reason:   "override_blocked",
			}
		}
	}

	if r := in.Reservation; r != nil {
		if r.ActiveAt(in.Now) {
			return Target{
				State:    model.SpaceReserved,
				Color:    in.Policy.ReservedColor,
				Priority: PriorityReserved,
				Reason:   "reservation_active",
			}
		}
		if r.Start.After(in.Now) && !r.Start.After(in.Now.Add(in.ReservedSoon)) {
			return Target{
				State:    model.SpaceReserved,
				Color:    in.Policy.ReservedSoonColor,
				Blink:    in.Policy.ReservedSoonBlink,
				Priority: PriorityReservedSoon,
				Reason:   "reservation_soon",
			}
		}
	}

	stable := in.Debounce.Stable
	silent := Silent(in.Debounce, in.Now, in.UnknownTimeout)

	if !silent {
		switch stable {
		case model.OccupancyOccupied:
			return Target{
				State:    model.SpaceOccupied,
				Color:    in.Policy.OccupiedColor,
				Priority: PrioritySensor,
				Reason:   "sensor_occupied",
			}
		case model.OccupancyVacant:
			return Target{
				State:    model.SpaceFree,
				Color:    in.Policy.FreeColor,
				Priority: PrioritySensor,
				Reason:   "sensor_vacant",
			}
		}
	}

	// Unknown or silent: hold the last stable presence if one exists.
	if silent || stable == model.OccupancyUnknown {
		switch in.Debounce.LastPresence {
		case model.OccupancyOccupied:
			return Target{
				State:    model.SpaceOccupied,
				Color:    in.Policy.OccupiedColor,
				Priority: PriorityHold,
				Reason:   "hold_last_stable",
			}
		case model.OccupancyVacant:
			return Target{
				State:    model.SpaceFree,
				Color:    in.Policy.FreeColor,
				Priority: PriorityHold,
				Reason:   "hold_last_stable",
			}
		}
	}

	return Target{
		State:    model.SpaceFree,
		Color:    in.Policy.FreeColor,
		Priority: PriorityDefault,
		Reason:   "default_free",
	}
}
