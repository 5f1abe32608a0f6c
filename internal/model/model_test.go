// SPDX-License-Identifier: MIT

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleOwner.AtLeast(RoleAdmin))
	assert.True(t, RoleAdmin.AtLeast(RoleAdmin))
	assert.False(t, RoleOperator.AtLeast(RoleAdmin))
	assert.True(t, RolePlatformAdmin.AtLeast(RoleOwner))
	assert.False(t, Role("bogus").Valid())
}

func TestNormalizeEUI(t *testing.T) {
	eui, ok := NormalizeEUI("aabbccdd00112233")
	assert.True(t, ok)
	assert.Equal(t, "AABBCCDD00112233", eui)

	_, ok = NormalizeEUI("xyz")
	assert.False(t, ok)

	_, ok = NormalizeEUI("AABBCCDD0011223") // 15 digits
	assert.False(t, ok)
}

func TestGatewayOnline(t *testing.T) {
	now := time.Now()
	recent := now.Add(-4 * time.Minute)
	stale := now.Add(-6 * time.Minute)

	assert.True(t, Gateway{LastSeen: &recent}.Online(now))
	assert.False(t, Gateway{LastSeen: &stale}.Online(now))
	assert.False(t, Gateway{}.Online(now))
}

func TestReservationActiveAt(t *testing.T) {
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	r := Reservation{Start: start, End: end, Status: ReservationConfirmed}

	assert.True(t, r.ActiveAt(start))                    // inclusive start
	assert.True(t, r.ActiveAt(end.Add(-time.Second)))
	assert.False(t, r.ActiveAt(end))                     // exclusive end
	assert.False(t, r.ActiveAt(start.Add(-time.Second)))

	r.Status = ReservationCancelled
	assert.False(t, r.ActiveAt(start))
}

func TestOverrideActive(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	assert.True(t, AdminOverride{Until: nil}.Active(now))
	assert.True(t, AdminOverride{Until: &later}.Active(now))
	assert.False(t, AdminOverride{Until: &earlier}.Active(now))
}
