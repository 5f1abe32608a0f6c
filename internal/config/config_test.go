// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 30, cfg.RefreshTokenTTLDays)
	assert.Equal(t, 5*time.Minute, cfg.WebhookReplayWindow)
	assert.Equal(t, 15*time.Minute, cfg.ReservedSoon)
	assert.Equal(t, 60*time.Second, cfg.UnknownTimeout)
	assert.Equal(t, 10*time.Second, cfg.DebounceWindow)
	assert.Equal(t, 15*time.Second, cfg.DownlinkMonitorTimeout)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}, cfg.DownlinkRetryBackoff)
	assert.Equal(t, 5, cfg.DownlinkMaxAttempts)
	assert.Equal(t, 100, cfg.TenantRatePerSec)
	assert.Equal(t, 100, cfg.DownlinkRatePerSec)
	assert.Equal(t, 30*24*time.Hour, cfg.ReadingRetention)
	assert.Equal(t, 90*24*time.Hour, cfg.StateChangeRetention)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARKD_ACCESS_TOKEN_TTL", "30m")
	t.Setenv("PARKD_DISPATCH_WORKERS", "8")
	t.Setenv("PARKD_REQUIRE_WEBHOOK_SIGNATURE", "false")

	cfg := Load()
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 8, cfg.DispatchWorkers)
	assert.False(t, cfg.RequireSignature)
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("PARKD_DISPATCH_WORKERS", "not-a-number")
	t.Setenv("PARKD_ACCESS_TOKEN_TTL", "soon")

	cfg := Load()
	assert.Equal(t, 4, cfg.DispatchWorkers)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	require.NoError(t, cfg.Validate())

	cfg.JWTSecret = "short"
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.AccessTokenTTL = 2 * time.Hour
	assert.Error(t, cfg.Validate())
}
