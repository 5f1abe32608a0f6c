// SPDX-License-Identifier: MIT

package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotsense/spotsense/internal/model"
)

func TestMotionDecode(t *testing.T) {
	reg := NewRegistry()

	t.Run("occupied with battery and temperature", func(t *testing.T) {
		r, err := reg.Decode(model.DeviceMotionSensor, 1, []byte{0x01, 0x55, 0x00, 0xE6})
		require.NoError(t, err)
		assert.Equal(t, model.OccupancyOccupied, r.Occupancy)
		require.NotNil(t, r.Battery)
		assert.Equal(t, 85.0, *r.Battery)
		require.NotNil(t, r.Temperature)
		assert.InDelta(t, 23.0, *r.Temperature, 0.01)
	})

	t.Run("vacant minimal frame", func(t *testing.T) {
		r, err := reg.Decode(model.DeviceMotionSensor, 1, []byte{0x00})
		require.NoError(t, err)
		assert.Equal(t, model.OccupancyVacant, r.Occupancy)
		assert.Nil(t, r.Battery)
	})

	t.Run("negative temperature", func(t *testing.T) {
		r, err := reg.Decode(model.DeviceMotionSensor, 1, []byte{0x01, 0x64, 0xFF, 0x9C})
		require.NoError(t, err)
		require.NotNil(t, r.Temperature)
		assert.InDelta(t, -10.0, *r.Temperature, 0.01)
	})

	t.Run("unknown presence byte", func(t *testing.T) {
		r, err := reg.Decode(model.DeviceMotionSensor, 1, []byte{0x7F})
		require.NoError(t, err)
		assert.Equal(t, model.OccupancyUnknown, r.Occupancy)
	})

	t.Run("wrong port is malformed", func(t *testing.T) {
		_, err := reg.Decode(model.DeviceMotionSensor, 2, []byte{0x01})
		assert.Error(t, err)
	})

	t.Run("empty payload is malformed", func(t *testing.T) {
		_, err := reg.Decode(model.DeviceMotionSensor, 1, nil)
		assert.Error(t, err)
	})
}

func TestIndicatorDecode(t *testing.T) {
	reg := NewRegistry()

	r, err := reg.Decode(model.DeviceIndicator, DisplayPort, []byte{0xFF, 0xA5, 0x00, 0x64, 0x00})
	require.NoError(t, err)
	assert.Equal(t, model.OccupancyUnknown, r.Occupancy)
	require.NotNil(t, r.ShownColor)
	assert.Equal(t, model.RGB{R: 0xFF, G: 0xA5, B: 0x00}, *r.ShownColor)
}

func TestUnknownDeviceTypeYieldsUnknownOccupancy(t *testing.T) {
	reg := NewRegistry()

	r, err := reg.Decode(model.DeviceType("soil-moisture"), 7, []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, model.OccupancyUnknown, r.Occupancy)
}

func TestEncodeDisplay(t *testing.T) {
	t.Run("occupied red solid", func(t *testing.T) {
		got := EncodeDisplay(model.RGB{R: 0xFF, G: 0x00, B: 0x00}, false)
		assert.Equal(t, []byte{0xFF, 0x00, 0x00, 0x64, 0x00}, got)
	})

	t.Run("reserved orange solid", func(t *testing.T) {
		got := EncodeDisplay(model.RGB{R: 0xFF, G: 0xA5, B: 0x00}, false)
		assert.Equal(t, []byte{0xFF, 0xA5, 0x00, 0x64, 0x00}, got)
	})

	t.Run("blink duty cycle", func(t *testing.T) {
		got := EncodeDisplay(model.RGB{R: 0xFF, G: 0xA5, B: 0x00}, true)
		assert.Equal(t, []byte{0xFF, 0xA5, 0x00, 0x32, 0x32}, got)
	})
}
