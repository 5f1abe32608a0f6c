// SPDX-License-Identifier: MIT

// Package decode is the device codec registry: per-device-type decoders
// normalizing raw uplink bytes into occupancy readings, and the display
// encoder producing downlink payloads.
package decode

import (
	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/model"
)

// Reading is the normalized output of a decoder.
type Reading struct {
	Occupancy   model.Occupancy
	Battery     *float64 // percent
	Temperature *float64 // celsius
	ShownColor  *model.RGB // dual-role indicators echo the color they show
}

// Decoder turns raw uplink bytes into a normalized reading.
type Decoder interface {
	Decode(port uint8, payload []byte) (Reading, error)
}

// Registry dispatches on device type. Unknown types fall through to a
// recording decoder that stores the sample and yields unknown occupancy.
type Registry struct {
	decoders map[model.DeviceType]Decoder
	logger   zerolog.Logger
}

// NewRegistry builds the registry with the built-in codecs.
func NewRegistry() *Registry {
	return &Registry{
		decoders: map[model.DeviceType]Decoder{
			model.DeviceMotionSensor: motionDecoder{},
			model.DeviceIndicator:    indicatorDecoder{},
		},
		logger: log.WithComponent("decode"),
	}
}

// Decode dispatches to the codec for the device type. Unknown types are
// logged once per uplink and produce an unknown occupancy, never an error;
// the reading is still stored upstream.
func (r *Registry) Decode(deviceType model.DeviceType, port uint8, payload []byte) (Reading, error) {
	dec, ok := r.decoders[deviceType]
	if !ok {
		r.logger.Warn().
			Str(log.FieldEvent, "decode.unknown_type").
			Str("device_type", string(deviceType)).
			Uint8("port", port).
			Int("payload_len", len(payload)).
			Msg("no codec for device type")
		return Reading{Occupancy: model.OccupancyUnknown}, nil
	}
	return dec.Decode(port, payload)
}

var errMalformed = fault.New(fault.Validation, "malformed-payload", "payload does not match device codec")
