// SPDX-License-Identifier: MIT

package decode

import "github.com/spotsense/spotsense/internal/model"

// Motion sensor frame, port 1:
//
//	byte 0: presence, 0x00 vacant / 0x01 occupied
//	byte 1: battery percent (optional)
//	bytes 2..3: temperature in 0.1 C, signed big-endian (optional)
const motionPort = 1

type motionDecoder struct{}

func (motionDecoder) Decode(port uint8, payload []byte) (Reading, error) {
	if port != motionPort || len(payload) < 1 {
		return Reading{}, errMalformed
	}
	out := Reading{}
	switch payload[0] {
	case 0x00:
		out.Occupancy = model.OccupancyVacant
	case 0x01:
		out.Occupancy = model.OccupancyOccupied
	default:
		out.Occupancy = model.OccupancyUnknown
	}
	if len(payload) >= 2 && payload[1] <= 100 {
		battery := float64(payload[1])
		out.Battery = &battery
	}
	if len(payload) >= 4 {
		raw := int16(uint16(payload[2])<<8 | uint16(payload[3]))
		temp := float64(raw) / 10
		out.Temperature = &temp
	}
	return out, nil
}
