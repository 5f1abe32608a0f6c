// SPDX-License-Identifier: MIT

package decode

import "github.com/spotsense/spotsense/internal/model"

// DisplayPort is the downlink port Kuando Busylight indicators listen on.
const DisplayPort = 15

// Duty cycle bytes in units of 0.1 s. 0x64 on / 0x00 off is solid.
const (
	dutySolidOn  = 0x64
	dutySolidOff = 0x00
	dutyBlinkOn  = 0x32
	dutyBlinkOff = 0x32
)

// EncodeDisplay builds the 5-byte Kuando payload (R, G, B, on, off).
func EncodeDisplay(color model.RGB, blink bool) []byte {
	on, off := byte(dutySolidOn), byte(dutySolidOff)
	if blink {
		on, off = dutyBlinkOn, dutyBlinkOff
	}
	return []byte{color.R, color.G, color.B, on, off}
}

// indicatorDecoder handles status uplinks from dual-role indicators. The
// device echoes the 5-byte frame it is currently showing. The echo feeds
// the last-known display cache; it never drives occupancy.
type indicatorDecoder struct{}

func (indicatorDecoder) Decode(port uint8, payload []byte) (Reading, error) {
	if port != DisplayPort || len(payload) < 3 {
		return Reading{}, errMalformed
	}
	shown := model.RGB{R: payload[0], G: payload[1], B: payload[2]}
	return Reading{
		Occupancy:  model.OccupancyUnknown,
		ShownColor: &shown,
	}, nil
}
