// SPDX-License-Identifier: MIT

// Package ingest is the webhook uplink pipeline: signature and replay
// checks, parsing, tenant resolution, idempotent persistence, translation,
// the orphan path, and the back-pressure spool handoff.
package ingest

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/model"
)

// RawEnvelope is one webhook delivery, exactly as received. It is the unit
// the spool serializes, so everything needed for a replay is in here.
type RawEnvelope struct {
	Body       []byte    `json:"body"`
	Signature  string    `json:"signature"`
	Timestamp  string    `json:"timestamp"` // unix seconds, as sent
	Nonce      string    `json:"nonce"`
	TenantSlug string    `json:"tenant_slug,omitempty"`
	SourceIP   string    `json:"source_ip"`
	ReceivedAt time.Time `json:"received_at"`
	Attempts   int       `json:"attempts,omitempty"`

	// Verified marks an envelope whose signature, timestamp, and nonce
	// already passed before it was spooled. Replay must not re-run those
	// checks: the nonce was consumed on first contact.
	Verified bool `json:"verified,omitempty"`
}

// Uplink is the parsed LNS message.
type Uplink struct {
	DevEUI     string
	Fcnt       uint32
	Port       uint8
	Payload    []byte
	RSSI       *int
	SNR        *float64
	GatewayEUI string
}

// lnsUplink is the wire shape of the LNS webhook body.
type lnsUplink struct {
	DevEUI  string `json:"dev_eui"`
	Fcnt    uint32 `json:"f_cnt"`
	Port    uint8  `json:"f_port"`
	Payload string `json:"frm_payload"` // base64
	RxInfo  []struct {
		GatewayEUI string   `json:"gateway_eui"`
		RSSI       *int     `json:"rssi"`
		SNR        *float64 `json:"snr"`
	} `json:"rx_info"`
}

var errMalformed = fault.New(fault.Validation, "malformed", "uplink body is not a valid LNS message")

// Parse extracts the uplink from the raw body. The device EUI is
// upper-cased and validated; the strongest rx_info entry wins the gateway
// hint.
func Parse(body []byte) (Uplink, error) {
	var msg lnsUplink
	if err := json.Unmarshal(body, &msg); err != nil {
		return Uplink{}, errMalformed
	}
	eui, ok := model.NormalizeEUI(msg.DevEUI)
	if !ok {
		return Uplink{}, errMalformed
	}
	payload, err := base64.StdEncoding.DecodeString(msg.Payload)
	if err != nil {
		return Uplink{}, errMalformed
	}
	up := Uplink{
		DevEUI:  eui,
		Fcnt:    msg.Fcnt,
		Port:    msg.Port,
		Payload: payload,
	}
	best := -1
	for _, rx := range msg.RxInfo {
		if rx.RSSI == nil {
			if best < 0 && up.GatewayEUI == "" {
				up.GatewayEUI = rx.GatewayEUI
				up.SNR = rx.SNR
			}
			continue
		}
		if best < 0 || *rx.RSSI > best {
			best = *rx.RSSI
			up.GatewayEUI = rx.GatewayEUI
			up.RSSI = rx.RSSI
			up.SNR = rx.SNR
		}
	}
	if up.GatewayEUI != "" {
		if gw, ok := model.NormalizeEUI(up.GatewayEUI); ok {
			up.GatewayEUI = gw
		} else {
			up.GatewayEUI = ""
		}
	}
	return up, nil
}
