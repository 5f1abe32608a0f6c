// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/spotsense/spotsense/internal/model"
)

type tenantRow struct {
	ID            uuid.UUID  `db:"id"`
	Slug          string     `db:"slug"`
	Name          string     `db:"name"`
	Active        bool       `db:"active"`
	Tier          string     `db:"tier"`
	WebhookSecret string     `db:"webhook_secret"`
	Features      []byte     `db:"features"`
	Quotas        []byte     `db:"quotas"`
	CreatedAt     time.Time  `db:"created_at"`
	ArchivedAt    *time.Time `db:"archived_at"`
}

func (r tenantRow) toModel() model.Tenant {
	t := model.Tenant{
		ID:            r.ID,
		Slug:          r.Slug,
		Name:          r.Name,
		Active:        r.Active,
		Tier:          r.Tier,
		WebhookSecret: r.WebhookSecret,
		CreatedAt:     r.CreatedAt,
		ArchivedAt:    r.ArchivedAt,
	}
	_ = json.Unmarshal(r.Features, &t.Features)
	_ = json.Unmarshal(r.Quotas, &t.Quotas)
	return t
}

type userRow struct {
	ID           uuid.UUID `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r userRow) toModel() model.User {
	return model.User{ID: r.ID, Email: r.Email, PasswordHash: r.PasswordHash, CreatedAt: r.CreatedAt}
}

type refreshTokenRow struct {
	ID        uuid.UUID  `db:"id"`
	UserID    uuid.UUID  `db:"user_id"`
	TenantID  uuid.UUID  `db:"tenant_id"`
	FamilyID  uuid.UUID  `db:"family_id"`
	TokenHash string     `db:"token_hash"`
	ExpiresAt time.Time  `db:"expires_at"`
	RevokedAt *time.Time `db:"revoked_at"`
	CreatedAt time.Time  `db:"created_at"`
}

type serviceKeyRow struct {
	ID        uuid.UUID      `db:"id"`
	TenantID  uuid.UUID      `db:"tenant_id"`
	Name      string         `db:"name"`
	KeyHash   string         `db:"key_hash"`
	Scopes    pq.StringArray `db:"scopes"`
	RevokedAt *time.Time     `db:"revoked_at"`
	CreatedAt time.Time      `db:"created_at"`
}

type spaceRow struct {
	ID         uuid.UUID  `db:"id"`
	TenantID   uuid.UUID  `db:"tenant_id"`
	SiteID     uuid.UUID  `db:"site_id"`
	Code       string     `db:"code"`
	State      string     `db:"state"`
	SensorEUI  string     `db:"sensor_eui"`
	DisplayEUI string     `db:"display_eui"`
	CreatedAt  time.Time  `db:"created_at"`
	DeletedAt  *time.Time `db:"deleted_at"`
}

func (r spaceRow) toModel() model.Space {
	return model.Space{
		ID:         r.ID,
		TenantID:   r.TenantID,
		SiteID:     r.SiteID,
		Code:       r.Code,
		State:      model.SpaceState(r.State),
		SensorEUI:  r.SensorEUI,
		DisplayEUI: r.DisplayEUI,
		CreatedAt:  r.CreatedAt,
		DeletedAt:  r.DeletedAt,
	}
}

type deviceRow struct {
	ID        uuid.UUID  `db:"id"`
	TenantID  uuid.UUID  `db:"tenant_id"`
	EUI       string     `db:"eui"`
	Type      string     `db:"type"`
	Role      string     `db:"role"`
	Lifecycle string     `db:"lifecycle"`
	SpaceID   *uuid.UUID `db:"space_id"`
	LastSeen  *time.Time `db:"last_seen"`
	CreatedAt time.Time  `db:"created_at"`
	DeletedAt *time.Time `db:"deleted_at"`
}

func (r deviceRow) toModel() model.Device {
	return model.Device{
		ID:        r.ID,
		TenantID:  r.TenantID,
		EUI:       r.EUI,
		Type:      model.DeviceType(r.Type),
		Role:      r.Role,
		Lifecycle: model.DeviceLifecycle(r.Lifecycle),
		SpaceID:   r.SpaceID,
		LastSeen:  r.LastSeen,
		CreatedAt: r.CreatedAt,
		DeletedAt: r.DeletedAt,
	}
}

type gatewayRow struct {
	ID       uuid.UUID  `db:"id"`
	TenantID uuid.UUID  `db:"tenant_id"`
	EUI      string     `db:"eui"`
	LastSeen *time.Time `db:"last_seen"`
}

func (r gatewayRow) toModel() model.Gateway {
	return model.Gateway{ID: r.ID, TenantID: r.TenantID, EUI: r.EUI, LastSeen: r.LastSeen}
}

type reservationRow struct {
	ID        uuid.UUID  `db:"id"`
	TenantID  uuid.UUID  `db:"tenant_id"`
	SpaceID   uuid.UUID  `db:"space_id"`
	StartAt   time.Time  `db:"start_at"`
	EndAt     time.Time  `db:"end_at"`
	Status    string     `db:"status"`
	RequestID string     `db:"request_id"`
	Requester string     `db:"requester"`
	CreatedAt time.Time  `db:"created_at"`
	DeletedAt *time.Time `db:"deleted_at"`
}

func (r reservationRow) toModel() model.Reservation {
	return model.Reservation{
		ID:        r.ID,
		TenantID:  r.TenantID,
		SpaceID:   r.SpaceID,
		Start:     r.StartAt,
		End:       r.EndAt,
		Status:    model.ReservationStatus(r.Status),
		RequestID: r.RequestID,
		Requester: r.Requester,
		CreatedAt: r.CreatedAt,
		DeletedAt: r.DeletedAt,
	}
}

type envelopeRow struct {
	ID          uuid.UUID `db:"id"`
	TenantID    uuid.UUID `db:"tenant_id"`
	DevEUI      string    `db:"dev_eui"`
	GatewayEUI  string    `db:"gateway_eui"`
	Port        uint8     `db:"port"`
	Payload     []byte    `db:"payload"`
	Confirmed   bool      `db:"confirmed"`
	ContentHash string    `db:"content_hash"`
	State       string    `db:"state"`
	Attempts    int       `db:"attempts"`
	Stuck       bool      `db:"stuck"`
	LNSQueueID  string    `db:"lns_queue_id"`
	ScheduledAt time.Time `db:"scheduled_at"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r envelopeRow) toModel() model.DownlinkEnvelope {
	return model.DownlinkEnvelope{
		ID:          r.ID,
		TenantID:    r.TenantID,
		DevEUI:      r.DevEUI,
		GatewayEUI:  r.GatewayEUI,
		Port:        r.Port,
		Payload:     r.Payload,
		Confirmed:   r.Confirmed,
		ContentHash: r.ContentHash,
		State:       model.EnvelopeState(r.State),
		Attempts:    r.Attempts,
		Stuck:       r.Stuck,
		LNSQueueID:  r.LNSQueueID,
		ScheduledAt: r.ScheduledAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type orphanRow struct {
	EUI         string     `db:"eui"`
	LastFcnt    int64      `db:"last_fcnt"`
	UplinkCount int64      `db:"uplink_count"`
	LastPayload []byte     `db:"last_payload"`
	LastPort    uint8      `db:"last_port"`
	LastRSSI    *int       `db:"last_rssi"`
	LastSNR     *float64   `db:"last_snr"`
	FirstSeen   time.Time  `db:"first_seen"`
	LastSeen    time.Time  `db:"last_seen"`
}

func (r orphanRow) toModel() model.OrphanDevice {
	return model.OrphanDevice{
		EUI:         r.EUI,
		LastFcnt:    uint32(r.LastFcnt),
		UplinkCount: r.UplinkCount,
		LastPayload: r.LastPayload,
		LastPort:    r.LastPort,
		LastRSSI:    r.LastRSSI,
		LastSNR:     r.LastSNR,
		FirstSeen:   r.FirstSeen,
		LastSeen:    r.LastSeen,
	}
}

type policyRow struct {
	ID                uuid.UUID `db:"id"`
	TenantID          uuid.UUID `db:"tenant_id"`
	Version           int64     `db:"version"`
	FreeColor         int32     `db:"free_color"`
	OccupiedColor     int32     `db:"occupied_color"`
	ReservedColor     int32     `db:"reserved_color"`
	ReservedSoonColor int32     `db:"reserved_soon_color"`
	BlockedColor      int32     `db:"blocked_color"`
	OutOfServiceColor int32     `db:"out_of_service_color"`
	ReservedSoonBlink bool      `db:"reserved_soon_blink"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func rgbFromInt(v int32) model.RGB {
	return model.RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}
}

func rgbToInt(c model.RGB) int32 {
	return int32(c.R)<<16 | int32(c.G)<<8 | int32(c.B)
}

func (r policyRow) toModel() model.DisplayPolicy {
	return model.DisplayPolicy{
		ID:                r.ID,
		TenantID:          r.TenantID,
		Version:           r.Version,
		FreeColor:         rgbFromInt(r.FreeColor),
		OccupiedColor:     rgbFromInt(r.OccupiedColor),
		ReservedColor:     rgbFromInt(r.ReservedColor),
		ReservedSoonColor: rgbFromInt(r.ReservedSoonColor),
		BlockedColor:      rgbFromInt(r.BlockedColor),
		OutOfServiceColor: rgbFromInt(r.OutOfServiceColor),
		ReservedSoonBlink: r.ReservedSoonBlink,
		UpdatedAt:         r.UpdatedAt,
	}
}

type overrideRow struct {
	ID        uuid.UUID  `db:"id"`
	TenantID  uuid.UUID  `db:"tenant_id"`
	SpaceID   uuid.UUID  `db:"space_id"`
	Reason    string     `db:"reason"`
	UntilAt   *time.Time `db:"until_at"`
	CreatedBy uuid.UUID  `db:"created_by"`
	CreatedAt time.Time  `db:"created_at"`
}

func (r overrideRow) toModel() model.AdminOverride {
	return model.AdminOverride{
		ID:        r.ID,
		TenantID:  r.TenantID,
		SpaceID:   r.SpaceID,
		Reason:    model.OverrideReason(r.Reason),
		Until:     r.UntilAt,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
	}
}
