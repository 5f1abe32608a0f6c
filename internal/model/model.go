// SPDX-License-Identifier: MIT

// Package model holds the domain entities of the parking control plane.
package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role orders tenant memberships from least to most privileged.
type Role string

const (
	RoleViewer        Role = "viewer"
	RoleOperator      Role = "operator"
	RoleAdmin         Role = "admin"
	RoleOwner         Role = "owner"
	RolePlatformAdmin Role = "platform-admin"
)

var roleRank = map[Role]int{
	RoleViewer:        0,
	RoleOperator:      1,
	RoleAdmin:         2,
	RoleOwner:         3,
	RolePlatformAdmin: 4,
}

// AtLeast reports whether r meets or exceeds min in the role ordering.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Tenant is the unit of isolation for the whole platform.
type Tenant struct {
	ID            uuid.UUID
	Slug          string
	Name          string
	Active        bool
	Tier          string
	WebhookSecret string // active HMAC secret; empty means unsigned ingest
	Features      FeatureFlags
	Quotas        Quotas
	CreatedAt     time.Time
	ArchivedAt    *time.Time
}

// FeatureFlags are per-tenant booleans.
type FeatureFlags struct {
	RequireWebhookSignature bool `json:"require_webhook_signature"`
}

// Quotas caps tenant resource counts. Zero means unlimited.
type Quotas struct {
	MaxSpaces  int `json:"max_spaces"`
	MaxDevices int `json:"max_devices"`
	MaxUsers   int `json:"max_users"`
}

// User is a globally unique login identity.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string // argon2id encoded
	CreatedAt    time.Time
}

// Membership joins a user to a tenant with a role.
type Membership struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
	Role     Role
}

// Site is a physical location within a tenant.
type Site struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	Timezone  string
	Lat       float64
	Lon       float64
	CreatedAt time.Time
	DeletedAt *time.Time
}

// SpaceState enumerates the managed state of a parking space.
type SpaceState string

const (
	SpaceFree        SpaceState = "FREE"
	SpaceOccupied    SpaceState = "OCCUPIED"
	SpaceReserved    SpaceState = "RESERVED"
	SpaceMaintenance SpaceState = "MAINTENANCE"
)

// Space is the smallest managed unit of parking.
type Space struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	SiteID        uuid.UUID
	Code          string
	State         SpaceState
	SensorEUI     string // empty when unassigned
	DisplayEUI    string // empty when unassigned
	CreatedAt     time.Time
	DeletedAt     *time.Time
}

// DeviceType keys the decoder/encoder registry.
type DeviceType string

const (
	DeviceMotionSensor DeviceType = "motion-sensor"
	DeviceIndicator    DeviceType = "indicator" // dual-role Kuando display
	DeviceUnknown      DeviceType = "unknown"
)

// DeviceLifecycle enumerates device lifecycle states.
type DeviceLifecycle string

const (
	DeviceProvisioned DeviceLifecycle = "provisioned"
	DeviceAssigned    DeviceLifecycle = "assigned"
	DeviceActive      DeviceLifecycle = "active"
	DeviceInactive    DeviceLifecycle = "inactive"
	DeviceRetired     DeviceLifecycle = "retired"
)

// Device is a registered sensor or display. Dual-role hardware is modeled
// as two records sharing one EUI.
type Device struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	EUI       string
	Type      DeviceType
	Role      string // "sensor" or "display"
	Lifecycle DeviceLifecycle
	SpaceID   *uuid.UUID
	LastSeen  *time.Time
	CreatedAt time.Time
	DeletedAt *time.Time
}

// GatewayOnlineWindow is how recent a gateway's last-seen must be to count
// as online.
const GatewayOnlineWindow = 5 * time.Minute

// Gateway is a LoRaWAN base station.
type Gateway struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	EUI      string
	LastSeen *time.Time
}

// Online reports whether the gateway was heard within the online window.
func (g Gateway) Online(now time.Time) bool {
	return g.LastSeen != nil && now.Sub(*g.LastSeen) < GatewayOnlineWindow
}

// Occupancy is the normalized sensor signal.
type Occupancy string

const (
	OccupancyOccupied Occupancy = "occupied"
	OccupancyVacant   Occupancy = "vacant"
	OccupancyUnknown  Occupancy = "unknown"
)

// SensorReading is an append-only event from a sensor uplink.
// (tenant, dev_eui, fcnt) occurs at most once.
type SensorReading struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	DevEUI     string
	Fcnt       uint32
	Port       uint8
	Occupancy  Occupancy
	Battery    *float64
	RSSI       *int
	SNR        *float64
	GatewayEUI string
	ReceivedAt time.Time
}

// OverrideReason is the cause of a forced MAINTENANCE state.
type OverrideReason string

const (
	OverrideBlocked      OverrideReason = "blocked"
	OverrideOutOfService OverrideReason = "out_of_service"
)

// AdminOverride forces a space into MAINTENANCE for a bounded time.
type AdminOverride struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	SpaceID   uuid.UUID
	Reason    OverrideReason
	Until     *time.Time // nil means until cleared
	CreatedBy uuid.UUID
	CreatedAt time.Time
}

// Active reports whether the override applies at the given instant.
func (o AdminOverride) Active(now time.Time) bool {
	return o.Until == nil || now.Before(*o.Until)
}

// ReservationStatus enumerates the reservation lifecycle.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationExpired   ReservationStatus = "expired"
	ReservationCancelled ReservationStatus = "cancelled"
)

// MaxReservationDuration caps a single booking.
const MaxReservationDuration = 24 * time.Hour

// Reservation is a half-open [Start, End) booking of a space.
type Reservation struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	SpaceID   uuid.UUID
	Start     time.Time
	End       time.Time
	Status    ReservationStatus
	RequestID string // idempotency key, optional
	Requester string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// ActiveAt reports whether the reservation occupies the space at t.
func (r Reservation) ActiveAt(t time.Time) bool {
	if r.Status != ReservationPending && r.Status != ReservationConfirmed {
		return false
	}
	return !t.Before(r.Start) && t.Before(r.End)
}

// EnvelopeState enumerates the downlink envelope lifecycle.
type EnvelopeState string

const (
	EnvelopePending      EnvelopeState = "pending"
	EnvelopeSending      EnvelopeState = "sending"
	EnvelopeAcknowledged EnvelopeState = "acknowledged"
	EnvelopeFailed       EnvelopeState = "failed"
)

// DownlinkEnvelope is a pending or in-flight instruction to a display.
type DownlinkEnvelope struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	DevEUI      string
	GatewayEUI  string // advisory routing hint
	Port        uint8
	Payload     []byte
	Confirmed   bool
	ContentHash string // sha256 over (eui, port, payload)
	State       EnvelopeState
	Attempts    int
	Stuck       bool
	LNSQueueID  string
	ScheduledAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ActuationRecord is the append-only audit of a downlink attempt.
type ActuationRecord struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	EnvelopeID uuid.UUID
	DevEUI     string
	Result     string
	Error      string
	AttemptedAt time.Time
}

// ActorKind classifies the actor of an audit entry.
type ActorKind string

const (
	ActorUser       ActorKind = "user"
	ActorServiceKey ActorKind = "service-key"
	ActorSystem     ActorKind = "system"
	ActorWebhook    ActorKind = "webhook"
)

// AuditEntry is one row of the append-only privileged-mutation ledger.
type AuditEntry struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	ActorKind ActorKind
	ActorID   string
	Action    string // resource.verb
	Resource  string
	Before    []byte // JSON snapshot, may be nil
	After     []byte // JSON snapshot, may be nil
	RequestID string
	IP        string
	CreatedAt time.Time
}

// OrphanDevice tracks a first-seen EUI that is not registered yet.
type OrphanDevice struct {
	EUI         string
	LastFcnt    uint32
	UplinkCount int64
	LastPayload []byte
	LastPort    uint8
	LastRSSI    *int
	LastSNR     *float64
	FirstSeen   time.Time
	LastSeen    time.Time
}

// DisplayPolicy is the per-tenant display configuration. At most one policy
// is active per tenant.
type DisplayPolicy struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	Version         int64
	FreeColor       RGB
	OccupiedColor   RGB
	ReservedColor   RGB
	ReservedSoonColor RGB
	BlockedColor    RGB
	OutOfServiceColor RGB
	ReservedSoonBlink bool
	UpdatedAt       time.Time
}

// RGB is a 24-bit color.
type RGB struct {
	R, G, B uint8
}

// DefaultPolicy returns the colors a tenant starts with.
func DefaultPolicy(tenantID uuid.UUID) DisplayPolicy {
	return DisplayPolicy{
		TenantID:          tenantID,
		Version:           1,
		FreeColor:         RGB{0x00, 0xFF, 0x00},
		OccupiedColor:     RGB{0xFF, 0x00, 0x00},
		ReservedColor:     RGB{0xFF, 0xA5, 0x00},
		ReservedSoonColor: RGB{0xFF, 0xA5, 0x00},
		BlockedColor:      RGB{0x80, 0x00, 0x80},
		OutOfServiceColor: RGB{0x40, 0x40, 0x40},
		ReservedSoonBlink: true,
	}
}

var euiPattern = regexp.MustCompile(`^[0-9A-F]{16}$`)

// NormalizeEUI upper-cases and validates a LoRaWAN EUI. It returns the
// canonical form and whether the input was a valid 16-hex-digit EUI.
func NormalizeEUI(eui string) (string, bool) {
	canon := strings.ToUpper(strings.TrimSpace(eui))
	return canon, euiPattern.MatchString(canon)
}
