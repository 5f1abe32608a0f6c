// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldTenantID  = "tenant_id"
	FieldActor     = "actor"
	FieldJobName   = "job_name"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Domain fields
	FieldDevEUI     = "dev_eui"
	FieldGatewayEUI = "gateway_eui"
	FieldSpaceID    = "space_id"
	FieldFcnt       = "fcnt"
	FieldEnvelopeID = "envelope_id"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
