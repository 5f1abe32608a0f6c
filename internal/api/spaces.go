// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spotsense/spotsense/internal/audit"
	"github.com/spotsense/spotsense/internal/auth"
	"github.com/spotsense/spotsense/internal/decode"
	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/model"
)

// auditEntry records a privileged mutation; failures are logged, never
// surfaced to the caller whose mutation already committed.
func (s *Server) auditEntry(r *http.Request, p auth.Principal, action, resource string, before, after any) {
	kind := model.ActorUser
	if p.Kind == auth.PrincipalServiceKey {
		kind = model.ActorServiceKey
	}
	err := s.recorder.Record(r.Context(), audit.Entry{
		TenantID:  p.TenantID,
		ActorKind: kind,
		ActorID:   p.ID,
		Action:    action,
		Resource:  resource,
		Before:    before,
		After:     after,
		IP:        remoteIP(r),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("audit record failed")
	}
}

func spaceID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "spaceID"))
	if err != nil {
		return uuid.Nil, fault.New(fault.Validation, "invalid-id", "space id is not a UUID")
	}
	return id, nil
}

type spaceResponse struct {
	ID         uuid.UUID        `json:"id"`
	SiteID     uuid.UUID        `json:"site_id"`
	Code       string           `json:"code"`
	State      model.SpaceState `json:"state"`
	SensorEUI  string           `json:"sensor_eui,omitempty"`
	DisplayEUI string           `json:"display_eui,omitempty"`
}

func toSpaceResponse(sp model.Space) spaceResponse {
	return spaceResponse{
		ID:         sp.ID,
		SiteID:     sp.SiteID,
		Code:       sp.Code,
		State:      sp.State,
		SensorEUI:  sp.SensorEUI,
		DisplayEUI: sp.DisplayEUI,
	}
}

func (s *Server) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "spaces:read", model.RoleViewer)
	if !ok {
		return
	}
	spaces, err := s.store.ListSpaces(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]spaceResponse, 0, len(spaces))
	for _, sp := range spaces {
		out = append(out, toSpaceResponse(sp))
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleGetSpace(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "spaces:read", model.RoleViewer)
	if !ok {
		return
	}
	id, err := spaceID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sp, err := s.store.SpaceByID(r.Context(), p.TenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toSpaceResponse(sp))
}

type actuateRequest struct {
	ForceState model.SpaceState `json:"force_state,omitempty" validate:"omitempty,oneof=FREE OCCUPIED RESERVED MAINTENANCE"`
}

// handleActuate pushes the current (or forced) target to the space's
// display, bypassing the change-detection short circuit.
func (s *Server) handleActuate(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "spaces:write", model.RoleOperator)
	if !ok {
		return
	}
	id, err := spaceID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req actuateRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	sp, err := s.store.SpaceByID(r.Context(), p.TenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sp.DisplayEUI == "" {
		writeError(w, r, fault.New(fault.Conflict, "no-display", "space has no display assigned"))
		return
	}

	var payload []byte
	if req.ForceState != "" {
		policy, err := s.store.DisplayPolicy(r.Context(), p.TenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		payload = decode.EncodeDisplay(forcedColor(policy, req.ForceState), false)
	} else {
		target, err := s.evaluator.CurrentTarget(r.Context(), sp)
		if err != nil {
			writeError(w, r, err)
			return
		}
		payload = decode.EncodeDisplay(target.Color, target.Blink)
	}

	envID, err := s.queue.EnqueueDisplay(r.Context(), p.TenantID, sp.DisplayEUI, payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"envelope_id": envID})
}

func forcedColor(policy model.DisplayPolicy, state model.SpaceState) model.RGB {
	switch state {
	case model.SpaceOccupied:
		return policy.OccupiedColor
	case model.SpaceReserved:
		return policy.ReservedColor
	case model.SpaceMaintenance:
		return policy.OutOfServiceColor
	default:
		return policy.FreeColor
	}
}

type overrideRequest struct {
	Reason model.OverrideReason `json:"reason" validate:"required,oneof=blocked out_of_service"`
	Until  *time.Time           `json:"until,omitempty"`
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "spaces:write", model.RoleOperator)
	if !ok {
		return
	}
	id, err := spaceID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req overrideRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Until != nil && req.Until.Before(time.Now()) {
		writeError(w, r, fault.New(fault.Validation, "until-in-past", "override expiry is in the past"))
		return
	}

	// Existence check keeps cross-tenant probes indistinguishable from
	// missing spaces.
	if _, err := s.store.SpaceByID(r.Context(), p.TenantID, id); err != nil {
		writeError(w, r, err)
		return
	}

	o := model.AdminOverride{
		ID:       uuid.New(),
		TenantID: p.TenantID,
		SpaceID:  id,
		Reason:   req.Reason,
		Until:    req.Until,
	}
	if uid, err := uuid.Parse(p.ID); err == nil {
		o.CreatedBy = uid
	}
	if err := s.store.SetOverride(r.Context(), o); err != nil {
		writeError(w, r, err)
		return
	}
	s.auditEntry(r, p, audit.ActionSpaceOverrideSet, "space/"+id.String(), nil, o)

	if err := s.evaluator.Evaluate(r.Context(), p.TenantID, id, "override"); err != nil {
		s.logger.Error().Err(err).Msg("re-evaluation after override failed")
	}
	writeJSON(w, r, http.StatusOK, o)
}

func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "spaces:write", model.RoleOperator)
	if !ok {
		return
	}
	id, err := spaceID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	existed, err := s.store.ClearOverride(r.Context(), p.TenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if existed {
		s.auditEntry(r, p, audit.ActionSpaceOverrideClear, "space/"+id.String(), nil, nil)
		if err := s.evaluator.Evaluate(r.Context(), p.TenantID, id, "override_cleared"); err != nil {
			s.logger.Error().Err(err).Msg("re-evaluation after override clear failed")
		}
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

type assignDeviceRequest struct {
	EUI string `json:"eui" validate:"required,len=16,hexadecimal"`
}

func (s *Server) handleAssignDevice(role string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := requirePrincipal(w, r, "devices:write", model.RoleAdmin)
		if !ok {
			return
		}
		id, err := spaceID(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		var req assignDeviceRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		eui, valid := model.NormalizeEUI(req.EUI)
		if !valid {
			writeError(w, r, fault.New(fault.Validation, "invalid-eui", "device EUI must be 16 hex digits"))
			return
		}

		if err := s.store.AssignDevice(r.Context(), p.TenantID, id, eui, role); err != nil {
			writeError(w, r, err)
			return
		}
		s.auditEntry(r, p, audit.ActionSpaceAssignDevice, "space/"+id.String(),
			nil, map[string]string{"eui": eui, "role": role})

		if err := s.evaluator.Evaluate(r.Context(), p.TenantID, id, "device_assigned"); err != nil {
			s.logger.Error().Err(err).Msg("re-evaluation after assignment failed")
		}
		writeJSON(w, r, http.StatusNoContent, nil)
	}
}

func (s *Server) handleUnassignDevice(role string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := requirePrincipal(w, r, "devices:write", model.RoleAdmin)
		if !ok {
			return
		}
		id, err := spaceID(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.store.UnassignDevice(r.Context(), p.TenantID, id, role); err != nil {
			writeError(w, r, err)
			return
		}
		s.auditEntry(r, p, audit.ActionSpaceUnassignDevice, "space/"+id.String(),
			map[string]string{"role": role}, nil)
		writeJSON(w, r, http.StatusNoContent, nil)
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "devices:read", model.RoleViewer)
	if !ok {
		return
	}
	devices, err := s.store.ListDevices(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, devices)
}
