// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/spotsense/spotsense/internal/audit"
	"github.com/spotsense/spotsense/internal/model"
)

type colorSpec struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (c colorSpec) rgb() model.RGB { return model.RGB{R: c.R, G: c.G, B: c.B} }

func toColorSpec(c model.RGB) colorSpec { return colorSpec{R: c.R, G: c.G, B: c.B} }

type policyResponse struct {
	Version           int64     `json:"version"`
	Free              colorSpec `json:"free"`
	Occupied          colorSpec `json:"occupied"`
	Reserved          colorSpec `json:"reserved"`
	ReservedSoon      colorSpec `json:"reserved_soon"`
	Blocked           colorSpec `json:"blocked"`
	OutOfService      colorSpec `json:"out_of_service"`
	ReservedSoonBlink bool      `json:"reserved_soon_blink"`
}

func toPolicyResponse(p model.DisplayPolicy) policyResponse {
	return policyResponse{
		Version:           p.Version,
		Free:              toColorSpec(p.FreeColor),
		Occupied:          toColorSpec(p.OccupiedColor),
		Reserved:          toColorSpec(p.ReservedColor),
		ReservedSoon:      toColorSpec(p.ReservedSoonColor),
		Blocked:           toColorSpec(p.BlockedColor),
		OutOfService:      toColorSpec(p.OutOfServiceColor),
		ReservedSoonBlink: p.ReservedSoonBlink,
	}
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "policy:read", model.RoleViewer)
	if !ok {
		return
	}
	policy, err := s.store.DisplayPolicy(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toPolicyResponse(policy))
}

type replacePolicyRequest struct {
	Free              colorSpec `json:"free"`
	Occupied          colorSpec `json:"occupied"`
	Reserved          colorSpec `json:"reserved"`
	ReservedSoon      colorSpec `json:"reserved_soon"`
	Blocked           colorSpec `json:"blocked"`
	OutOfService      colorSpec `json:"out_of_service"`
	ReservedSoonBlink bool      `json:"reserved_soon_blink"`
}

// handleReplacePolicy swaps the tenant's full color map in one shot and
// pushes the new colors to every display.
func (s *Server) handleReplacePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "policy:write", model.RoleAdmin)
	if !ok {
		return
	}
	var req replacePolicyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	before, err := s.store.DisplayPolicy(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	next := model.DisplayPolicy{
		ID:                uuid.New(),
		TenantID:          p.TenantID,
		FreeColor:         req.Free.rgb(),
		OccupiedColor:     req.Occupied.rgb(),
		ReservedColor:     req.Reserved.rgb(),
		ReservedSoonColor: req.ReservedSoon.rgb(),
		BlockedColor:      req.Blocked.rgb(),
		OutOfServiceColor: req.OutOfService.rgb(),
		ReservedSoonBlink: req.ReservedSoonBlink,
	}
	version, err := s.store.ReplaceDisplayPolicy(r.Context(), next)
	if err != nil {
		writeError(w, r, err)
		return
	}
	next.Version = version
	s.auditEntry(r, p, audit.ActionPolicyReplace, "policy", toPolicyResponse(before), toPolicyResponse(next))

	if _, err := s.coord.BumpPolicyVersion(r.Context(), p.TenantID.String()); err != nil {
		s.logger.Error().Err(err).Msg("policy version bump failed")
	}

	// Every display repaints with the new colors. Failures here only delay
	// the repaint until the next state change.
	spaces, err := s.store.ListSpaces(r.Context(), p.TenantID)
	if err != nil {
		s.logger.Error().Err(err).Msg("space listing for repaint failed")
	} else {
		for _, sp := range spaces {
			if sp.DisplayEUI == "" {
				continue
			}
			if err := s.evaluator.Evaluate(r.Context(), p.TenantID, sp.ID, "policy_replaced"); err != nil {
				s.logger.Error().Err(err).Str("space", sp.ID.String()).Msg("repaint after policy replace failed")
			}
		}
	}

	writeJSON(w, r, http.StatusOK, toPolicyResponse(next))
}

type auditEntryResponse struct {
	ID        uuid.UUID       `json:"id"`
	ActorKind model.ActorKind `json:"actor_kind"`
	ActorID   string          `json:"actor_id"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	IP        string          `json:"ip,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "audit:read", model.RoleAdmin)
	if !ok {
		return
	}
	entries, err := s.store.ListAuditEntries(r.Context(), p.TenantID, 200)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID:        e.ID,
			ActorKind: e.ActorKind,
			ActorID:   e.ActorID,
			Action:    e.Action,
			Resource:  e.Resource,
			Before:    e.Before,
			After:     e.After,
			RequestID: e.RequestID,
			IP:        e.IP,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}
