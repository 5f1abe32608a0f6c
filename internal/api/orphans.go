// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spotsense/spotsense/internal/audit"
	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/model"
)

type orphanResponse struct {
	EUI         string    `json:"eui"`
	UplinkCount int64     `json:"uplink_count"`
	LastFcnt    uint32    `json:"last_fcnt"`
	LastPort    uint8     `json:"last_port"`
	LastRSSI    *int      `json:"last_rssi,omitempty"`
	LastSNR     *float64  `json:"last_snr,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	_, ok := requirePrincipal(w, r, "devices:read", model.RoleAdmin)
	if !ok {
		return
	}
	orphans, err := s.store.ListOrphans(r.Context(), 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]orphanResponse, 0, len(orphans))
	for _, o := range orphans {
		out = append(out, orphanResponse{
			EUI:         o.EUI,
			UplinkCount: o.UplinkCount,
			LastFcnt:    o.LastFcnt,
			LastPort:    o.LastPort,
			LastRSSI:    o.LastRSSI,
			LastSNR:     o.LastSNR,
			FirstSeen:   o.FirstSeen,
			LastSeen:    o.LastSeen,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

type assignOrphanRequest struct {
	Type model.DeviceType `json:"type" validate:"required,oneof=motion-sensor indicator"`
	Role string           `json:"role" validate:"required,oneof=sensor display"`
}

// handleAssignOrphan adopts an unregistered EUI into the caller's tenant.
// The orphan record is consumed; the device starts provisioned and gets
// bound to a space through the normal assignment endpoints.
func (s *Server) handleAssignOrphan(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "devices:write", model.RoleAdmin)
	if !ok {
		return
	}
	eui, valid := model.NormalizeEUI(chi.URLParam(r, "eui"))
	if !valid {
		writeError(w, r, fault.New(fault.Validation, "invalid-eui", "device EUI must be 16 hex digits"))
		return
	}
	var req assignOrphanRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	orphan, err := s.store.OrphanByEUI(r.Context(), eui)
	if err != nil {
		writeError(w, r, err)
		return
	}

	tenant, err := s.store.TenantByID(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tenant.Quotas.MaxDevices > 0 {
		n, err := s.store.CountDevices(r.Context(), p.TenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if n >= tenant.Quotas.MaxDevices {
			writeError(w, r, fault.New(fault.Conflict, "quota-exceeded", "device quota reached"))
			return
		}
	}

	dev := model.Device{
		ID:        uuid.New(),
		TenantID:  p.TenantID,
		EUI:       eui,
		Type:      req.Type,
		Role:      req.Role,
		Lifecycle: model.DeviceProvisioned,
	}
	if err := s.store.InsertDevice(r.Context(), dev); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteOrphan(r.Context(), eui); err != nil {
		s.logger.Error().Err(err).Str("eui", eui).Msg("orphan cleanup after adoption failed")
	}
	s.auditEntry(r, p, audit.ActionOrphanClaim, "device/"+dev.ID.String(), orphan, dev)
	writeJSON(w, r, http.StatusCreated, dev)
}
