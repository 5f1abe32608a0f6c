// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spotsense/spotsense/internal/audit"
	"github.com/spotsense/spotsense/internal/auth"
	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/reservation"
)

type createReservationRequest struct {
	SpaceID   uuid.UUID `json:"space" validate:"required"`
	Start     time.Time `json:"start" validate:"required"`
	End       time.Time `json:"end" validate:"required"`
	Requester string    `json:"requester,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

type reservationResponse struct {
	ID        uuid.UUID               `json:"id"`
	SpaceID   uuid.UUID               `json:"space"`
	Start     time.Time               `json:"start"`
	End       time.Time               `json:"end"`
	Status    model.ReservationStatus `json:"status"`
	Requester string                  `json:"requester,omitempty"`
}

func toReservationResponse(r model.Reservation) reservationResponse {
	return reservationResponse{
		ID:        r.ID,
		SpaceID:   r.SpaceID,
		Start:     r.Start,
		End:       r.End,
		Status:    r.Status,
		Requester: r.Requester,
	}
}

// handleCreateReservation books a space. A replayed request_id returns the
// original booking with a 200 instead of a 201.
func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "reservations:write", model.RoleOperator)
	if !ok {
		return
	}
	var req createReservationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	kind := model.ActorUser
	if p.Kind == auth.PrincipalServiceKey {
		kind = model.ActorServiceKey
	}
	res, err := s.reservations.Create(r.Context(), reservation.CreateRequest{
		TenantID:  p.TenantID,
		SpaceID:   req.SpaceID,
		Start:     req.Start,
		End:       req.End,
		RequestID: req.RequestID,
		Requester: req.Requester,
		Actor:     audit.Entry{ActorKind: kind, ActorID: p.ID, IP: remoteIP(r)},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	// A fresh booking has no persisted CreatedAt yet; a replayed request_id
	// comes back from the store with one.
	status := http.StatusCreated
	if !res.CreatedAt.IsZero() {
		status = http.StatusOK
	}
	writeJSON(w, r, status, toReservationResponse(res))
}

func reservationID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "reservationID"))
	if err != nil {
		return uuid.Nil, fault.New(fault.Validation, "invalid-id", "reservation id is not a UUID")
	}
	return id, nil
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "reservations:read", model.RoleViewer)
	if !ok {
		return
	}
	id, err := reservationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.reservations.Get(r.Context(), p.TenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toReservationResponse(res))
}

func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "reservations:write", model.RoleOperator)
	if !ok {
		return
	}
	id, err := reservationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	kind := model.ActorUser
	if p.Kind == auth.PrincipalServiceKey {
		kind = model.ActorServiceKey
	}
	err = s.reservations.Cancel(r.Context(), p.TenantID, id,
		audit.Entry{ActorKind: kind, ActorID: p.ID, IP: remoteIP(r)})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

func (s *Server) handleListSpaceReservations(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "reservations:read", model.RoleViewer)
	if !ok {
		return
	}
	id, err := spaceID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.reservations.ListForSpace(r.Context(), p.TenantID, id, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]reservationResponse, 0, len(list))
	for _, res := range list {
		out = append(out, toReservationResponse(res))
	}
	writeJSON(w, r, http.StatusOK, out)
}

// handleAvailability reports whether [from, to) is free on a space.
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "reservations:read", model.RoleViewer)
	if !ok {
		return
	}
	id, err := spaceID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, r, fault.New(fault.Validation, "invalid-window", "from must be RFC 3339"))
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, r, fault.New(fault.Validation, "invalid-window", "to must be RFC 3339"))
		return
	}

	free, conflicts, err := s.reservations.CheckAvailability(r.Context(), p.TenantID, id, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]reservationResponse, 0, len(conflicts))
	for _, res := range conflicts {
		out = append(out, toReservationResponse(res))
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"available": free,
		"conflicts": out,
	})
}
