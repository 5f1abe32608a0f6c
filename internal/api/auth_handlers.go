// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/spotsense/spotsense/internal/audit"
	"github.com/spotsense/spotsense/internal/auth"
	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/model"
)

type loginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	TenantSlug string `json:"tenant_slug" validate:"required"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func toTokenResponse(p auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    p.ExpiresAt,
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tenant, err := s.store.TenantBySlug(r.Context(), req.TenantSlug)
	if err != nil {
		// An unknown tenant slug fails like a bad password.
		writeError(w, r, fault.New(fault.Unauthenticated, "bad-credentials", "invalid email or password"))
		return
	}
	pair, err := s.auth.Login(r.Context(), req.Email, req.Password, tenant.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toTokenResponse(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toTokenResponse(pair))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.auth.Revoke(r.Context(), req.RefreshToken); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusNoContent, nil)
}

type switchTenantRequest struct {
	TenantID uuid.UUID `json:"tenant_id" validate:"required"`
}

func (s *Server) handleSwitchTenant(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "missing-credentials", "authorization required"))
		return
	}
	var req switchTenantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := s.auth.SwitchTenant(r.Context(), p, req.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toTokenResponse(pair))
}

type meResponse struct {
	Kind     auth.PrincipalKind `json:"kind"`
	ID       string             `json:"id"`
	TenantID uuid.UUID          `json:"tenant_id"`
	Role     model.Role         `json:"role,omitempty"`
	Scopes   []string           `json:"scopes,omitempty"`
	Quotas   model.Quotas       `json:"quotas"`
	Usage    usageSnapshot      `json:"usage"`
}

type usageSnapshot struct {
	Spaces  int `json:"spaces"`
	Devices int `json:"devices"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "missing-credentials", "authorization required"))
		return
	}
	tenant, err := s.store.TenantByID(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	spaces, err := s.store.ListSpaces(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	devices, err := s.store.CountDevices(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, meResponse{
		Kind:     p.Kind,
		ID:       p.ID,
		TenantID: p.TenantID,
		Role:     p.Role,
		Scopes:   p.Scopes,
		Quotas:   tenant.Quotas,
		Usage:    usageSnapshot{Spaces: len(spaces), Devices: devices},
	})
}

type mintKeyRequest struct {
	Name   string   `json:"name" validate:"required"`
	Scopes []string `json:"scopes" validate:"required,min=1"`
}

func (s *Server) handleMintServiceKey(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r, "admin:*", model.RoleAdmin)
	if !ok {
		return
	}
	var req mintKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	key, raw, err := s.auth.MintServiceKey(r.Context(), p.TenantID, req.Name, req.Scopes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.auditEntry(r, p, audit.ActionServiceKeyMint, "service-key/"+key.ID.String(), nil, key)
	writeJSON(w, r, http.StatusCreated, map[string]any{
		"id":     key.ID,
		"name":   key.Name,
		"scopes": key.Scopes,
		"secret": raw, // shown exactly once
	})
}
