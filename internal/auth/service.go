// SPDX-License-Identifier: MIT

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/store"
)

const serviceKeyPrefix = "sk_"

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Service verifies credentials against the durable store and issues tokens.
type Service struct {
	store       *store.Store
	issuer      *TokenIssuer
	refreshTTL  time.Duration
	reuseWindow time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// NewService wires the auth service.
func NewService(st *store.Store, issuer *TokenIssuer, refreshTTL, reuseWindow time.Duration) *Service {
	return &Service{
		store:       st,
		issuer:      issuer,
		refreshTTL:  refreshTTL,
		reuseWindow: reuseWindow,
		logger:      log.WithComponent("auth"),
		now:         time.Now,
	}
}

var errBadCredentials = fault.New(fault.Unauthenticated, "bad-credentials", "invalid email or password")

// Login verifies a password login and starts a new refresh token family.
// All failure modes return the same error so the response does not reveal
// whether the email exists.
func (s *Service) Login(ctx context.Context, email, password string, tenantID uuid.UUID) (TokenPair, error) {
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("login").Inc()
		return TokenPair{}, errBadCredentials
	}
	if !VerifyPassword(password, user.PasswordHash) {
		metrics.AuthFailures.WithLabelValues("login").Inc()
		return TokenPair{}, errBadCredentials
	}
	membership, err := s.store.Membership(ctx, user.ID, tenantID)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("login").Inc()
		return TokenPair{}, errBadCredentials
	}

	pair, err := s.mint(ctx, user.ID, tenantID, membership.Role, uuid.New())
	if err != nil {
		return TokenPair{}, err
	}
	s.logger.Info().
		Str("event", "auth.login").
		Str(log.FieldTenantID, tenantID.String()).
		Str("user_id", user.ID.String()).
		Msg("user logged in")
	return pair, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// one is issued in the same family. Presenting an already revoked token
// inside the reuse window is treated as theft and revokes the whole family;
// a rotated token resurfacing later is rejected as expired.
func (s *Service) Refresh(ctx context.Context, rawToken string) (TokenPair, error) {
	now := s.now()
	rec, err := s.store.RefreshTokenByHash(ctx, hashSecret(rawToken))
	if err != nil {
		metrics.AuthFailures.WithLabelValues("refresh").Inc()
		return TokenPair{}, fault.New(fault.Unauthenticated, "invalid-refresh", "refresh token rejected")
	}
	if now.After(rec.ExpiresAt) {
		metrics.AuthFailures.WithLabelValues("refresh").Inc()
		return TokenPair{}, fault.New(fault.Unauthenticated, "invalid-refresh", "refresh token expired")
	}
	if rec.RevokedAt != nil {
		if now.Sub(*rec.RevokedAt) > s.reuseWindow {
			// A rotated token resurfacing long after the rotation is a
			// stale client, not an active replay.
			metrics.AuthFailures.WithLabelValues("refresh").Inc()
			return TokenPair{}, fault.New(fault.Unauthenticated, "invalid-refresh", "refresh token already rotated")
		}
		n, revErr := s.store.RevokeRefreshFamily(ctx, rec.FamilyID)
		if revErr != nil {
			return TokenPair{}, revErr
		}
		metrics.RefreshFamilyRevokes.Inc()
		s.logger.Warn().
			Str("event", "auth.refresh_reuse").
			Str(log.FieldTenantID, rec.TenantID.String()).
			Str("family_id", rec.FamilyID.String()).
			Int64("revoked", n).
			Msg("refresh token reuse detected, family revoked")
		return TokenPair{}, fault.New(fault.Unauthenticated, "refresh-reuse", "refresh token reuse detected")
	}

	membership, err := s.store.Membership(ctx, rec.UserID, rec.TenantID)
	if err != nil {
		return TokenPair{}, fault.Wrap(fault.Unauthenticated, "invalid-refresh", "membership gone", err)
	}
	if err := s.store.RevokeRefreshToken(ctx, rec.ID); err != nil {
		return TokenPair{}, err
	}
	return s.mint(ctx, rec.UserID, rec.TenantID, membership.Role, rec.FamilyID)
}

// Revoke invalidates a refresh token on logout. Unknown tokens succeed;
// logout is idempotent.
func (s *Service) Revoke(ctx context.Context, rawToken string) error {
	rec, err := s.store.RefreshTokenByHash(ctx, hashSecret(rawToken))
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil
		}
		return err
	}
	return s.store.RevokeRefreshToken(ctx, rec.ID)
}

func (s *Service) mint(ctx context.Context, userID, tenantID uuid.UUID, role model.Role, familyID uuid.UUID) (TokenPair, error) {
	now := s.now()
	access, err := s.issuer.Issue(userID, tenantID, role, now)
	if err != nil {
		return TokenPair{}, err
	}
	raw, err := randomSecret()
	if err != nil {
		return TokenPair{}, err
	}
	rec := store.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		TenantID:  tenantID,
		FamilyID:  familyID,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.store.InsertRefreshToken(ctx, rec, hashSecret(raw)); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: raw,
		ExpiresAt:    now.Add(s.issuer.ttl),
	}, nil
}

// SwitchTenant mints a pair scoped to another tenant. Platform admins only;
// the target must exist and be active.
func (s *Service) SwitchTenant(ctx context.Context, p Principal, targetTenant uuid.UUID) (TokenPair, error) {
	if p.Kind != PrincipalUser || p.Role != model.RolePlatformAdmin {
		return TokenPair{}, fault.New(fault.Forbidden, "not-platform-admin", "tenant switching requires the platform-admin role")
	}
	userID, err := uuid.Parse(p.ID)
	if err != nil {
		return TokenPair{}, fault.Wrap(fault.Unauthenticated, "invalid-token", "malformed principal id", err)
	}
	tenant, err := s.store.TenantByID(ctx, targetTenant)
	if err != nil {
		return TokenPair{}, err
	}
	if !tenant.Active {
		return TokenPair{}, fault.New(fault.NotFound, "not-found", "resource not found")
	}
	pair, err := s.mint(ctx, userID, tenant.ID, model.RolePlatformAdmin, uuid.New())
	if err != nil {
		return TokenPair{}, err
	}
	s.logger.Info().
		Str("event", "auth.tenant_switch").
		Str(log.FieldTenantID, tenant.ID.String()).
		Str("user_id", p.ID).
		Msg("platform admin switched tenant")
	return pair, nil
}

// VerifyServiceKey authenticates a raw service key and returns its
// principal. Revoked and unknown keys fail identically.
func (s *Service) VerifyServiceKey(ctx context.Context, raw string) (Principal, error) {
	if !strings.HasPrefix(raw, serviceKeyPrefix) {
		metrics.AuthFailures.WithLabelValues("service_key").Inc()
		return Principal{}, fault.New(fault.Unauthenticated, "invalid-key", "service key rejected")
	}
	key, err := s.store.ServiceKeyByHash(ctx, hashSecret(raw))
	if err != nil || key.Revoked {
		metrics.AuthFailures.WithLabelValues("service_key").Inc()
		return Principal{}, fault.New(fault.Unauthenticated, "invalid-key", "service key rejected")
	}
	return Principal{
		Kind:     PrincipalServiceKey,
		ID:       key.ID.String(),
		TenantID: key.TenantID,
		Scopes:   key.Scopes,
	}, nil
}

// MintServiceKey creates a service key and returns the raw secret once.
// Only the SHA-256 hash is stored.
func (s *Service) MintServiceKey(ctx context.Context, tenantID uuid.UUID, name string, scopes []string) (store.ServiceKey, string, error) {
	secret, err := randomSecret()
	if err != nil {
		return store.ServiceKey{}, "", err
	}
	raw := serviceKeyPrefix + secret
	key := store.ServiceKey{
		ID:       uuid.New(),
		TenantID: tenantID,
		Name:     name,
		Scopes:   scopes,
	}
	if err := s.store.InsertServiceKey(ctx, key, hashSecret(raw)); err != nil {
		return store.ServiceKey{}, "", err
	}
	s.logger.Info().
		Str("event", "auth.service_key_minted").
		Str(log.FieldTenantID, tenantID.String()).
		Str("key_name", name).
		Msg("service key minted")
	return key, raw, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashSecret is the storage form of refresh tokens and service keys. Only
// the digest ever touches the database.
func hashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
