// SPDX-License-Identifier: MIT

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/model"
)

const tokenIssuer = "parkd"

// Claims is the access token payload. The tenant binding lives in the
// token itself so every request re-asserts it without a lookup.
type Claims struct {
	TenantID uuid.UUID  `json:"tid"`
	Role     model.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds an issuer. The TTL is capped at one hour; anything
// longer widens the revocation gap past what refresh rotation can cover.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 || ttl > time.Hour {
		return nil, fmt.Errorf("access token ttl must be in (0, 1h], got %s", ttl)
	}
	return &TokenIssuer{secret: secret, ttl: ttl}, nil
}

// Issue mints an access token for a user's membership in a tenant.
func (i *TokenIssuer) Issue(userID, tenantID uuid.UUID, role model.Role, now time.Time) (string, error) {
	claims := Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an access token, returning the principal it
// asserts. Any defect, wrong algorithm included, is Unauthenticated.
func (i *TokenIssuer) Verify(token string) (Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fault.Wrap(fault.Unauthenticated, "invalid-token", "access token rejected", err)
	}
	if !claims.Role.Valid() {
		return Principal{}, fault.New(fault.Unauthenticated, "invalid-token", "access token carries unknown role")
	}
	return Principal{
		Kind:     PrincipalUser,
		ID:       claims.Subject,
		TenantID: claims.TenantID,
		Role:     claims.Role,
	}, nil
}
