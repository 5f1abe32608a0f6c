// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/spotsense/spotsense/internal/model"
)

// UserByEmail looks up a user by its globally unique email.
func (s *Store) UserByEmail(ctx context.Context, email string) (model.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE email = $1`, email)
	if err != nil {
		return model.User{}, classify(err, "user")
	}
	return row.toModel(), nil
}

// Membership returns the membership of a user within a tenant.
func (s *Store) Membership(ctx context.Context, userID, tenantID uuid.UUID) (model.Membership, error) {
	var row struct {
		UserID   uuid.UUID `db:"user_id"`
		TenantID uuid.UUID `db:"tenant_id"`
		Role     string    `db:"role"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT user_id, tenant_id, role FROM memberships WHERE user_id = $1 AND tenant_id = $2`,
		userID, tenantID)
	if err != nil {
		return model.Membership{}, classify(err, "membership")
	}
	return model.Membership{UserID: row.UserID, TenantID: row.TenantID, Role: model.Role(row.Role)}, nil
}

// RefreshToken is a stored refresh token record.
type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TenantID  uuid.UUID
	FamilyID  uuid.UUID
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// InsertRefreshToken stores a new hashed refresh token.
func (s *Store) InsertRefreshToken(ctx context.Context, t RefreshToken, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, tenant_id, family_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.UserID, t.TenantID, t.FamilyID, tokenHash, t.ExpiresAt)
	if err != nil {
		return classify(err, "refresh-token")
	}
	return nil
}

// RefreshTokenByHash looks up a refresh token by its hash, revoked or not.
func (s *Store) RefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var row refreshTokenRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return RefreshToken{}, classify(err, "refresh-token")
	}
	return RefreshToken{
		ID:        row.ID,
		UserID:    row.UserID,
		TenantID:  row.TenantID,
		FamilyID:  row.FamilyID,
		ExpiresAt: row.ExpiresAt,
		RevokedAt: row.RevokedAt,
	}, nil
}

// RevokeRefreshToken marks a single token revoked.
func (s *Store) RevokeRefreshToken(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshFamily revokes every descendant of a token family. Used on
// reuse detection.
func (s *Store) RevokeRefreshFamily(ctx context.Context, familyID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE family_id = $1 AND revoked_at IS NULL`,
		familyID)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh family: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeRefreshTokens deletes tokens expired longer than grace ago.
func (s *Store) PurgeRefreshTokens(ctx context.Context, grace time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(grace.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ServiceKey is a stored service credential.
type ServiceKey struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string
	Scopes   []string
	Revoked  bool
}

// ServiceKeyByHash looks up a service key by the SHA-256 hash of its secret.
func (s *Store) ServiceKeyByHash(ctx context.Context, keyHash string) (ServiceKey, error) {
	var row serviceKeyRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM service_keys WHERE key_hash = $1`, keyHash)
	if err != nil {
		return ServiceKey{}, classify(err, "service-key")
	}
	return ServiceKey{
		ID:       row.ID,
		TenantID: row.TenantID,
		Name:     row.Name,
		Scopes:   row.Scopes,
		Revoked:  row.RevokedAt != nil,
	}, nil
}

// InsertServiceKey stores a new hashed service key.
func (s *Store) InsertServiceKey(ctx context.Context, key ServiceKey, keyHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_keys (id, tenant_id, name, key_hash, scopes)
		VALUES ($1, $2, $3, $4, $5)`,
		key.ID, key.TenantID, key.Name, keyHash, pq.StringArray(key.Scopes))
	if err != nil {
		return classify(err, "service-key")
	}
	return nil
}
