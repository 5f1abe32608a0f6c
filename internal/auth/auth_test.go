// SPDX-License-Identifier: MIT

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/store"
)

func TestPasswordRoundTrip(t *testing.T) {
	encoded, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, VerifyPassword("correct horse battery staple", encoded))
	assert.False(t, VerifyPassword("correct horse battery stable", encoded))
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"not-a-hash",
		"$argon2i$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=2$!!!$aGFzaA",
	} {
		assert.False(t, VerifyPassword("whatever", encoded), "hash %q", encoded)
	}
}

func TestScopesAllow(t *testing.T) {
	cases := []struct {
		granted  []string
		required string
		want     bool
	}{
		{[]string{"spaces:read"}, "spaces:read", true},
		{[]string{"spaces:write"}, "spaces:read", true},
		{[]string{"spaces:read"}, "spaces:write", false},
		{[]string{"spaces:write"}, "reservations:read", false},
		{[]string{ScopeAllWrite}, "reservations:read", true},
		{[]string{ScopeAllWrite}, "reservations:write", true},
		{[]string{ScopeAllRead}, "reservations:write", false},
		{[]string{ScopeAdminAll}, "anything:write", true},
		{[]string{ScopeAdminAll}, "tenants:read", true},
		{[]string{}, "spaces:read", false},
		{[]string{"spaces:read", "reservations:write"}, "reservations:read", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ScopesAllow(tc.granted, tc.required),
			"granted %v required %s", tc.granted, tc.required)
	}
}

func testIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), 15*time.Minute)
	require.NoError(t, err)
	return issuer
}

func TestTokenIssueVerify(t *testing.T) {
	issuer := testIssuer(t)
	userID, tenantID := uuid.New(), uuid.New()

	token, err := issuer.Issue(userID, tenantID, model.RoleOperator, time.Now())
	require.NoError(t, err)

	p, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, PrincipalUser, p.Kind)
	assert.Equal(t, userID.String(), p.ID)
	assert.Equal(t, tenantID, p.TenantID)
	assert.Equal(t, model.RoleOperator, p.Role)
}

func TestTokenVerifyExpired(t *testing.T) {
	issuer := testIssuer(t)
	token, err := issuer.Issue(uuid.New(), uuid.New(), model.RoleViewer, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.Equal(t, fault.Unauthenticated, fault.KindOf(err))
}

func TestTokenVerifyWrongSecret(t *testing.T) {
	issuer := testIssuer(t)
	other, err := NewTokenIssuer([]byte("ffffffffffffffffffffffffffffffff"), 15*time.Minute)
	require.NoError(t, err)

	token, err := issuer.Issue(uuid.New(), uuid.New(), model.RoleAdmin, time.Now())
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.Equal(t, fault.Unauthenticated, fault.KindOf(err))
}

func TestNewTokenIssuerRejectsWeakConfig(t *testing.T) {
	_, err := NewTokenIssuer([]byte("short"), 15*time.Minute)
	assert.Error(t, err)

	_, err = NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), 2*time.Hour)
	assert.Error(t, err)
}

func TestPrincipalAllows(t *testing.T) {
	user := Principal{Kind: PrincipalUser, Role: model.RoleOperator}
	assert.True(t, user.Allows("spaces:write", model.RoleOperator))
	assert.False(t, user.Allows("spaces:write", model.RoleAdmin))

	key := Principal{Kind: PrincipalServiceKey, Scopes: []string{"spaces:write"}}
	assert.True(t, key.Allows("spaces:read", model.RoleAdmin))
	assert.False(t, key.Allows("reservations:write", model.RoleViewer))
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(store.NewFromDB(db), testIssuer(t), 30*24*time.Hour, 5*time.Minute), mock
}

func refreshColumns() []string {
	return []string{"id", "user_id", "tenant_id", "family_id", "token_hash", "expires_at", "revoked_at", "created_at"}
}

func TestRefreshReuseInsideWindowRevokesFamily(t *testing.T) {
	svc, mock := newTestService(t)
	family := uuid.New()
	// Revoked one minute ago: a replay this fresh is the realistic theft
	// window and must burn the whole family.
	revokedAt := time.Now().Add(-time.Minute)

	mock.ExpectQuery(`SELECT \* FROM refresh_tokens`).
		WillReturnRows(sqlmock.NewRows(refreshColumns()).AddRow(
			uuid.New(), uuid.New(), uuid.New(), family, "h",
			time.Now().Add(24*time.Hour), revokedAt, time.Now().Add(-48*time.Hour)))
	mock.ExpectExec(`UPDATE refresh_tokens SET revoked_at = now\(\) WHERE family_id`).
		WithArgs(family).
		WillReturnResult(sqlmock.NewResult(0, 3))

	_, err := svc.Refresh(context.Background(), "stolen-token")
	require.Error(t, err)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "refresh-reuse", fe.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshReuseAfterWindowRejectedWithoutRevoke(t *testing.T) {
	svc, mock := newTestService(t)
	revokedAt := time.Now().Add(-time.Hour)

	mock.ExpectQuery(`SELECT \* FROM refresh_tokens`).
		WillReturnRows(sqlmock.NewRows(refreshColumns()).AddRow(
			uuid.New(), uuid.New(), uuid.New(), uuid.New(), "h",
			time.Now().Add(24*time.Hour), revokedAt, time.Now().Add(-48*time.Hour)))

	_, err := svc.Refresh(context.Background(), "stale-token")
	require.Error(t, err)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "invalid-refresh", fe.Code)
	// No family revoke expected for a long-stale token.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshExpired(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT \* FROM refresh_tokens`).
		WillReturnRows(sqlmock.NewRows(refreshColumns()).AddRow(
			uuid.New(), uuid.New(), uuid.New(), uuid.New(), "h",
			time.Now().Add(-time.Hour), nil, time.Now().Add(-31*24*time.Hour)))

	_, err := svc.Refresh(context.Background(), "old-token")
	assert.Equal(t, fault.Unauthenticated, fault.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyServiceKeyRejectsBadPrefix(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.VerifyServiceKey(context.Background(), "not-a-key")
	assert.Equal(t, fault.Unauthenticated, fault.KindOf(err))
}

func TestVerifyServiceKeyRevoked(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(`SELECT \* FROM service_keys`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "tenant_id", "name", "key_hash", "scopes", "revoked_at", "created_at"}).
			AddRow(uuid.New(), uuid.New(), "ci", "h", "{spaces:read}", time.Now(), time.Now()))

	_, err := svc.VerifyServiceKey(context.Background(), "sk_revoked")
	assert.Equal(t, fault.Unauthenticated, fault.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
