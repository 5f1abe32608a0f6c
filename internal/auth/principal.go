// SPDX-License-Identifier: MIT

package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/spotsense/spotsense/internal/model"
)

// PrincipalKind distinguishes user sessions from service keys.
type PrincipalKind string

const (
	PrincipalUser       PrincipalKind = "user"
	PrincipalServiceKey PrincipalKind = "service-key"
)

// Principal is the authenticated identity of a caller, always bound to
// exactly one tenant. Platform admins carry the platform-admin role and
// may switch tenants per request, but the principal itself never spans two.
type Principal struct {
	Kind     PrincipalKind
	ID       string // user UUID or service key UUID
	TenantID uuid.UUID
	Role     model.Role // users only
	Scopes   []string   // service keys only
}

// Allows reports whether the principal may perform the operation guarded by
// scope. Users are checked by role; service keys by scope implication.
func (p Principal) Allows(scope string, minRole model.Role) bool {
	switch p.Kind {
	case PrincipalUser:
		return p.Role.AtLeast(minRole)
	case PrincipalServiceKey:
		return ScopesAllow(p.Scopes, scope)
	}
	return false
}

type principalKey struct{}

// ContextWithPrincipal returns a context carrying the principal.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the principal set by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
