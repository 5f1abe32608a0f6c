// SPDX-License-Identifier: MIT

package auth

import "strings"

// Scope names are "<resource>:<verb>" with verbs read and write, plus the
// wildcard resource "*" and the blanket "admin:*". Implication is ordered:
// admin:* grants everything, *:write grants every write and read, a
// resource write grants that resource's read.
const (
	ScopeAdminAll  = "admin:*"
	ScopeAllWrite  = "*:write"
	ScopeAllRead   = "*:read"
)

// scopeImplies reports whether a single granted scope satisfies required.
func scopeImplies(granted, required string) bool {
	if granted == required || granted == ScopeAdminAll {
		return true
	}
	gRes, gVerb, gOK := strings.Cut(granted, ":")
	rRes, rVerb, rOK := strings.Cut(required, ":")
	if !gOK || !rOK {
		return false
	}
	if gRes != "*" && gRes != rRes {
		return false
	}
	if gVerb == rVerb {
		return true
	}
	return gVerb == "write" && rVerb == "read"
}

// ScopesAllow reports whether any of the granted scopes satisfies required.
func ScopesAllow(granted []string, required string) bool {
	for _, g := range granted {
		if scopeImplies(g, required) {
			return true
		}
	}
	return false
}
