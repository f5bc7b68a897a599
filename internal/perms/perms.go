// Package perms maps dashboard roles to capability sets. Derivation is
// deterministic and fail-closed: a role the client does not recognise
// resolves to no capabilities rather than an error.
package perms

import (
	"sort"
	"strings"
)

// Role is the canonical upper-case role identifier used across the client.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleManager Role = "MANAGER"
	RoleUser    Role = "USER"
)

// Permission is an atomic capability gating a dashboard action.
type Permission string

const (
	ViewUsers      Permission = "VIEW_USERS"
	CreateUsers    Permission = "CREATE_USERS"
	EditUsers      Permission = "EDIT_USERS"
	DeleteUsers    Permission = "DELETE_USERS"
	ManageRoles    Permission = "MANAGE_ROLES"
	ViewAuditLogs  Permission = "VIEW_AUDIT_LOGS"
	AccessSettings Permission = "ACCESS_SETTINGS"
	EditSelf       Permission = "EDIT_SELF"
)

// Set is an immutable capability set.
type Set map[Permission]struct{}

// Has reports whether the set contains the permission.
func (s Set) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// List returns the permissions in deterministic order.
func (s Set) List() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var rolePermissions = map[Role][]Permission{
	RoleUser: {
		EditSelf,
	},
	RoleManager: {
		ViewUsers,
		CreateUsers,
		EditUsers,
		ViewAuditLogs,
		EditSelf,
	},
	RoleAdmin: {
		ViewUsers,
		CreateUsers,
		EditUsers,
		DeleteUsers,
		ManageRoles,
		ViewAuditLogs,
		AccessSettings,
		EditSelf,
	},
}

// ParseRole normalises a wire role to its canonical form. Unknown roles are
// returned upper-cased so they stay visible in state and logs; Resolve still
// treats them as having no capabilities.
func ParseRole(raw string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(raw)))
}

// Resolve returns the capability set for a role. Unknown roles yield the
// empty set.
func Resolve(role Role) Set {
	perms, ok := rolePermissions[role]
	if !ok {
		return Set{}
	}
	set := make(Set, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}
