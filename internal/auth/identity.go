package auth

import (
	"slices"
)

// Identity is an authenticated user with organization scope, ordered roles and
// flattened permissions. NewIdentity sorts Permissions; hand-built values
// need not.
type Identity struct {
	UserID         string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	Roles          []string `json:"roles"`
	Permissions    []string `json:"permissions"`
	SessionID      string   `json:"session_id,omitempty"`
}

// NewIdentity builds an identity, resolving permissions for roles from graph.
func NewIdentity(userID, orgID string, roles []string, graph *PermissionGraph) Identity {
	id := Identity{
		UserID:         userID,
		OrganizationID: orgID,
		Roles:          append([]string(nil), roles...),
	}
	if graph != nil {
		id.Permissions = graph.Permissions(roles...)
	}
	if id.Permissions == nil {
		id.Permissions = []string{}
	}
	if id.Roles == nil {
		id.Roles = []string{}
	}
	return id
}

// AccessLevel is the primary role: the first one in rank order.
func (i Identity) AccessLevel() string {
	if len(i.Roles) == 0 {
		return ""
	}
	return i.Roles[0]
}

// HasPermission reports whether code is among the identity's permissions.
func (i Identity) HasPermission(code string) bool {
	return slices.Contains(i.Permissions, code)
}

// HasRole reports whether the identity holds the named role.
func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// IsSuperuser is the bypass tier, checked by role name rather than permission.
func (i Identity) IsSuperuser() bool {
	return i.HasRole(RoleSuperuser)
}

// Can combines the superuser bypass with the permission check.
func (i Identity) Can(code string) bool {
	return i.IsSuperuser() || i.HasPermission(code)
}
