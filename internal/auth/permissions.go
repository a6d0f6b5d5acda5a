package auth

const (
	RoleSuperuser = "superuser"
	RoleAdmin     = "admin"
	RoleUser      = "user"
)

const (
	PermUserCreate       = "user.create"
	PermUserView         = "user.view"
	PermUserList         = "user.list"
	PermUserBlock        = "user.block"
	PermUserDelete       = "user.delete"
	PermOrganizationView = "organization.view"
	PermRoleView         = "role.view"
	PermPermissionView   = "permission.view"
	PermSessionView      = "session.view"
)

// BuiltinRoles is the static role seed.
var BuiltinRoles = []Role{
	{ID: "role-superuser", Name: RoleSuperuser, Rank: 0, Description: "Organization owner"},
	{ID: "role-admin", Name: RoleAdmin, Rank: 10, Description: "Organization administrator"},
	{ID: "role-user", Name: RoleUser, Rank: 100, Description: "Regular member"},
}

// BuiltinPermissions is the static permission seed.
var BuiltinPermissions = []Permission{
	{ID: "perm-user-create", Code: PermUserCreate, Description: "Create users in the organization"},
	{ID: "perm-user-view", Code: PermUserView, Description: "View user profiles"},
	{ID: "perm-user-list", Code: PermUserList, Description: "List organization users"},
	{ID: "perm-user-block", Code: PermUserBlock, Description: "Block and unblock users"},
	{ID: "perm-user-delete", Code: PermUserDelete, Description: "Soft delete users"},
	{ID: "perm-organization-view", Code: PermOrganizationView, Description: "View organization details"},
	{ID: "perm-role-view", Code: PermRoleView, Description: "View the role catalog"},
	{ID: "perm-permission-view", Code: PermPermissionView, Description: "View the permission catalog"},
	{ID: "perm-session-view", Code: PermSessionView, Description: "View own active sessions"},
}

// BuiltinGrants is the static role to permission seed.
var BuiltinGrants = func() []RoleGrant {
	var out []RoleGrant
	for _, p := range BuiltinPermissions {
		out = append(out, RoleGrant{RoleName: RoleSuperuser, PermissionCode: p.Code})
	}
	for _, code := range []string{
		PermUserCreate, PermUserView, PermUserList, PermUserBlock,
		PermOrganizationView, PermRoleView, PermPermissionView, PermSessionView,
	} {
		out = append(out, RoleGrant{RoleName: RoleAdmin, PermissionCode: code})
	}
	for _, code := range []string{PermUserView, PermSessionView} {
		out = append(out, RoleGrant{RoleName: RoleUser, PermissionCode: code})
	}
	return out
}()
