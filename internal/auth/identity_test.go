package auth

import "testing"

func TestIdentityPermissions(t *testing.T) {
	graph := NewPermissionGraph([]RoleGrant{
		{RoleName: "admin", PermissionCode: "user.view"},
		{RoleName: "admin", PermissionCode: "user.list"},
	})
	id := NewIdentity("u1", "org", []string{"admin"}, graph)

	if !id.HasPermission("user.view") {
		t.Fatalf("expected permission")
	}
	if id.HasPermission("user.delete") {
		t.Fatalf("unexpected permission")
	}
	if id.AccessLevel() != "admin" {
		t.Fatalf("unexpected access level %q", id.AccessLevel())
	}
}

func TestIdentitySuperuserBypass(t *testing.T) {
	graph := NewPermissionGraph(nil)
	id := NewIdentity("u1", "org", []string{RoleSuperuser}, graph)

	if id.HasPermission(PermUserDelete) {
		t.Fatalf("superuser must not gain codes it was never granted")
	}
	if !id.IsSuperuser() || !id.Can(PermUserDelete) {
		t.Fatalf("expected superuser bypass")
	}

	regular := NewIdentity("u2", "org", []string{RoleUser}, graph)
	if regular.Can(PermUserDelete) {
		t.Fatalf("regular user must not pass")
	}
}

func TestIdentityEmptyRoles(t *testing.T) {
	id := NewIdentity("u1", "org", nil, nil)
	if id.AccessLevel() != "" {
		t.Fatalf("expected empty access level")
	}
	if id.Roles == nil || id.Permissions == nil {
		t.Fatalf("expected non-nil slices for JSON output")
	}
}

func TestIdentityUnsortedPermissions(t *testing.T) {
	id := Identity{UserID: "u1", Permissions: []string{"user.view", "role.view", "org.edit"}}
	for _, code := range id.Permissions {
		if !id.HasPermission(code) {
			t.Fatalf("expected %q to be held", code)
		}
	}
	if id.HasPermission("user.delete") {
		t.Fatal("unexpected permission user.delete")
	}
}
