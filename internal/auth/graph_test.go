package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type staticGrants struct {
	grants []RoleGrant
	err    error
}

func (s staticGrants) Grants(context.Context) ([]RoleGrant, error) { return s.grants, s.err }

func TestPermissionGraphUnion(t *testing.T) {
	g := NewPermissionGraph([]RoleGrant{
		{RoleName: "r1", PermissionCode: "a"},
		{RoleName: "r1", PermissionCode: "b"},
		{RoleName: "r2", PermissionCode: "b"},
		{RoleName: "r2", PermissionCode: "c"},
	})
	got := strings.Join(g.Permissions("r1", "r2"), ",")
	if got != "a,b,c" {
		t.Fatalf("union = %s, want a,b,c", got)
	}
	if got := strings.Join(g.Permissions("r2", "r1"), ","); got != "a,b,c" {
		t.Fatalf("union must not depend on role order, got %s", got)
	}
	if perms := g.Permissions("missing"); len(perms) != 0 {
		t.Fatalf("unknown role granted %v", perms)
	}
}

func TestPermissionGraphRoleWithoutGrants(t *testing.T) {
	g := NewPermissionGraph([]RoleGrant{{RoleName: "empty"}, {RoleName: " ", PermissionCode: "x"}})
	if roles := g.Roles(); len(roles) != 1 || roles[0] != "empty" {
		t.Fatalf("unexpected roles %v", roles)
	}
	if len(g.Grants("empty")) != 0 {
		t.Fatalf("expected no grants")
	}
}

func TestPermissionGraphReload(t *testing.T) {
	g := NewPermissionGraph([]RoleGrant{{RoleName: "r", PermissionCode: "old"}})
	ctx := context.Background()

	if err := g.Reload(ctx, staticGrants{err: errors.New("db down")}); err == nil {
		t.Fatal("expected reload error")
	}
	if got := g.Grants("r"); len(got) != 1 || got[0] != "old" {
		t.Fatalf("failed reload must keep snapshot, got %v", got)
	}

	if err := g.Reload(ctx, staticGrants{grants: []RoleGrant{{RoleName: "r", PermissionCode: "new"}}}); err != nil {
		t.Fatal(err)
	}
	if got := g.Grants("r"); len(got) != 1 || got[0] != "new" {
		t.Fatalf("expected new snapshot, got %v", got)
	}
}

func TestPermissionGraphConcurrentReload(t *testing.T) {
	a := []RoleGrant{{RoleName: "r", PermissionCode: "a"}, {RoleName: "r", PermissionCode: "b"}}
	b := []RoleGrant{{RoleName: "r", PermissionCode: "c"}, {RoleName: "r", PermissionCode: "d"}}
	g := NewPermissionGraph(a)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%2 == 0 {
					g.Replace(a)
				} else {
					g.Replace(b)
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got := strings.Join(g.Permissions("r"), ",")
				if got != "a,b" && got != "c,d" {
					t.Errorf("torn snapshot: %s", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}
