package auth_test

import (
	"errors"
	"slices"
	"testing"
	"time"

	"tenantgate.org/internal/auth"
)

func TestLoginAliceEndToEnd(t *testing.T) {
	e := newEnv(t)
	alice := e.addUser(t, "alice", "correct", auth.RoleAdmin)

	res := e.login(t, "alice", "correct")

	claims, err := e.codec.Verify(res.Tokens.AccessToken, auth.KindAccess)
	if err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if claims.Subject != alice.ID || claims.Type != auth.KindAccess {
		t.Fatalf("unexpected access claims: sub=%s type=%s", claims.Subject, claims.Type)
	}
	if claims.OrganizationID != e.org.ID {
		t.Fatalf("organization_id=%s, want %s", claims.OrganizationID, e.org.ID)
	}

	refresh, err := e.codec.Verify(res.Tokens.RefreshToken, auth.KindRefresh)
	if err != nil {
		t.Fatalf("refresh token does not verify: %v", err)
	}
	row, err := e.svc.Ledger().Lookup(e.ctx, refresh.ID, alice.ID)
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if row.Revoked {
		t.Fatal("fresh refresh row must not be revoked")
	}
	if d := row.ExpiresAt.Sub(e.clock.Now()); d < 30*24*time.Hour-time.Second || d > 30*24*time.Hour {
		t.Fatalf("expires_at ≈ now+30d expected, got %v", d)
	}
	if row.TokenHash != auth.HashToken(res.Tokens.RefreshToken) {
		t.Fatal("ledger must store the token digest")
	}

	id := res.Identity
	if id.AccessLevel() != auth.RoleAdmin || !id.HasPermission(auth.PermUserView) {
		t.Fatalf("unexpected identity %+v", id)
	}
	if res.Tokens.ExpiresIn() != 900 || res.Tokens.RefreshExpiresIn() != 30*24*3600 {
		t.Fatalf("unexpected ttls %d/%d", res.Tokens.ExpiresIn(), res.Tokens.RefreshExpiresIn())
	}
}

func TestLoginByEmail(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "alice", "correct", auth.RoleUser)
	if _, err := e.svc.Login(e.ctx, "ALICE@acme.test", "correct"); err != nil {
		t.Fatalf("login by email: %v", err)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "alice", "correct", auth.RoleUser)

	cases := []struct{ login, password string }{
		{"alice", "wrong"},
		{"nobody", "correct"},
		{"", "correct"},
		{"alice", ""},
	}
	for _, c := range cases {
		if _, err := e.svc.Login(e.ctx, c.login, c.password); !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("login(%q,%q): expected ErrInvalidCredentials, got %v", c.login, c.password, err)
		}
	}
}

func TestLoginBlockedUser(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "alice", "correct", auth.RoleUser)
	if _, err := e.accounts.SetUserStatus(e.ctx, e.owner, "alice", auth.StatusBlock); err != nil {
		t.Fatal(err)
	}

	if _, err := e.svc.Login(e.ctx, "alice", "correct"); !errors.Is(err, auth.ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
	// account state is not revealed without the right password
	if _, err := e.svc.Login(e.ctx, "alice", "wrong"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginArgon2idHash(t *testing.T) {
	e := newEnv(t)
	u := e.addUser(t, "legacy", "placeholder", auth.RoleUser)
	hash := auth.EncodeArgon2id("imported", []byte("saltsaltsaltsalt"), 8*1024, 1, 1)
	if err := e.store.SetPasswordHash(u.ID, hash); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Login(e.ctx, "legacy", "imported"); err != nil {
		t.Fatalf("argon2id login: %v", err)
	}
}

func TestLoginRejectsUnsafeArgon2idHash(t *testing.T) {
	e := newEnv(t)
	u := e.addUser(t, "legacy", "placeholder", auth.RoleUser)
	hash := "$argon2id$v=19$m=8192,t=1,p=0$c2FsdHNhbHRzYWx0c2FsdA$MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY"
	if err := e.store.SetPasswordHash(u.ID, hash); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Login(e.ctx, "legacy", "imported"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginRevokesPreviousSessions(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "alice", "correct", auth.RoleUser)

	first := e.login(t, "alice", "correct")
	second := e.login(t, "alice", "correct")

	if _, err := e.svc.Refresh(e.ctx, first.Tokens.RefreshToken); !errors.Is(err, auth.ErrRefreshTokenRevoked) {
		t.Fatalf("earlier session must be revoked, got %v", err)
	}
	if _, err := e.svc.Refresh(e.ctx, second.Tokens.RefreshToken); err != nil {
		t.Fatalf("fresh session must survive: %v", err)
	}
}

func TestLoginKeepsSessionsWhenRevokeDisabled(t *testing.T) {
	e := newEnv(t, auth.WithRevokeOnLogin(false))
	u := e.addUser(t, "alice", "correct", auth.RoleUser)

	first := e.login(t, "alice", "correct")
	e.login(t, "alice", "correct")

	sessions, err := e.svc.Sessions(e.ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(sessions))
	}
	if _, err := e.svc.Refresh(e.ctx, first.Tokens.RefreshToken); err != nil {
		t.Fatalf("first session should still refresh: %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	e := newEnv(t)
	alice := e.addUser(t, "alice", "correct", auth.RoleUser)
	res := e.login(t, "alice", "correct")

	id, err := e.svc.Authorize(e.ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != alice.ID || id.OrganizationID != e.org.ID || id.SessionID != res.Identity.SessionID {
		t.Fatalf("unexpected identity %+v", id)
	}
	if err := e.svc.Require(id, auth.PermUserView); err != nil {
		t.Fatalf("user.view should pass: %v", err)
	}
	if err := e.svc.Require(id, auth.PermUserCreate); !errors.Is(err, auth.ErrInsufficientPermission) {
		t.Fatalf("expected ErrInsufficientPermission, got %v", err)
	}

	// grant changes apply on graph reload without re-issuing the token
	e.store.AddGrant(auth.RoleUser, auth.PermUserCreate)
	if err := e.graph.Reload(e.ctx, e.store.Permissions(e.ctx)); err != nil {
		t.Fatal(err)
	}
	id, err = e.svc.Authorize(e.ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.svc.Require(id, auth.PermUserCreate); err != nil {
		t.Fatalf("reloaded grant should pass: %v", err)
	}
}

func TestAuthorizeRejects(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "alice", "correct", auth.RoleUser)
	res := e.login(t, "alice", "correct")

	if _, err := e.svc.Authorize(e.ctx, res.Tokens.RefreshToken); !errors.Is(err, auth.ErrTokenWrongType) {
		t.Fatalf("expected ErrTokenWrongType, got %v", err)
	}
	if _, err := e.svc.Authorize(e.ctx, "junk"); !errors.Is(err, auth.ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
	e.clock.Advance(16 * time.Minute)
	if _, err := e.svc.Authorize(e.ctx, res.Tokens.AccessToken); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if !auth.IsUnauthorized(auth.ErrTokenExpired) {
		t.Fatal("codec errors must be unauthorized")
	}
}

func TestRolesUnionAndDeterministicAccessLevel(t *testing.T) {
	e := newEnv(t)
	alice := e.addUser(t, "alice", "correct", auth.RoleUser)
	if err := e.store.AssignRole(alice.ID, auth.RoleAdmin); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		res := e.login(t, "alice", "correct")
		if !slices.Equal(res.Identity.Roles, []string{auth.RoleAdmin, auth.RoleUser}) {
			t.Fatalf("roles not in rank order: %v", res.Identity.Roles)
		}
		if res.Identity.AccessLevel() != auth.RoleAdmin {
			t.Fatalf("access level %q", res.Identity.AccessLevel())
		}
	}
	res := e.login(t, "alice", "correct")
	want := e.graph.Permissions(auth.RoleAdmin, auth.RoleUser)
	if !slices.Equal(res.Identity.Permissions, want) {
		t.Fatalf("permissions %v, want %v", res.Identity.Permissions, want)
	}
}

func TestSuperuserBypass(t *testing.T) {
	e := newEnv(t)
	if !e.owner.IsSuperuser() {
		t.Fatalf("registration owner must be superuser: %v", e.owner.Roles)
	}
	if err := e.svc.Require(e.owner, "anything.at.all"); err != nil {
		t.Fatalf("superuser should bypass: %v", err)
	}
}

func TestLoginSharedEmailIsRejectedConsistently(t *testing.T) {
	e := newEnv(t)
	users := e.store.Users(e.ctx)
	for i, login := range []string{"a1", "a2", "a3", "a4"} {
		hash, err := e.svc.Hasher().Hash(e.ctx, "pw-"+login)
		if err != nil {
			t.Fatal(err)
		}
		u := &auth.User{
			OrganizationID: e.org.ID,
			Login:          login,
			Email:          "shared@acme.test",
			PasswordHash:   hash,
			IsActive:       true,
		}
		if err := users.Create(e.ctx, u, auth.RoleUser); err != nil {
			t.Fatalf("create user %d: %v", i, err)
		}
	}

	for i := 0; i < 40; i++ {
		if _, err := e.svc.Login(e.ctx, "shared@acme.test", "pw-a1"); !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	// the login itself stays unambiguous
	if _, err := e.svc.Login(e.ctx, "a1", "pw-a1"); err != nil {
		t.Fatalf("login by login: %v", err)
	}
}
