package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tenantgate.org/internal/auth"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func registerAcme(t *testing.T, st *Store) (*auth.Organization, *auth.User) {
	t.Helper()
	ctx := context.Background()
	org := &auth.Organization{Name: "Acme", Email: "ops@acme.test"}
	owner := &auth.User{Login: "owner", Email: "owner@acme.test", PasswordHash: "h", IsActive: true}
	require.NoError(t, st.Organizations(ctx).Register(ctx, org, owner, auth.RoleSuperuser))
	return org, owner
}

func TestSeedMatchesBuiltins(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	grants, err := st.Permissions(ctx).Grants(ctx)
	require.NoError(t, err)
	require.Len(t, grants, len(auth.BuiltinGrants))

	roles, err := st.Roles(ctx).List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{auth.RoleSuperuser, auth.RoleAdmin, auth.RoleUser}, auth.RoleNames(roles))
}

func TestRegisterAndLookup(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	org, owner := registerAcme(t, st)

	require.NotEmpty(t, org.ID)
	require.Equal(t, owner.ID, org.OwnerID)

	got, err := st.Organizations(ctx).Find(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, owner.ID, got.OwnerID)

	byEmail, err := st.Users(ctx).FindByLogin(ctx, "OWNER@acme.test")
	require.NoError(t, err)
	require.Equal(t, owner.ID, byEmail.ID)
	require.True(t, byEmail.IsActive)

	roles, err := st.Roles(ctx).ForUser(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, []string{auth.RoleSuperuser}, auth.RoleNames(roles))

	taken, err := st.Organizations(ctx).EmailTaken(ctx, "OPS@acme.test")
	require.NoError(t, err)
	require.True(t, taken)

	_, err = st.Users(ctx).Find(ctx, "missing")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestCreateUserConstraints(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	org, _ := registerAcme(t, st)

	dup := &auth.User{OrganizationID: org.ID, Login: "Owner", PasswordHash: "h", IsActive: true}
	err := st.Users(ctx).Create(ctx, dup, auth.RoleUser)
	require.ErrorIs(t, err, auth.ErrAlreadyExists)
	require.NotContains(t, err.Error(), "UNIQUE")
	require.NotContains(t, err.Error(), "users")

	bad := &auth.User{OrganizationID: org.ID, Login: "bob", PasswordHash: "h", IsActive: true}
	require.ErrorIs(t, st.Users(ctx).Create(ctx, bad, "nobody"), auth.ErrNotFound)
	_, err = st.Users(ctx).FindInOrg(ctx, org.ID, "bob")
	require.ErrorIs(t, err, auth.ErrNotFound, "failed create must roll back")

	orphan := &auth.User{OrganizationID: "no-such-org", Login: "carol", PasswordHash: "h", IsActive: true}
	require.ErrorIs(t, st.Users(ctx).Create(ctx, orphan, auth.RoleUser), auth.ErrNotFound)
}

func TestListByOrgSkipsDeleted(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	org, _ := registerAcme(t, st)

	for _, login := range []string{"zed", "amy"} {
		u := &auth.User{OrganizationID: org.ID, Login: login, PasswordHash: "h", IsActive: true}
		require.NoError(t, st.Users(ctx).Create(ctx, u, auth.RoleUser))
	}
	zed, err := st.Users(ctx).FindInOrg(ctx, org.ID, "zed")
	require.NoError(t, err)
	zed.IsDeleted, zed.IsActive, zed.UpdatedAt = true, false, time.Now()
	require.NoError(t, st.Users(ctx).UpdateStatus(ctx, zed))

	users, err := st.Users(ctx).ListByOrg(ctx, org.ID)
	require.NoError(t, err)
	var logins []string
	for _, u := range users {
		logins = append(logins, u.Login)
	}
	require.Equal(t, []string{"amy", "owner"}, logins)
}

func TestFindByLoginSharedEmail(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	org, _ := registerAcme(t, st)

	for _, login := range []string{"bob", "carol"} {
		u := &auth.User{OrganizationID: org.ID, Login: login, Email: "shared@acme.test", PasswordHash: "h", IsActive: true}
		require.NoError(t, st.Users(ctx).Create(ctx, u, auth.RoleUser))
	}

	for i := 0; i < 5; i++ {
		_, err := st.Users(ctx).FindByLogin(ctx, "Shared@acme.test")
		require.ErrorIs(t, err, auth.ErrAmbiguousLogin)
	}
	u, err := st.Users(ctx).FindByLogin(ctx, "CAROL")
	require.NoError(t, err)
	require.Equal(t, "carol", u.Login)
}

func TestRefreshTokenLifecycle(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	_, owner := registerAcme(t, st)
	tokens := st.RefreshTokens(ctx)
	now := time.Date(2025, 6, 1, 9, 0, 0, 123456789, time.UTC)

	first := &auth.RefreshToken{JTI: "j1", UserID: owner.ID, SessionID: "s1", TokenHash: "h1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, tokens.Create(ctx, first))
	require.ErrorIs(t, tokens.Create(ctx, first), auth.ErrAlreadyExists)

	got, err := tokens.Find(ctx, "j1", owner.ID)
	require.NoError(t, err)
	require.True(t, got.ExpiresAt.Equal(first.ExpiresAt))
	require.Equal(t, auth.TokenActive, got.State(now))

	_, err = tokens.Find(ctx, "j1", "someone-else")
	require.ErrorIs(t, err, auth.ErrNotFound)

	next := &auth.RefreshToken{JTI: "j2", UserID: owner.ID, SessionID: "s1", TokenHash: "h2", CreatedAt: now.Add(time.Minute), ExpiresAt: now.Add(2 * time.Hour)}
	require.NoError(t, tokens.Rotate(ctx, "j1", next, now.Add(time.Minute)))
	require.ErrorIs(t, tokens.Rotate(ctx, "j1", &auth.RefreshToken{JTI: "j3"}, now), auth.ErrRefreshTokenRevoked)

	old, err := tokens.Find(ctx, "j1", owner.ID)
	require.NoError(t, err)
	require.Equal(t, auth.TokenRotated, old.State(now))
	require.Equal(t, "j2", old.ReplacedBy)
	require.NotNil(t, old.RevokedAt)

	active, err := tokens.ListActiveByUser(ctx, owner.ID, now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "j2", active[0].JTI)

	n, err := tokens.MarkRevokedBySession(ctx, "s1", now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.NoError(t, tokens.MarkRevoked(ctx, "j2", now), "revoking twice is a no-op")
	require.ErrorIs(t, tokens.MarkRevoked(ctx, "nope", now), auth.ErrNotFound)
}

func TestConcurrentRotateSingleWinner(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	_, owner := registerAcme(t, st)
	tokens := st.RefreshTokens(ctx)
	now := time.Now().UTC()
	require.NoError(t, tokens.Create(ctx, &auth.RefreshToken{
		JTI: "root", UserID: owner.ID, SessionID: "s", TokenHash: "h", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := &auth.RefreshToken{
				JTI: "next-" + string(rune('a'+i)), UserID: owner.ID, SessionID: "s",
				TokenHash: "h", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
			}
			err := tokens.Rotate(ctx, "root", next, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, auth.ErrRefreshTokenRevoked):
				rejected++
			default:
				t.Errorf("rotate: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, workers-1, rejected)
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.db")
	ctx := context.Background()

	st, err := Open(ctx, path)
	require.NoError(t, err)
	org, _ := registerAcme(t, st)
	require.NoError(t, st.AddGrant(ctx, auth.RoleUser, auth.PermUserList))
	require.ErrorIs(t, st.AddGrant(ctx, "ghost", auth.PermUserList), auth.ErrNotFound)
	require.NoError(t, st.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Organizations(ctx).Find(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, "Acme", got.Name)

	grants, err := reopened.Permissions(ctx).Grants(ctx)
	require.NoError(t, err)
	require.Len(t, grants, len(auth.BuiltinGrants)+1)
}
