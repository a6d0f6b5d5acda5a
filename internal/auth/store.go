package auth

import (
	"context"
	"strings"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Organizations(ctx context.Context) OrganizationStore
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Ping(ctx context.Context) error
}

// OrganizationStore manages organizations.
type OrganizationStore interface {
	// Register creates org with an empty owner, creates owner inside it, then
	// sets the owner and assigns roleName, all in one transaction. IDs and
	// timestamps are filled in on success.
	Register(ctx context.Context, org *Organization, owner *User, roleName string) error
	Find(ctx context.Context, id string) (*Organization, error)
	EmailTaken(ctx context.Context, email string) (bool, error)
}

// UserStore manages users.
type UserStore interface {
	// Create inserts u and assigns roleName in one transaction.
	Create(ctx context.Context, u *User, roleName string) error
	Find(ctx context.Context, id string) (*User, error)
	// FindByLogin matches either the login or the email (case-insensitive)
	// and resolves the candidates with ResolveLogin.
	FindByLogin(ctx context.Context, login string) (*User, error)
	FindInOrg(ctx context.Context, orgID, login string) (*User, error)
	// ListByOrg returns active, non-deleted users ordered by login.
	ListByOrg(ctx context.Context, orgID string) ([]*User, error)
	EmailTaken(ctx context.Context, email string) (bool, error)
	UpdateStatus(ctx context.Context, u *User) error
}

// RoleStore reads the role catalog and user assignments.
type RoleStore interface {
	List(ctx context.Context) ([]Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	// ForUser returns the user's roles ordered by rank, then name.
	ForUser(ctx context.Context, userID string) ([]Role, error)
}

// PermissionStore reads the permission catalog and role grants.
type PermissionStore interface {
	List(ctx context.Context) ([]Permission, error)
	Grants(ctx context.Context) ([]RoleGrant, error)
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, jti, userID string) (*RefreshToken, error)
	// MarkRevoked is idempotent.
	MarkRevoked(ctx context.Context, jti string, at time.Time) error
	MarkRevokedByUser(ctx context.Context, userID string, at time.Time) (int64, error)
	MarkRevokedBySession(ctx context.Context, sessionID string, at time.Time) (int64, error)
	// Rotate revokes jti only if it is still unrevoked and records next as its
	// successor, atomically. It returns ErrRefreshTokenRevoked when no active
	// row was updated.
	Rotate(ctx context.Context, jti string, next *RefreshToken, at time.Time) error
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]RefreshToken, error)
}

// ResolveLogin picks the user named by login among candidates matched on login
// or email. A login match wins. Several email matches without one yield
// ErrAmbiguousLogin, so shared emails never select an account at random.
func ResolveLogin(login string, candidates []*User) (*User, error) {
	var byEmail *User
	n := 0
	for _, u := range candidates {
		if strings.EqualFold(u.Login, login) {
			return u, nil
		}
		if u.Email != "" && strings.EqualFold(u.Email, login) {
			byEmail = u
			n++
		}
	}
	switch n {
	case 0:
		return nil, ErrNotFound
	case 1:
		return byEmail, nil
	default:
		return nil, ErrAmbiguousLogin
	}
}
