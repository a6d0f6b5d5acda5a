package auth

import (
	"sort"
	"time"
)

// Organization is a tenant. OwnerID stays empty until the owning superuser exists.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User represents an account operating inside exactly one organization.
type User struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Login          string    `json:"login"`
	Email          string    `json:"email,omitempty"`
	PasswordHash   string    `json:"-"`
	IsActive       bool      `json:"is_active"`
	IsBlocked      bool      `json:"is_blocked"`
	IsDeleted      bool      `json:"is_deleted"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Disabled reports whether the account may not authenticate.
func (u *User) Disabled() bool {
	return u.IsBlocked || u.IsDeleted || !u.IsActive
}

// Role groups permissions. Rank orders roles when a primary role is needed; lower wins.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Rank        int    `json:"rank"`
	Description string `json:"description,omitempty"`
}

// Permission is a fine-grained capability identified by Code.
type Permission struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// RoleGrant links a role to a permission.
type RoleGrant struct {
	RoleName       string
	PermissionCode string
}

// SortRoles orders roles by rank, then name.
func SortRoles(roles []Role) {
	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].Rank != roles[j].Rank {
			return roles[i].Rank < roles[j].Rank
		}
		return roles[i].Name < roles[j].Name
	})
}

// RoleNames returns role names in the order given.
func RoleNames(roles []Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.Name)
	}
	return out
}

// TokenState is the rotation state of a refresh token instance.
type TokenState string

const (
	TokenActive  TokenState = "active"
	TokenRotated TokenState = "rotated"
	TokenRevoked TokenState = "revoked"
	TokenExpired TokenState = "expired"
)

// RefreshToken is a persisted refresh token issuance. Rows are never deleted.
type RefreshToken struct {
	JTI        string     `json:"jti"`
	UserID     string     `json:"user_id"`
	SessionID  string     `json:"session_id"`
	TokenHash  string     `json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ReplacedBy string     `json:"replaced_by,omitempty"`
}

// State derives the rotation state at the given instant.
func (t *RefreshToken) State(now time.Time) TokenState {
	switch {
	case t.Revoked && t.ReplacedBy != "":
		return TokenRotated
	case t.Revoked:
		return TokenRevoked
	case !now.Before(t.ExpiresAt):
		return TokenExpired
	default:
		return TokenActive
	}
}

// TokenPair is returned by login, registration and rotation.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
}

// ExpiresIn is the declared access lifetime in seconds.
func (p TokenPair) ExpiresIn() int64 { return int64(p.AccessTTL / time.Second) }

// RefreshExpiresIn is the declared refresh lifetime in seconds.
func (p TokenPair) RefreshExpiresIn() int64 { return int64(p.RefreshTTL / time.Second) }

// AuthResult bundles freshly issued tokens with the identity they were issued for.
type AuthResult struct {
	Tokens   TokenPair
	Identity Identity
}

// UserSummary is the organization listing view of a user.
type UserSummary struct {
	User        User     `json:"user"`
	Roles       []string `json:"roles"`
	AccessLevel string   `json:"access_level,omitempty"`
	Permissions []string `json:"permissions"`
}
