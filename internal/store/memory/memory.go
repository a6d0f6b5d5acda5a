// Package memory implements auth.Store in process memory. It is used by tests
// and by the "memory" database driver.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
)

// Store is safe for concurrent use. One lock guards every table so multi-table
// operations behave like transactions.
type Store struct {
	mu          sync.RWMutex
	orgs        map[string]*auth.Organization
	users       map[string]*auth.User
	roles       map[string]auth.Role // by name
	permissions map[string]auth.Permission
	grants      []auth.RoleGrant
	userRoles   map[string]map[string]struct{} // user id -> role names
	tokens      map[string]*auth.RefreshToken
}

var _ auth.Store = (*Store)(nil)

// New returns an empty store with the built-in roles, permissions and grants.
func New() *Store {
	s := &Store{
		orgs:        make(map[string]*auth.Organization),
		users:       make(map[string]*auth.User),
		roles:       make(map[string]auth.Role),
		permissions: make(map[string]auth.Permission),
		userRoles:   make(map[string]map[string]struct{}),
		tokens:      make(map[string]*auth.RefreshToken),
	}
	for _, r := range auth.BuiltinRoles {
		s.roles[r.Name] = r
	}
	for _, p := range auth.BuiltinPermissions {
		s.permissions[p.Code] = p
	}
	s.grants = append(s.grants, auth.BuiltinGrants...)
	return s
}

func (s *Store) Organizations(context.Context) auth.OrganizationStore { return orgStore{s} }
func (s *Store) Users(context.Context) auth.UserStore                 { return userStore{s} }
func (s *Store) Roles(context.Context) auth.RoleStore                 { return roleStore{s} }
func (s *Store) Permissions(context.Context) auth.PermissionStore     { return permStore{s} }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return tokenStore{s} }
func (s *Store) Ping(context.Context) error                           { return nil }

// AddGrant grants code to role. Callers reload the permission graph afterwards.
func (s *Store) AddGrant(role, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, auth.RoleGrant{RoleName: role, PermissionCode: code})
}

// AssignRole adds a role to an existing user.
func (s *Store) AssignRole(userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.roles[role]; !ok {
		return auth.ErrNotFound
	}
	s.assignLocked(userID, role)
	return nil
}

// SetPasswordHash replaces a user's stored credential, e.g. for imported accounts.
func (s *Store) SetPasswordHash(userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (s *Store) assignLocked(userID, role string) {
	set, ok := s.userRoles[userID]
	if !ok {
		set = make(map[string]struct{})
		s.userRoles[userID] = set
	}
	set[role] = struct{}{}
}

func (s *Store) loginTakenLocked(login string) bool {
	for _, u := range s.users {
		if strings.EqualFold(u.Login, login) {
			return true
		}
	}
	return false
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}

type orgStore struct{ s *Store }

func (o orgStore) Register(_ context.Context, org *auth.Organization, owner *auth.User, roleName string) error {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleName]; !ok {
		return auth.ErrNotFound
	}
	if s.loginTakenLocked(owner.Login) {
		return auth.ErrAlreadyExists
	}
	org.ID = ids.New()
	org.OwnerID = ""
	stamp(&org.CreatedAt, &org.UpdatedAt)
	owner.ID = ids.New()
	owner.OrganizationID = org.ID
	stamp(&owner.CreatedAt, &owner.UpdatedAt)
	org.OwnerID = owner.ID

	oc, uc := *org, *owner
	s.orgs[org.ID] = &oc
	s.users[owner.ID] = &uc
	s.assignLocked(owner.ID, roleName)
	return nil
}

func (o orgStore) Find(_ context.Context, id string) (*auth.Organization, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	org, ok := o.s.orgs[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := *org
	return &out, nil
}

func (o orgStore) EmailTaken(_ context.Context, email string) (bool, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	for _, org := range o.s.orgs {
		if email != "" && strings.EqualFold(org.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

type userStore struct{ s *Store }

func (u userStore) Create(_ context.Context, user *auth.User, roleName string) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[user.OrganizationID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.roles[roleName]; !ok {
		return auth.ErrNotFound
	}
	if s.loginTakenLocked(user.Login) {
		return auth.ErrAlreadyExists
	}
	user.ID = ids.New()
	stamp(&user.CreatedAt, &user.UpdatedAt)
	cp := *user
	s.users[user.ID] = &cp
	s.assignLocked(user.ID, roleName)
	return nil
}

func (u userStore) Find(_ context.Context, id string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := *user
	return &out, nil
}

func (u userStore) FindByLogin(_ context.Context, login string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	var candidates []*auth.User
	for _, user := range u.s.users {
		if strings.EqualFold(user.Login, login) || (user.Email != "" && strings.EqualFold(user.Email, login)) {
			cp := *user
			candidates = append(candidates, &cp)
		}
	}
	return auth.ResolveLogin(login, candidates)
}

func (u userStore) FindInOrg(_ context.Context, orgID, login string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	for _, user := range u.s.users {
		if user.OrganizationID == orgID && strings.EqualFold(user.Login, login) {
			out := *user
			return &out, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (u userStore) ListByOrg(_ context.Context, orgID string) ([]*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	var out []*auth.User
	for _, user := range u.s.users {
		if user.OrganizationID != orgID || user.IsDeleted || !user.IsActive {
			continue
		}
		cp := *user
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out, nil
}

func (u userStore) EmailTaken(_ context.Context, email string) (bool, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	for _, user := range u.s.users {
		if email != "" && strings.EqualFold(user.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

func (u userStore) UpdateStatus(_ context.Context, user *auth.User) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	cur, ok := u.s.users[user.ID]
	if !ok {
		return auth.ErrNotFound
	}
	cur.IsActive = user.IsActive
	cur.IsBlocked = user.IsBlocked
	cur.IsDeleted = user.IsDeleted
	cur.UpdatedAt = user.UpdatedAt
	return nil
}

type roleStore struct{ s *Store }

func (r roleStore) List(context.Context) ([]auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]auth.Role, 0, len(r.s.roles))
	for _, role := range r.s.roles {
		out = append(out, role)
	}
	auth.SortRoles(out)
	return out, nil
}

func (r roleStore) FindByName(_ context.Context, name string) (*auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	role, ok := r.s.roles[name]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &role, nil
}

func (r roleStore) ForUser(_ context.Context, userID string) ([]auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []auth.Role{}
	for name := range r.s.userRoles[userID] {
		out = append(out, r.s.roles[name])
	}
	auth.SortRoles(out)
	return out, nil
}

type permStore struct{ s *Store }

func (p permStore) List(context.Context) ([]auth.Permission, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(p.s.permissions))
	for _, perm := range p.s.permissions {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (p permStore) Grants(context.Context) ([]auth.RoleGrant, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	return append([]auth.RoleGrant(nil), p.s.grants...), nil
}

type tokenStore struct{ s *Store }

func (t tokenStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.tokens[tok.JTI]; ok {
		return auth.ErrAlreadyExists
	}
	cp := *tok
	t.s.tokens[tok.JTI] = &cp
	return nil
}

func (t tokenStore) Find(_ context.Context, jti, userID string) (*auth.RefreshToken, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	tok, ok := t.s.tokens[jti]
	if !ok || tok.UserID != userID {
		return nil, auth.ErrNotFound
	}
	out := *tok
	return &out, nil
}

func revokeLocked(tok *auth.RefreshToken, at time.Time) {
	tok.Revoked = true
	ts := at
	tok.RevokedAt = &ts
}

func (t tokenStore) MarkRevoked(_ context.Context, jti string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tok, ok := t.s.tokens[jti]
	if !ok {
		return auth.ErrNotFound
	}
	if !tok.Revoked {
		revokeLocked(tok, at)
	}
	return nil
}

func (t tokenStore) MarkRevokedByUser(_ context.Context, userID string, at time.Time) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var n int64
	for _, tok := range t.s.tokens {
		if tok.UserID == userID && !tok.Revoked {
			revokeLocked(tok, at)
			n++
		}
	}
	return n, nil
}

func (t tokenStore) MarkRevokedBySession(_ context.Context, sessionID string, at time.Time) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var n int64
	for _, tok := range t.s.tokens {
		if tok.SessionID == sessionID && !tok.Revoked {
			revokeLocked(tok, at)
			n++
		}
	}
	return n, nil
}

func (t tokenStore) Rotate(_ context.Context, jti string, next *auth.RefreshToken, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cur, ok := t.s.tokens[jti]
	if !ok || cur.Revoked {
		return auth.ErrRefreshTokenRevoked
	}
	if _, dup := t.s.tokens[next.JTI]; dup {
		return auth.ErrAlreadyExists
	}
	revokeLocked(cur, at)
	cur.ReplacedBy = next.JTI
	cp := *next
	t.s.tokens[next.JTI] = &cp
	return nil
}

func (t tokenStore) ListActiveByUser(_ context.Context, userID string, now time.Time) ([]auth.RefreshToken, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := []auth.RefreshToken{}
	for _, tok := range t.s.tokens {
		if tok.UserID == userID && !tok.Revoked && now.Before(tok.ExpiresAt) {
			out = append(out, *tok)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
