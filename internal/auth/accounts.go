package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tenantgate.org/internal/obs"
)

// UserStatusAction selects a lifecycle change applied by SetUserStatus.
type UserStatusAction string

const (
	StatusBlock   UserStatusAction = "block"
	StatusUnblock UserStatusAction = "unblock"
	StatusDelete  UserStatusAction = "delete"
)

// RegisterRequest creates an organization together with its superuser.
type RegisterRequest struct {
	OrganizationName  string `json:"organization_name"`
	OrganizationEmail string `json:"organization_email"`
	Login             string `json:"superuser_login"`
	Email             string `json:"superuser_email"`
	Password          string `json:"superuser_password"`
}

// CreateUserRequest adds a user to the actor's organization.
type CreateUserRequest struct {
	Login    string `json:"login"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Registration is the outcome of Register.
type Registration struct {
	Organization Organization
	Superuser    User
	Auth         AuthResult
}

// Accounts manages organizations and users around the token core.
type Accounts struct {
	store        Store
	svc          *Service
	now          func() time.Time
	log          *slog.Logger
	uniqueEmails bool
}

// AccountsOption configures Accounts.
type AccountsOption func(*Accounts)

// WithUniqueEmails rejects registrations and users whose email is already taken.
func WithUniqueEmails(enabled bool) AccountsOption {
	return func(a *Accounts) { a.uniqueEmails = enabled }
}

// WithAccountsClock overrides the time source.
func WithAccountsClock(fn func() time.Time) AccountsOption {
	return func(a *Accounts) {
		if fn != nil {
			a.now = fn
		}
	}
}

// WithAccountsLogger sets the logger.
func WithAccountsLogger(l *slog.Logger) AccountsOption {
	return func(a *Accounts) {
		if l != nil {
			a.log = l
		}
	}
}

func NewAccounts(store Store, svc *Service, opts ...AccountsOption) (*Accounts, error) {
	if store == nil || svc == nil {
		return nil, errors.New("auth: store and service are required")
	}
	a := &Accounts{
		store:        store,
		svc:          svc,
		now:          time.Now,
		log:          obs.Logger().With("component", "accounts"),
		uniqueEmails: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Register creates an organization and its superuser and starts a session for
// the superuser.
func (a *Accounts) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	req.OrganizationName = strings.TrimSpace(req.OrganizationName)
	req.OrganizationEmail = normalizeEmail(req.OrganizationEmail)
	req.Login = strings.TrimSpace(req.Login)
	req.Email = normalizeEmail(req.Email)
	if req.OrganizationName == "" {
		return Registration{}, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	if err := validateLogin(req.Login); err != nil {
		return Registration{}, err
	}
	if req.OrganizationEmail != "" && !strings.Contains(req.OrganizationEmail, "@") {
		return Registration{}, fmt.Errorf("%w: valid organization email is required", ErrInvalidInput)
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		return Registration{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Password) == "" {
		return Registration{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}

	if _, err := a.store.Users(ctx).FindByLogin(ctx, req.Login); err == nil {
		return Registration{}, fmt.Errorf("%w: login %s", ErrAlreadyExists, req.Login)
	} else if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAmbiguousLogin) {
		return Registration{}, err
	}
	if a.uniqueEmails {
		if req.OrganizationEmail != "" {
			taken, err := a.store.Organizations(ctx).EmailTaken(ctx, req.OrganizationEmail)
			if err != nil {
				return Registration{}, err
			}
			if taken {
				return Registration{}, fmt.Errorf("%w: organization email %s", ErrAlreadyExists, req.OrganizationEmail)
			}
		}
		if err := a.ensureEmailFree(ctx, req.Email); err != nil {
			return Registration{}, err
		}
	}

	hash, err := a.svc.Hasher().Hash(ctx, req.Password)
	if err != nil {
		return Registration{}, err
	}
	now := a.now().UTC()
	org := &Organization{Name: req.OrganizationName, Email: req.OrganizationEmail, CreatedAt: now, UpdatedAt: now}
	owner := &User{
		Login:        req.Login,
		Email:        req.Email,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.Organizations(ctx).Register(ctx, org, owner, RoleSuperuser); err != nil {
		a.log.ErrorContext(ctx, "register organization failed", "login", req.Login, "error", err)
		return Registration{}, err
	}
	a.log.InfoContext(ctx, "organization registered", "organization_id", org.ID, "owner_id", owner.ID)

	res, err := a.svc.IssueFor(ctx, owner)
	if err != nil {
		return Registration{}, err
	}
	return Registration{Organization: *org, Superuser: *owner, Auth: res}, nil
}

// CreateUser adds a user with a single role to the actor's organization.
func (a *Accounts) CreateUser(ctx context.Context, actor Identity, req CreateUserRequest) (User, error) {
	if err := a.svc.Require(actor, PermUserCreate); err != nil {
		return User{}, err
	}
	req.Login = strings.TrimSpace(req.Login)
	req.Email = normalizeEmail(req.Email)
	req.Role = strings.TrimSpace(strings.ToLower(req.Role))
	if err := validateLogin(req.Login); err != nil {
		return User{}, err
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Password) == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if req.Role == "" {
		req.Role = RoleUser
	}
	if req.Role == RoleSuperuser && !actor.IsSuperuser() {
		return User{}, fmt.Errorf("%w: only a superuser may grant %s", ErrInsufficientPermission, RoleSuperuser)
	}
	if _, err := a.store.Roles(ctx).FindByName(ctx, req.Role); err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, fmt.Errorf("%w: unknown role %s", ErrInvalidInput, req.Role)
		}
		return User{}, err
	}
	if _, err := a.store.Users(ctx).FindByLogin(ctx, req.Login); err == nil {
		return User{}, fmt.Errorf("%w: login %s", ErrAlreadyExists, req.Login)
	} else if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAmbiguousLogin) {
		return User{}, err
	}
	if a.uniqueEmails {
		if err := a.ensureEmailFree(ctx, req.Email); err != nil {
			return User{}, err
		}
	}

	hash, err := a.svc.Hasher().Hash(ctx, req.Password)
	if err != nil {
		return User{}, err
	}
	now := a.now().UTC()
	u := &User{
		OrganizationID: actor.OrganizationID,
		Login:          req.Login,
		Email:          req.Email,
		PasswordHash:   hash,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.Users(ctx).Create(ctx, u, req.Role); err != nil {
		return User{}, err
	}
	a.log.InfoContext(ctx, "user created",
		"user_id", u.ID, "organization_id", u.OrganizationID, "role", req.Role, "actor_id", actor.UserID)
	return *u, nil
}

// SetUserStatus blocks, unblocks or soft-deletes a user of the actor's
// organization. Block and delete revoke every refresh token of the target.
func (a *Accounts) SetUserStatus(ctx context.Context, actor Identity, login string, action UserStatusAction) (User, error) {
	perm := PermUserBlock
	switch action {
	case StatusBlock, StatusUnblock:
	case StatusDelete:
		perm = PermUserDelete
	default:
		return User{}, fmt.Errorf("%w: unknown status action %q", ErrInvalidInput, action)
	}
	if err := a.svc.Require(actor, perm); err != nil {
		return User{}, err
	}
	login = strings.TrimSpace(login)
	if login == "" {
		return User{}, fmt.Errorf("%w: login is required", ErrInvalidInput)
	}
	users := a.store.Users(ctx)
	u, err := users.FindInOrg(ctx, actor.OrganizationID, login)
	if err != nil {
		return User{}, err
	}
	if u.ID == actor.UserID && action != StatusUnblock {
		return User{}, fmt.Errorf("%w: cannot %s yourself", ErrInvalidInput, action)
	}

	switch action {
	case StatusBlock:
		if u.IsDeleted {
			return User{}, fmt.Errorf("%w: user %s is deleted", ErrInvalidInput, login)
		}
		u.IsBlocked, u.IsActive = true, false
	case StatusUnblock:
		if u.IsDeleted {
			return User{}, fmt.Errorf("%w: user %s is deleted", ErrInvalidInput, login)
		}
		u.IsBlocked, u.IsActive = false, true
	case StatusDelete:
		if u.IsDeleted {
			return User{}, fmt.Errorf("%w: user %s", ErrNotFound, login)
		}
		u.IsDeleted, u.IsActive = true, false
	}
	u.UpdatedAt = a.now().UTC()
	if err := users.UpdateStatus(ctx, u); err != nil {
		return User{}, err
	}
	if action != StatusUnblock {
		n, err := a.svc.Ledger().RevokeAllForUser(ctx, u.ID)
		if err != nil {
			return User{}, err
		}
		a.log.InfoContext(ctx, "user sessions revoked", "user_id", u.ID, "count", n)
	}
	a.log.InfoContext(ctx, "user status changed",
		"user_id", u.ID, "action", string(action), "actor_id", actor.UserID)
	return *u, nil
}

// ListUsers returns the active users of the actor's organization with their
// resolved roles and permissions.
func (a *Accounts) ListUsers(ctx context.Context, actor Identity) ([]UserSummary, error) {
	if err := a.svc.Require(actor, PermUserList); err != nil {
		return nil, err
	}
	users, err := a.store.Users(ctx).ListByOrg(ctx, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	roles := a.store.Roles(ctx)
	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		rs, err := roles.ForUser(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		SortRoles(rs)
		id := NewIdentity(u.ID, u.OrganizationID, RoleNames(rs), a.svc.Graph())
		out = append(out, UserSummary{
			User:        *u,
			Roles:       id.Roles,
			AccessLevel: id.AccessLevel(),
			Permissions: id.Permissions,
		})
	}
	return out, nil
}

// ListRoles returns the role catalog ordered by rank.
func (a *Accounts) ListRoles(ctx context.Context, actor Identity) ([]Role, error) {
	if err := a.svc.Require(actor, PermRoleView); err != nil {
		return nil, err
	}
	roles, err := a.store.Roles(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	SortRoles(roles)
	return roles, nil
}

// ListPermissions returns the permission catalog.
func (a *Accounts) ListPermissions(ctx context.Context, actor Identity) ([]Permission, error) {
	if err := a.svc.Require(actor, PermPermissionView); err != nil {
		return nil, err
	}
	return a.store.Permissions(ctx).List(ctx)
}

// PermissionMapping maps permission codes to their ids.
func (a *Accounts) PermissionMapping(ctx context.Context, actor Identity) (map[string]string, error) {
	perms, err := a.ListPermissions(ctx, actor)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(perms))
	for _, p := range perms {
		out[p.Code] = p.ID
	}
	return out, nil
}

func (a *Accounts) ensureEmailFree(ctx context.Context, email string) error {
	if email == "" {
		return nil
	}
	taken, err := a.store.Users(ctx).EmailTaken(ctx, email)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: email %s", ErrAlreadyExists, email)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func validateLogin(login string) error {
	if login == "" {
		return fmt.Errorf("%w: login is required", ErrInvalidInput)
	}
	if len(login) > 64 || strings.ContainsAny(login, " \t\r\n@/") {
		return fmt.Errorf("%w: login must be at most 64 characters without spaces, '@' or '/'", ErrInvalidInput)
	}
	return nil
}
