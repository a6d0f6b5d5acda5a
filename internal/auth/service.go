package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tenantgate.org/internal/obs"
)

// Service authenticates users, issues and rotates tokens, and resolves
// identities from access tokens.
type Service struct {
	store  Store
	codec  *Codec
	graph  *PermissionGraph
	ledger *Ledger
	hasher *PasswordHasher
	now    func() time.Time
	log    *slog.Logger

	revokeOnLogin bool
	replay        ReplayPolicy
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the logger used for internal failure causes.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithPasswordHasher replaces the default bcrypt hasher.
func WithPasswordHasher(h *PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: password hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

// WithRevokeOnLogin controls whether a password login revokes every earlier
// refresh token of the user. Enabled by default.
func WithRevokeOnLogin(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.revokeOnLogin = enabled
		return nil
	}
}

// WithReplayPolicy sets the response to a replayed refresh token.
func WithReplayPolicy(p ReplayPolicy) ServiceOption {
	return func(s *Service) error {
		switch p {
		case ReplayReject, ReplayRevokeSession, ReplayRevokeUser:
			s.replay = p
			return nil
		default:
			return fmt.Errorf("%w: unknown replay policy %q", ErrInvalidInput, p)
		}
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, codec *Codec, graph *PermissionGraph, opts ...ServiceOption) (*Service, error) {
	if store == nil || codec == nil || graph == nil {
		return nil, errors.New("auth: store, codec and graph are required")
	}
	svc := &Service{
		store:         store,
		codec:         codec,
		graph:         graph,
		now:           time.Now,
		log:           obs.Logger().With("component", "auth"),
		revokeOnLogin: true,
		replay:        ReplayReject,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.hasher == nil {
		svc.hasher = NewPasswordHasher(0, 0)
	}
	svc.ledger = NewLedger(store.RefreshTokens(context.Background()), svc.now)
	return svc, nil
}

// Ledger exposes the refresh token ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Graph exposes the permission graph.
func (s *Service) Graph() *PermissionGraph { return s.graph }

// Hasher exposes the password hasher.
func (s *Service) Hasher() *PasswordHasher { return s.hasher }

// Login verifies credentials and issues a fresh token pair. login matches the
// user's login or email. Disabled accounts are reported only after the
// password has matched.
func (s *Service) Login(ctx context.Context, login, password string) (AuthResult, error) {
	res, err := s.login(ctx, login, password)
	obs.ObserveAuth("login", outcome(err))
	return res, err
}

func (s *Service) login(ctx context.Context, login, password string) (AuthResult, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return AuthResult{}, ErrInvalidCredentials
	}
	user, err := s.store.Users(ctx).FindByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAmbiguousLogin) {
		if errors.Is(err, ErrAmbiguousLogin) {
			s.log.InfoContext(ctx, "login rejected", "cause", "identifier shared by several accounts")
		}
		s.hasher.Burn(ctx, password)
		return AuthResult{}, ErrInvalidCredentials
	}
	if err != nil {
		s.log.ErrorContext(ctx, "login lookup failed", "error", err)
		return AuthResult{}, err
	}
	ok, err := s.hasher.Verify(ctx, user.PasswordHash, password)
	if err != nil {
		if ctx.Err() != nil {
			return AuthResult{}, ctx.Err()
		}
		s.log.WarnContext(ctx, "password verification failed", "user_id", user.ID, "error", err)
		return AuthResult{}, ErrInvalidCredentials
	}
	if !ok {
		return AuthResult{}, ErrInvalidCredentials
	}
	if user.Disabled() {
		return AuthResult{}, ErrAccountDisabled
	}
	return s.startSession(ctx, user)
}

// IssueFor starts a new session for an already authenticated user. Used by
// registration.
func (s *Service) IssueFor(ctx context.Context, user *User) (AuthResult, error) {
	return s.startSession(ctx, user)
}

func (s *Service) startSession(ctx context.Context, user *User) (AuthResult, error) {
	identity, err := s.identityFor(ctx, user)
	if err != nil {
		return AuthResult{}, err
	}
	if s.revokeOnLogin {
		n, err := s.ledger.RevokeAllForUser(ctx, user.ID)
		if err != nil {
			s.log.ErrorContext(ctx, "revoke previous sessions failed", "user_id", user.ID, "error", err)
			return AuthResult{}, err
		}
		if n > 0 {
			s.log.InfoContext(ctx, "previous sessions revoked", "user_id", user.ID, "count", n)
		}
	}
	identity.SessionID = uuid.NewString()
	pair, next, err := s.mintPair(identity)
	if err != nil {
		return AuthResult{}, err
	}
	if err := s.ledger.Insert(ctx, next); err != nil {
		s.log.ErrorContext(ctx, "record refresh token failed", "user_id", user.ID, "error", err)
		return AuthResult{}, err
	}
	return AuthResult{Tokens: pair, Identity: identity}, nil
}

func (s *Service) identityFor(ctx context.Context, user *User) (Identity, error) {
	roles, err := s.store.Roles(ctx).ForUser(ctx, user.ID)
	if err != nil {
		s.log.ErrorContext(ctx, "load roles failed", "user_id", user.ID, "error", err)
		return Identity{}, err
	}
	SortRoles(roles)
	return NewIdentity(user.ID, user.OrganizationID, RoleNames(roles), s.graph), nil
}

// mintPair signs an access and a refresh token for identity and returns the
// unsaved ledger row of the refresh token.
func (s *Service) mintPair(identity Identity) (TokenPair, *RefreshToken, error) {
	access, accessClaims, err := s.codec.Issue(KindAccess, identity.UserID, 0, Claims{
		OrganizationID: identity.OrganizationID,
		Roles:          identity.Roles,
		SessionID:      identity.SessionID,
	})
	if err != nil {
		return TokenPair{}, nil, err
	}
	refresh, refreshClaims, err := s.codec.Issue(KindRefresh, identity.UserID, 0, Claims{
		SessionID: identity.SessionID,
	})
	if err != nil {
		return TokenPair{}, nil, err
	}
	row := s.ledger.Entry(identity.UserID, refresh, refreshClaims.ID, identity.SessionID, refreshClaims.ExpiresAt.Time)
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
		AccessTTL:        s.codec.AccessTTL(),
		RefreshTTL:       s.codec.RefreshTTL(),
	}, row, nil
}

// Authorize decodes an access token into an identity without touching the
// store. Role changes apply once the token is re-issued, so the staleness
// window equals the access token TTL. Grant changes apply on graph reload.
func (s *Service) Authorize(ctx context.Context, accessToken string) (Identity, error) {
	claims, err := s.codec.Verify(accessToken, KindAccess)
	if err != nil {
		s.log.DebugContext(ctx, "access token rejected", "error", err)
		return Identity{}, err
	}
	id := NewIdentity(claims.Subject, claims.OrganizationID, claims.Roles, s.graph)
	id.SessionID = claims.SessionID
	return id, nil
}

// Require checks a permission. Superusers always pass.
func (s *Service) Require(id Identity, code string) error {
	if id.Can(code) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInsufficientPermission, code)
}

// Sessions lists the caller's active refresh tokens.
func (s *Service) Sessions(ctx context.Context, userID string) ([]RefreshToken, error) {
	return s.ledger.ActiveSessions(ctx, userID)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountDisabled):
		return "account_disabled"
	case errors.Is(err, ErrInvalidRefreshToken):
		return "invalid_refresh_token"
	case errors.Is(err, ErrRefreshTokenRevoked):
		return "refresh_token_revoked"
	case errors.Is(err, ErrRefreshTokenExpired):
		return "refresh_token_expired"
	case IsPersistence(err):
		return "persistence_error"
	default:
		return "error"
	}
}
