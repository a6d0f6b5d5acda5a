package auth

import (
	"context"
	"errors"
	"fmt"

	"tenantgate.org/internal/obs"
)

// ReplayPolicy selects the compromise response when a revoked refresh token
// is presented again. The caller always receives ErrRefreshTokenRevoked.
type ReplayPolicy string

const (
	// ReplayReject only rejects the replayed token.
	ReplayReject ReplayPolicy = "reject"
	// ReplayRevokeSession also revokes the rest of the token's rotation chain.
	ReplayRevokeSession ReplayPolicy = "revoke_session"
	// ReplayRevokeUser also revokes every refresh token of the user.
	ReplayRevokeUser ReplayPolicy = "revoke_user"
)

// Refresh exchanges a refresh token for a new pair and invalidates the old
// token. Of two concurrent calls with the same token exactly one succeeds;
// the other gets ErrRefreshTokenRevoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	pair, err := s.refresh(ctx, refreshToken)
	obs.ObserveAuth("refresh", outcome(err))
	return pair, err
}

func (s *Service) refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	row, claims, err := s.activeRefreshRow(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	user, err := s.activeUser(ctx, row)
	if err != nil {
		return TokenPair{}, err
	}
	identity, err := s.identityFor(ctx, user)
	if err != nil {
		return TokenPair{}, err
	}
	identity.SessionID = row.SessionID
	if identity.SessionID == "" {
		identity.SessionID = claims.SessionID
	}

	pair, next, err := s.mintPair(identity)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.ledger.Rotate(ctx, row.JTI, next); err != nil {
		if errors.Is(err, ErrRefreshTokenRevoked) {
			s.log.WarnContext(ctx, "refresh token lost rotation race", "jti", row.JTI, "user_id", row.UserID)
			return TokenPair{}, ErrRefreshTokenRevoked
		}
		s.log.ErrorContext(ctx, "rotate refresh token failed", "jti", row.JTI, "error", err)
		return TokenPair{}, err
	}
	return pair, nil
}

// RefreshAccess validates a refresh token like Refresh but issues only a new
// access token. The refresh token is neither rotated nor revoked.
func (s *Service) RefreshAccess(ctx context.Context, refreshToken string) (TokenPair, error) {
	pair, err := s.refreshAccess(ctx, refreshToken)
	obs.ObserveAuth("refresh_access", outcome(err))
	return pair, err
}

func (s *Service) refreshAccess(ctx context.Context, refreshToken string) (TokenPair, error) {
	row, _, err := s.activeRefreshRow(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	user, err := s.activeUser(ctx, row)
	if err != nil {
		return TokenPair{}, err
	}
	identity, err := s.identityFor(ctx, user)
	if err != nil {
		return TokenPair{}, err
	}
	identity.SessionID = row.SessionID
	access, claims, err := s.codec.Issue(KindAccess, identity.UserID, 0, Claims{
		OrganizationID: identity.OrganizationID,
		Roles:          identity.Roles,
		SessionID:      identity.SessionID,
	})
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  claims.ExpiresAt.Time,
		RefreshExpiresAt: row.ExpiresAt,
		AccessTTL:        s.codec.AccessTTL(),
		RefreshTTL:       row.ExpiresAt.Sub(s.now()),
	}, nil
}

// Logout revokes a refresh token. Logging out an already revoked token succeeds.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	err := s.logout(ctx, refreshToken)
	obs.ObserveAuth("logout", outcome(err))
	return err
}

func (s *Service) logout(ctx context.Context, refreshToken string) error {
	claims, err := s.codec.DecodeRefresh(refreshToken)
	if err != nil {
		s.log.InfoContext(ctx, "logout with undecodable token", "cause", err)
		return ErrInvalidRefreshToken
	}
	row, err := s.ledger.Lookup(ctx, claims.ID, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidRefreshToken
	}
	if err != nil {
		return err
	}
	if !s.ledger.Matches(row, refreshToken) {
		return ErrInvalidRefreshToken
	}
	if row.Revoked {
		s.log.InfoContext(ctx, "refresh token already invalidated", "jti", row.JTI)
		return nil
	}
	return s.ledger.Revoke(ctx, row.JTI)
}

// LogoutAll revokes every refresh token of the user.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.ledger.RevokeAllForUser(ctx, userID)
	obs.ObserveAuth("logout_all", outcome(err))
	return n, err
}

// activeRefreshRow runs decode, lookup, revocation and expiry checks. Decode
// failures of any kind fold into ErrInvalidRefreshToken; the cause is logged.
// The token's own exp is not enforced by the decoder: a well-signed token past
// its expiry reaches the ledger and fails with ErrRefreshTokenExpired.
func (s *Service) activeRefreshRow(ctx context.Context, token string) (*RefreshToken, *Claims, error) {
	claims, err := s.codec.DecodeRefresh(token)
	if err != nil {
		s.log.InfoContext(ctx, "refresh token rejected", "cause", err)
		return nil, nil, ErrInvalidRefreshToken
	}
	if claims.ID == "" || claims.Subject == "" {
		s.log.InfoContext(ctx, "refresh token rejected", "cause", "missing jti or subject")
		return nil, nil, ErrInvalidRefreshToken
	}
	row, err := s.ledger.Lookup(ctx, claims.ID, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		s.log.InfoContext(ctx, "refresh token rejected", "cause", "no ledger row", "jti", claims.ID)
		return nil, nil, ErrInvalidRefreshToken
	}
	if err != nil {
		s.log.ErrorContext(ctx, "ledger lookup failed", "jti", claims.ID, "error", err)
		return nil, nil, err
	}
	if !s.ledger.Matches(row, token) {
		s.log.WarnContext(ctx, "refresh token rejected", "cause", "digest mismatch", "jti", row.JTI)
		return nil, nil, ErrInvalidRefreshToken
	}
	if row.Revoked {
		s.onReplay(ctx, row)
		return nil, nil, ErrRefreshTokenRevoked
	}
	now := s.now()
	if !now.Before(row.ExpiresAt) || !now.Before(claims.ExpiresAt.Time) {
		s.log.InfoContext(ctx, "refresh token rejected", "cause", "expired", "jti", row.JTI)
		return nil, nil, ErrRefreshTokenExpired
	}
	return row, claims, nil
}

func (s *Service) activeUser(ctx context.Context, row *RefreshToken) (*User, error) {
	user, err := s.store.Users(ctx).Find(ctx, row.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}
	if user.Disabled() {
		if err := s.ledger.Revoke(ctx, row.JTI); err != nil {
			s.log.ErrorContext(ctx, "revoke token of disabled user failed", "jti", row.JTI, "error", err)
		}
		s.log.InfoContext(ctx, "refresh token rejected", "cause", "account disabled", "user_id", user.ID)
		return nil, ErrInvalidRefreshToken
	}
	return user, nil
}

func (s *Service) onReplay(ctx context.Context, row *RefreshToken) {
	obs.ObserveReplay()
	s.log.WarnContext(ctx, "refresh token replay detected",
		"jti", row.JTI, "user_id", row.UserID, "session_id", row.SessionID, "policy", string(s.replay))

	var (
		n   int64
		err error
	)
	switch s.replay {
	case ReplayRevokeSession:
		n, err = s.ledger.RevokeSession(ctx, row.SessionID)
	case ReplayRevokeUser:
		n, err = s.ledger.RevokeAllForUser(ctx, row.UserID)
	default:
		return
	}
	if err != nil {
		s.log.ErrorContext(ctx, "replay revocation failed", "user_id", row.UserID, "error", fmt.Errorf("%s: %w", s.replay, err))
		return
	}
	s.log.WarnContext(ctx, "replay revocation applied", "user_id", row.UserID, "revoked", n)
}
