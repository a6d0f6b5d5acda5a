package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Ledger is the durable source of truth for refresh token validity. Token
// strings are stored as SHA-256 digests.
type Ledger struct {
	store RefreshTokenStore
	now   func() time.Time
}

// NewLedger wraps a RefreshTokenStore.
func NewLedger(store RefreshTokenStore, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// HashToken returns the hex SHA-256 digest stored for a token string.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Matches compares token against the stored digest in constant time.
func (l *Ledger) Matches(row *RefreshToken, token string) bool {
	digest := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(row.TokenHash), []byte(digest)) == 1
}

// Entry builds an unsaved ledger row for a freshly signed token.
func (l *Ledger) Entry(userID, token, jti, sessionID string, expiresAt time.Time) *RefreshToken {
	return &RefreshToken{
		JTI:       jti,
		UserID:    userID,
		SessionID: sessionID,
		TokenHash: HashToken(token),
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: l.now().UTC(),
	}
}

// Record inserts a new active row.
func (l *Ledger) Record(ctx context.Context, userID, token, jti, sessionID string, expiresAt time.Time) error {
	if strings.TrimSpace(jti) == "" || strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: jti and user_id are required", ErrInvalidInput)
	}
	return l.Insert(ctx, l.Entry(userID, token, jti, sessionID, expiresAt))
}

// Insert stores a row built with Entry.
func (l *Ledger) Insert(ctx context.Context, row *RefreshToken) error {
	return l.store.Create(ctx, row)
}

// Lookup returns the row for jti owned by userID, or ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, jti, userID string) (*RefreshToken, error) {
	return l.store.Find(ctx, jti, userID)
}

// Revoke marks jti revoked. Revoking an already revoked row is not an error.
func (l *Ledger) Revoke(ctx context.Context, jti string) error {
	return l.store.MarkRevoked(ctx, jti, l.now().UTC())
}

// RevokeAllForUser revokes every active row of userID and reports how many changed.
func (l *Ledger) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return l.store.MarkRevokedByUser(ctx, userID, l.now().UTC())
}

// RevokeSession revokes every active row of a rotation chain.
func (l *Ledger) RevokeSession(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, nil
	}
	return l.store.MarkRevokedBySession(ctx, sessionID, l.now().UTC())
}

// Rotate performs the conditional revoke of jti and records next as its successor.
func (l *Ledger) Rotate(ctx context.Context, jti string, next *RefreshToken) error {
	return l.store.Rotate(ctx, jti, next, l.now().UTC())
}

// ActiveSessions lists the unrevoked, unexpired rows of userID.
func (l *Ledger) ActiveSessions(ctx context.Context, userID string) ([]RefreshToken, error) {
	return l.store.ListActiveByUser(ctx, userID, l.now().UTC())
}
