package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"tenantgate.org/internal/auth"
)

type tokenStore struct{ s *Store }

const tokenColumns = `jti, user_id, session_id, token_hash, expires_at, created_at, revoked, revoked_at, replaced_by`

func scanToken(row rowScanner) (*auth.RefreshToken, error) {
	var (
		t                    auth.RefreshToken
		expiresAt, createdAt string
		revoked              int
		revokedAt, replaced  sql.NullString
	)
	if err := row.Scan(&t.JTI, &t.UserID, &t.SessionID, &t.TokenHash, &expiresAt, &createdAt,
		&revoked, &revokedAt, &replaced); err != nil {
		return nil, err
	}
	var err error
	if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	t.Revoked = revoked != 0
	if revokedAt.Valid {
		at, err := parseTime(revokedAt.String)
		if err != nil {
			return nil, err
		}
		t.RevokedAt = &at
	}
	t.ReplacedBy = replaced.String
	return &t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, db execer, t *auth.RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (jti, user_id, session_id, token_hash, expires_at, created_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		t.JTI, t.UserID, t.SessionID, t.TokenHash, formatTime(t.ExpiresAt), formatTime(t.CreatedAt))
	return classify(err)
}

func (ts tokenStore) Create(ctx context.Context, t *auth.RefreshToken) error {
	return insertToken(ctx, ts.s.db, t)
}

func (ts tokenStore) Find(ctx context.Context, jti, userID string) (*auth.RefreshToken, error) {
	t, err := scanToken(ts.s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE jti = ? AND user_id = ?`, jti, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return t, nil
}

func (ts tokenStore) MarkRevoked(ctx context.Context, jti string, at time.Time) error {
	res, err := ts.s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1, revoked_at = COALESCE(revoked_at, ?)
		WHERE jti = ?`, formatTime(at), jti)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (ts tokenStore) revokeWhere(ctx context.Context, column, value string, at time.Time) (int64, error) {
	res, err := ts.s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1, revoked_at = ?
		WHERE `+column+` = ? AND revoked = 0`, formatTime(at), value)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return n, classify(err)
}

func (ts tokenStore) MarkRevokedByUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	return ts.revokeWhere(ctx, "user_id", userID, at)
}

func (ts tokenStore) MarkRevokedBySession(ctx context.Context, sessionID string, at time.Time) (int64, error) {
	return ts.revokeWhere(ctx, "session_id", sessionID, at)
}

func (ts tokenStore) Rotate(ctx context.Context, jti string, next *auth.RefreshToken, at time.Time) error {
	return ts.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE refresh_tokens SET revoked = 1, revoked_at = ?, replaced_by = ?
			WHERE jti = ? AND revoked = 0`, formatTime(at), next.JTI, jti)
		if err != nil {
			return classify(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err)
		}
		if n != 1 {
			return auth.ErrRefreshTokenRevoked
		}
		return insertToken(ctx, tx, next)
	})
}

// ListActiveByUser filters expiry in Go: RFC 3339 strings with varying
// fractional digits do not compare lexically.
func (ts tokenStore) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]auth.RefreshToken, error) {
	rows, err := ts.s.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM refresh_tokens
		WHERE user_id = ? AND revoked = 0`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := []auth.RefreshToken{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, classify(err)
		}
		if now.Before(t.ExpiresAt) {
			out = append(out, *t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
