package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantgate.org/internal/auth"
)

type tokenStore struct{ db *sql.DB }

const tokenColumns = `jti, user_id, session_id, token_hash, expires_at, created_at, revoked, revoked_at, replaced_by`

func scanToken(row rowScanner) (*auth.RefreshToken, error) {
	var (
		t          auth.RefreshToken
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	if err := row.Scan(&t.JTI, &t.UserID, &t.SessionID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt,
		&t.Revoked, &revokedAt, &replacedBy); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		at := revokedAt.Time.UTC()
		t.RevokedAt = &at
	}
	t.ReplacedBy = replacedBy.String
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, db execer, t *auth.RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		insert into refresh_tokens (jti, user_id, session_id, token_hash, expires_at, created_at, revoked)
		values ($1, $2, $3, $4, $5, $6, false)
	`, t.JTI, t.UserID, t.SessionID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return classify(err)
}

func (s tokenStore) Create(ctx context.Context, t *auth.RefreshToken) error {
	return insertToken(ctx, s.db, t)
}

func (s tokenStore) Find(ctx context.Context, jti, userID string) (*auth.RefreshToken, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `
		select `+tokenColumns+` from refresh_tokens
		where jti = $1 and user_id = $2
	`, jti, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return t, nil
}

func (s tokenStore) MarkRevoked(ctx context.Context, jti string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true, revoked_at = coalesce(revoked_at, $2)
		where jti = $1
	`, jti, at)
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

func (s tokenStore) revokeWhere(ctx context.Context, column, value string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true, revoked_at = $2
		where `+column+` = $1 and revoked = false
	`, value, at)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return n, classify(err)
}

func (s tokenStore) MarkRevokedByUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	return s.revokeWhere(ctx, "user_id", userID, at)
}

func (s tokenStore) MarkRevokedBySession(ctx context.Context, sessionID string, at time.Time) (int64, error) {
	return s.revokeWhere(ctx, "session_id", sessionID, at)
}

// Rotate relies on the row lock taken by the conditional update: a concurrent
// rotation of the same jti waits, re-checks revoked and affects zero rows.
func (s tokenStore) Rotate(ctx context.Context, jti string, next *auth.RefreshToken, at time.Time) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update refresh_tokens set revoked = true, revoked_at = $2, replaced_by = $3
			where jti = $1 and revoked = false
		`, jti, at, next.JTI)
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

func (s tokenStore) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]auth.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+tokenColumns+` from refresh_tokens
		where user_id = $1 and revoked = false and expires_at > $2
		order by created_at desc
	`, userID, now)
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
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}
