// Package sqlite is a single-file auth.Store for development and small
// deployments, backed by the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"tenantgate.org/internal/auth"
)

// Store implements auth.Store. All access goes through one connection, so
// writers are serialized by the pool rather than by SQLite locking.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		owner_id TEXT REFERENCES users(id),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		login TEXT NOT NULL,
		email TEXT,
		password_hash TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		is_blocked INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_login_key ON users (lower(login))`,
	`CREATE INDEX IF NOT EXISTS users_email_idx ON users (lower(email))`,
	`CREATE TABLE IF NOT EXISTS roles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		rank INTEGER NOT NULL DEFAULT 100,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS permissions (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS role_permissions (
		role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		permission_id TEXT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		PRIMARY KEY (role_id, permission_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id TEXT NOT NULL REFERENCES users(id),
		role_id TEXT NOT NULL REFERENCES roles(id),
		PRIMARY KEY (user_id, role_id)
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		jti TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		session_id TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		revoked_at TEXT,
		replaced_by TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS refresh_tokens_user_idx ON refresh_tokens (user_id, revoked)`,
	`CREATE INDEX IF NOT EXISTS refresh_tokens_session_idx ON refresh_tokens (session_id)`,
}

// Open opens (or creates) the database at path, applies the schema and seeds
// the built-in roles and permissions. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range schema {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return seedBuiltins(ctx, tx)
	})
}

func seedBuiltins(ctx context.Context, tx *sql.Tx) error {
	for _, r := range auth.BuiltinRoles {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO roles (id, name, rank, description) VALUES (?, ?, ?, ?)`,
			r.ID, r.Name, r.Rank, r.Description); err != nil {
			return fmt.Errorf("seed role %s: %w", r.Name, err)
		}
	}
	for _, p := range auth.BuiltinPermissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO permissions (id, code, description) VALUES (?, ?, ?)`,
			p.ID, p.Code, p.Description); err != nil {
			return fmt.Errorf("seed permission %s: %w", p.Code, err)
		}
	}
	for _, g := range auth.BuiltinGrants {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO role_permissions (role_id, permission_id)
			SELECT r.id, p.id FROM roles r, permissions p WHERE r.name = ? AND p.code = ?`,
			g.RoleName, g.PermissionCode); err != nil {
			return fmt.Errorf("seed grant %s/%s: %w", g.RoleName, g.PermissionCode, err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) Organizations(context.Context) auth.OrganizationStore { return orgStore{s} }
func (s *Store) Users(context.Context) auth.UserStore                 { return userStore{s} }
func (s *Store) Roles(context.Context) auth.RoleStore                 { return roleStore{s} }
func (s *Store) Permissions(context.Context) auth.PermissionStore     { return permStore{s} }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return tokenStore{s} }

// AddGrant links an existing role and permission. Used to extend the catalog
// beyond the built-in seed.
func (s *Store) AddGrant(ctx context.Context, roleName, permCode string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO role_permissions (role_id, permission_id)
		SELECT r.id, p.id FROM roles r, permissions p WHERE r.name = ? AND p.code = ?`,
		roleName, permCode)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM roles WHERE name = ?) AND EXISTS(SELECT 1 FROM permissions WHERE code = ?)`,
			roleName, permCode).Scan(&exists)
		if err != nil {
			return classify(err)
		}
		if !exists {
			return auth.ErrNotFound
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return classify(tx.Commit())
}

// Constraint errors reach API callers, so they carry no driver text.
var (
	errDuplicate        = fmt.Errorf("%w: duplicate value", auth.ErrAlreadyExists)
	errMissingReference = fmt.Errorf("%w: referenced record missing", auth.ErrNotFound)
)

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return errDuplicate
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return errMissingReference
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN:
			return fmt.Errorf("%w: %w", auth.ErrPersistenceUnavailable, err)
		case sqlite3.SQLITE_CONSTRAINT:
			// primary code only; fall back to the message
			msg := se.Error()
			switch {
			case strings.Contains(msg, "UNIQUE constraint failed"):
				return errDuplicate
			case strings.Contains(msg, "FOREIGN KEY constraint failed"):
				return errMissingReference
			}
		}
		return fmt.Errorf("%w: %w", auth.ErrPersistence, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", auth.ErrPersistenceUnavailable, err)
	}
	return fmt.Errorf("%w: %w", auth.ErrPersistence, err)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}
