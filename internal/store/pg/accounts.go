package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
)

type orgStore struct{ db *sql.DB }

// Register creates the organization without an owner, inserts the owner, then
// links them and assigns roleName, all in one transaction.
func (s orgStore) Register(ctx context.Context, org *auth.Organization, owner *auth.User, roleName string) error {
	now := time.Now().UTC()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = now
	}
	org.UpdatedAt = org.CreatedAt
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = now
	}
	owner.UpdatedAt = owner.CreatedAt
	orgID, ownerID := ids.New(), ids.New()

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into organizations (id, name, email, owner_id, created_at, updated_at)
			values ($1, $2, $3, null, $4, $4)
		`, orgID, org.Name, nullIfEmpty(org.Email), org.CreatedAt); err != nil {
			return classify(err)
		}
		if err := insertUser(ctx, tx, ownerID, orgID, owner); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update organizations set owner_id = $2, updated_at = $3 where id = $1
		`, orgID, ownerID, org.CreatedAt); err != nil {
			return classify(err)
		}
		return assignRole(ctx, tx, ownerID, roleName)
	})
	if err != nil {
		return err
	}
	org.ID, org.OwnerID = orgID, ownerID
	owner.ID, owner.OrganizationID = ownerID, orgID
	return nil
}

func (s orgStore) Find(ctx context.Context, id string) (*auth.Organization, error) {
	var (
		org          auth.Organization
		email, owner sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, email, owner_id, created_at, updated_at
		from organizations
		where id = $1
	`, id).Scan(&org.ID, &org.Name, &email, &owner, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	org.Email, org.OwnerID = email.String, owner.String
	return &org, nil
}

func (s orgStore) EmailTaken(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from organizations where lower(email) = lower($1))
	`, email).Scan(&exists)
	return exists, classify(err)
}

type userStore struct{ db *sql.DB }

const userColumns = `id, organization_id, login, email, password_hash, is_active, is_blocked, is_deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u     auth.User
		email sql.NullString
	)
	if err := row.Scan(&u.ID, &u.OrganizationID, &u.Login, &email, &u.PasswordHash,
		&u.IsActive, &u.IsBlocked, &u.IsDeleted, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Email = email.String
	return &u, nil
}

func insertUser(ctx context.Context, tx *sql.Tx, id, orgID string, u *auth.User) error {
	_, err := tx.ExecContext(ctx, `
		insert into users (id, organization_id, login, email, password_hash, is_active, is_blocked, is_deleted, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, id, orgID, u.Login, nullIfEmpty(u.Email), u.PasswordHash, u.IsActive, u.IsBlocked, u.IsDeleted, u.CreatedAt)
	return classify(err)
}

func assignRole(ctx context.Context, tx *sql.Tx, userID, roleName string) error {
	res, err := tx.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		select $1, id from roles where name = $2
	`, userID, roleName)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: role %s", auth.ErrNotFound, roleName)
	}
	return nil
}

func (s userStore) Create(ctx context.Context, u *auth.User, roleName string) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = u.CreatedAt
	id := ids.New()
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := insertUser(ctx, tx, id, u.OrganizationID, u); err != nil {
			return err
		}
		return assignRole(ctx, tx, id, roleName)
	})
	if err != nil {
		return err
	}
	u.ID = id
	return nil
}

func (s userStore) one(ctx context.Context, query string, args ...any) (*auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

func (s userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return s.one(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (s userStore) FindByLogin(ctx context.Context, login string) (*auth.User, error) {
	// A login match sorts first; two rows are enough to detect a shared email.
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+` from users
		where lower(login) = lower($1) or lower(email) = lower($1)
		order by (lower(login) = lower($1)) desc, id
		limit 2
	`, login)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var candidates []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify(err)
		}
		candidates = append(candidates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return auth.ResolveLogin(login, candidates)
}

func (s userStore) FindInOrg(ctx context.Context, orgID, login string) (*auth.User, error) {
	return s.one(ctx, `
		select `+userColumns+` from users
		where organization_id = $1 and lower(login) = lower($2)
	`, orgID, login)
}

func (s userStore) ListByOrg(ctx context.Context, orgID string) ([]*auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+` from users
		where organization_id = $1 and is_active and not is_deleted
		order by login
	`, orgID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var users []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify(err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return users, nil
}

func (s userStore) EmailTaken(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from users where lower(email) = lower($1))
	`, email).Scan(&exists)
	return exists, classify(err)
}

func (s userStore) UpdateStatus(ctx context.Context, u *auth.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users set is_active = $2, is_blocked = $3, is_deleted = $4, updated_at = $5
		where id = $1
	`, u.ID, u.IsActive, u.IsBlocked, u.IsDeleted, u.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
