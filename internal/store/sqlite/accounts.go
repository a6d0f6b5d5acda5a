package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
)

type orgStore struct{ s *Store }

func (o orgStore) Register(ctx context.Context, org *auth.Organization, owner *auth.User, roleName string) error {
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

	err := o.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO organizations (id, name, email, owner_id, created_at, updated_at)
			VALUES (?, ?, ?, NULL, ?, ?)`,
			orgID, org.Name, nullIfEmpty(org.Email), formatTime(org.CreatedAt), formatTime(org.CreatedAt)); err != nil {
			return classify(err)
		}
		if err := insertUser(ctx, tx, ownerID, orgID, owner); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE organizations SET owner_id = ?, updated_at = ? WHERE id = ?`,
			ownerID, formatTime(org.CreatedAt), orgID); err != nil {
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

func (o orgStore) Find(ctx context.Context, id string) (*auth.Organization, error) {
	var (
		org                  auth.Organization
		email, owner         sql.NullString
		createdAt, updatedAt string
	)
	err := o.s.db.QueryRowContext(ctx,
		`SELECT id, name, email, owner_id, created_at, updated_at FROM organizations WHERE id = ?`, id).
		Scan(&org.ID, &org.Name, &email, &owner, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	org.Email, org.OwnerID = email.String, owner.String
	if org.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, classify(err)
	}
	if org.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, classify(err)
	}
	return &org, nil
}

func (o orgStore) EmailTaken(ctx context.Context, email string) (bool, error) {
	var n int
	err := o.s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM organizations WHERE lower(email) = lower(?)`, email).Scan(&n)
	return n > 0, classify(err)
}

type userStore struct{ s *Store }

const userColumns = `id, organization_id, login, email, password_hash, is_active, is_blocked, is_deleted, created_at, updated_at`

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u                        auth.User
		email                    sql.NullString
		active, blocked, deleted int
		createdAt, updatedAt     string
	)
	if err := row.Scan(&u.ID, &u.OrganizationID, &u.Login, &email, &u.PasswordHash,
		&active, &blocked, &deleted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.Email = email.String
	u.IsActive, u.IsBlocked, u.IsDeleted = active != 0, blocked != 0, deleted != 0
	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func insertUser(ctx context.Context, tx *sql.Tx, id, orgID string, u *auth.User) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, orgID, u.Login, nullIfEmpty(u.Email), u.PasswordHash,
		boolInt(u.IsActive), boolInt(u.IsBlocked), boolInt(u.IsDeleted),
		formatTime(u.CreatedAt), formatTime(u.CreatedAt))
	return classify(err)
}

func assignRole(ctx context.Context, tx *sql.Tx, userID, roleName string) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO user_roles (user_id, role_id) SELECT ?, id FROM roles WHERE name = ?`,
		userID, roleName)
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

func (us userStore) Create(ctx context.Context, u *auth.User, roleName string) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = u.CreatedAt
	id := ids.New()
	err := us.s.withTx(ctx, func(tx *sql.Tx) error {
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

func (us userStore) one(ctx context.Context, query string, args ...any) (*auth.User, error) {
	u, err := scanUser(us.s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

func (us userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return us.one(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (us userStore) FindByLogin(ctx context.Context, login string) (*auth.User, error) {
	rows, err := us.s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE lower(login) = lower(?1) OR lower(email) = lower(?1)
		ORDER BY (lower(login) = lower(?1)) DESC, id
		LIMIT 2`, login)
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

func (us userStore) FindInOrg(ctx context.Context, orgID, login string) (*auth.User, error) {
	return us.one(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE organization_id = ? AND lower(login) = lower(?)`, orgID, login)
}

func (us userStore) ListByOrg(ctx context.Context, orgID string) ([]*auth.User, error) {
	rows, err := us.s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE organization_id = ? AND is_active = 1 AND is_deleted = 0
		ORDER BY login`, orgID)
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

func (us userStore) EmailTaken(ctx context.Context, email string) (bool, error) {
	var n int
	err := us.s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE lower(email) = lower(?)`, email).Scan(&n)
	return n > 0, classify(err)
}

func (us userStore) UpdateStatus(ctx context.Context, u *auth.User) error {
	res, err := us.s.db.ExecContext(ctx, `
		UPDATE users SET is_active = ?, is_blocked = ?, is_deleted = ?, updated_at = ?
		WHERE id = ?`,
		boolInt(u.IsActive), boolInt(u.IsBlocked), boolInt(u.IsDeleted), formatTime(u.UpdatedAt), u.ID)
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

type roleStore struct{ s *Store }

func (rs roleStore) list(ctx context.Context, query string, args ...any) ([]auth.Role, error) {
	rows, err := rs.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	roles := []auth.Role{}
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Rank, &r.Description); err != nil {
			return nil, classify(err)
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return roles, nil
}

func (rs roleStore) List(ctx context.Context) ([]auth.Role, error) {
	return rs.list(ctx, `SELECT id, name, rank, description FROM roles ORDER BY rank, name`)
}

func (rs roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	var r auth.Role
	err := rs.s.db.QueryRowContext(ctx,
		`SELECT id, name, rank, description FROM roles WHERE name = ?`, name).
		Scan(&r.ID, &r.Name, &r.Rank, &r.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &r, nil
}

func (rs roleStore) ForUser(ctx context.Context, userID string) ([]auth.Role, error) {
	return rs.list(ctx, `
		SELECT r.id, r.name, r.rank, r.description
		FROM user_roles ur JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = ?
		ORDER BY r.rank, r.name`, userID)
}

type permStore struct{ s *Store }

func (ps permStore) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := ps.s.db.QueryContext(ctx, `SELECT id, code, description FROM permissions ORDER BY code`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Description); err != nil {
			return nil, classify(err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return perms, nil
}

func (ps permStore) Grants(ctx context.Context) ([]auth.RoleGrant, error) {
	rows, err := ps.s.db.QueryContext(ctx, `
		SELECT r.name, COALESCE(p.code, '')
		FROM roles r
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		ORDER BY r.name, p.code`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var grants []auth.RoleGrant
	for rows.Next() {
		var g auth.RoleGrant
		if err := rows.Scan(&g.RoleName, &g.PermissionCode); err != nil {
			return nil, classify(err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return grants, nil
}
