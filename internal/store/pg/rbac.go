package pg

import (
	"context"
	"database/sql"
	"errors"

	"tenantgate.org/internal/auth"
)

type roleStore struct{ db *sql.DB }

func (s roleStore) list(ctx context.Context, query string, args ...any) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s roleStore) List(ctx context.Context) ([]auth.Role, error) {
	return s.list(ctx, `
		select id, name, rank, description
		from roles
		order by rank, name
	`)
}

func (s roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	var r auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, rank, description
		from roles
		where name = $1
	`, name).Scan(&r.ID, &r.Name, &r.Rank, &r.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &r, nil
}

func (s roleStore) ForUser(ctx context.Context, userID string) ([]auth.Role, error) {
	return s.list(ctx, `
		select r.id, r.name, r.rank, r.description
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.rank, r.name
	`, userID)
}

type permStore struct{ db *sql.DB }

func (s permStore) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, code, description
		from permissions
		order by code
	`)
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

// Grants flattens the role to permission graph with one join.
func (s permStore) Grants(ctx context.Context) ([]auth.RoleGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.name, coalesce(p.code, '')
		from roles r
		left join role_permissions rp on rp.role_id = r.id
		left join permissions p on p.id = rp.permission_id
		order by r.name, p.code
	`)
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
