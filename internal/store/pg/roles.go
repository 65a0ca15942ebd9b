package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"brightdesk.io/crm/internal/auth"
)

func encodePermissions(perms []auth.Permission) ([]byte, error) {
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, string(p))
	}
	return json.Marshal(keys)
}

// decodePermissions drops keys that are no longer part of the closed set.
func decodePermissions(raw []byte) ([]auth.Permission, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode role permissions: %w", err)
	}
	perms := make([]auth.Permission, 0, len(keys))
	for _, k := range keys {
		if p := auth.Permission(k); p.Valid() {
			perms = append(perms, p)
		}
	}
	return perms, nil
}

func scanRole(row rowScanner) (auth.Role, error) {
	var (
		r   auth.Role
		raw []byte
	)
	err := row.Scan(&r.ID, &r.Name, &raw, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Role{}, err
	}
	if r.Permissions, err = decodePermissions(raw); err != nil {
		return auth.Role{}, err
	}
	return r, nil
}

func (s *Store) CreateRole(ctx context.Context, role *auth.Role) error {
	raw, err := encodePermissions(role.Permissions)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		insert into roles(id, name, permissions, created_at, updated_at)
		values ($1,$2,$3::jsonb,now(),now())
		returning created_at, updated_at
	`, role.ID, role.Name, string(raw)).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return mapWriteError(err, auth.ErrConflict, auth.ErrNotFound)
	}
	return nil
}

func (s *Store) RoleByID(ctx context.Context, id string) (auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `
		select id, name, permissions, created_at, updated_at from roles where id=$1
	`, id))
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, permissions, created_at, updated_at from roles order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, perms []auth.Permission) error {
	raw, err := encodePermissions(perms)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update roles set permissions=$2::jsonb, updated_at=now() where id=$1
	`, roleID, string(raw))
	if err != nil {
		return err
	}
	return expectAffected(res, auth.ErrNotFound)
}
