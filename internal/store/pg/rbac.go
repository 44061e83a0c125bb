package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"parcela.org/internal/authz"
	"parcela.org/internal/errs"
	"parcela.org/internal/roles"
)

const roleColumns = `
	r.id, r.name, r.description, r.is_system, r.is_active, r.bypass_all_checks,
	r.created_at, r.updated_at,
	(select count(*) from actors a where a.role_id = r.id)`

func (s *Store) CreateRole(ctx context.Context, role roles.Role, permissionIDs []string) (roles.Role, error) {
	var created roles.Role
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into roles (id, name, description, is_system, is_active, bypass_all_checks, created_at, updated_at)
			values ($1, $2, $3, false, $4, $5, $6, $6)
		`, role.ID, role.Name, nullIfEmpty(role.Description), role.IsActive, role.BypassAllChecks, role.CreatedAt)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return fmt.Errorf("%w: role %q already exists", errs.ErrConflict, role.Name)
			}
			return err
		}
		if err := insertRolePermissions(ctx, tx, role.ID, permissionIDs); err != nil {
			return err
		}
		created, err = loadRole(ctx, tx, role.ID)
		return err
	})
	if err != nil {
		return roles.Role{}, err
	}
	return created, nil
}

// UpdateRole rewrites scalar fields, then deletes and recreates the
// permission assignments in the same transaction.
func (s *Store) UpdateRole(ctx context.Context, role roles.Role, permissionIDs []string) (roles.Role, error) {
	var updated roles.Role
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update roles
			set name = $2, description = $3, is_active = $4, bypass_all_checks = $5, updated_at = $6
			where id = $1
		`, role.ID, role.Name, nullIfEmpty(role.Description), role.IsActive, role.BypassAllChecks, role.UpdatedAt)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return fmt.Errorf("%w: role %q already exists", errs.ErrConflict, role.Name)
			}
			return err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 0 {
			return errs.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, role.ID); err != nil {
			return err
		}
		if err := insertRolePermissions(ctx, tx, role.ID, permissionIDs); err != nil {
			return err
		}
		updated, err = loadRole(ctx, tx, role.ID)
		return err
	})
	if err != nil {
		return roles.Role{}, err
	}
	return updated, nil
}

func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	return s.runTx(ctx, func(tx *sql.Tx) error {
		var holders int
		if err := tx.QueryRowContext(ctx, `select count(*) from actors where role_id = $1`, roleID).Scan(&holders); err != nil {
			return err
		}
		if holders > 0 {
			return fmt.Errorf("%w: role is assigned to %d actor(s)", errs.ErrConflict, holders)
		}
		res, err := tx.ExecContext(ctx, `delete from roles where id = $1`, roleID)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: role is still referenced", errs.ErrConflict)
			}
			return err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 0 {
			return errs.ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetRole(ctx context.Context, roleID string) (roles.Role, error) {
	if s.db == nil {
		return roles.Role{}, errors.New(errDatabaseUnavailableText)
	}
	return loadRole(ctx, s.db, roleID)
}

func (s *Store) ListRoles(ctx context.Context) ([]roles.Role, error) {
	if s.db == nil {
		return nil, errors.New(errDatabaseUnavailableText)
	}
	rows, err := s.db.QueryContext(ctx, `select`+roleColumns+`
		from roles r
		order by r.is_system desc, r.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		result []roles.Role
		index  = map[string]int{}
	)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		index[role.ID] = len(result)
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	permRows, err := s.db.QueryContext(ctx, `
		select rp.role_id, p.id, p.module, p.action, p.description
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		order by p.module, p.action
	`)
	if err != nil {
		return nil, err
	}
	defer permRows.Close()
	for permRows.Next() {
		var roleID string
		perm, err := scanPermission(permRows, &roleID)
		if err != nil {
			return nil, err
		}
		if i, ok := index[roleID]; ok {
			result[i].Permissions = append(result[i].Permissions, perm)
		}
	}
	if err := permRows.Err(); err != nil {
		return nil, err
	}
	for i := range result {
		if result[i].Permissions == nil {
			result[i].Permissions = []authz.Permission{}
		}
	}
	return result, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]authz.Permission, error) {
	if s.db == nil {
		return nil, errors.New(errDatabaseUnavailableText)
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, module, action, description
		from permissions
		order by module, action
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []authz.Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *Store) Stats(ctx context.Context) (roles.Stats, error) {
	if s.db == nil {
		return roles.Stats{}, errors.New(errDatabaseUnavailableText)
	}
	var st roles.Stats
	err := s.db.QueryRowContext(ctx, `
		select
			(select count(*) from roles),
			(select count(*) from roles where is_active),
			(select count(*) from roles where is_system),
			(select count(*) from actors),
			(select count(*) from permissions)
	`).Scan(&st.TotalRoles, &st.ActiveRoles, &st.SystemRoles, &st.TotalActors, &st.TotalPermissions)
	if err != nil {
		return roles.Stats{}, err
	}
	st.InactiveRoles = st.TotalRoles - st.ActiveRoles
	return st, nil
}

func (s *Store) AssignActorRole(ctx context.Context, actorID, roleID string) error {
	return s.runTx(ctx, func(tx *sql.Tx) error {
		var (
			name   string
			active bool
		)
		err := tx.QueryRowContext(ctx, `select name, is_active from roles where id = $1`, roleID).Scan(&name, &active)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: role %s", errs.ErrNotFound, roleID)
		}
		if err != nil {
			return err
		}
		if !active {
			return fmt.Errorf("%w: role %q is inactive", errs.ErrConflict, name)
		}
		res, err := tx.ExecContext(ctx, `update actors set role_id = $2 where id = $1`, actorID, roleID)
		if err != nil {
			return err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 0 {
			return fmt.Errorf("%w: actor %s", errs.ErrNotFound, actorID)
		}
		return nil
	})
}

// LoadPrincipal resolves an actor, its role and the role's pairs.
func (s *Store) LoadPrincipal(ctx context.Context, actorID string) (authz.Principal, error) {
	if s.db == nil {
		return authz.Principal{}, errors.New(errDatabaseUnavailableText)
	}
	var subj authz.Subject
	err := s.db.QueryRowContext(ctx, `
		select a.id, a.is_active, r.id, r.name, r.is_system, r.bypass_all_checks
		from actors a
		join roles r on r.id = a.role_id
		where a.id = $1
	`, actorID).Scan(&subj.ActorID, &subj.Active, &subj.RoleID, &subj.RoleName, &subj.RoleSystem, &subj.Bypass)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Principal{}, errs.ErrNotFound
	}
	if err != nil {
		return authz.Principal{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select p.module, p.action
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
	`, subj.RoleID)
	if err != nil {
		return authz.Principal{}, err
	}
	defer rows.Close()

	var pairs []authz.Pair
	for rows.Next() {
		var p authz.Pair
		if err := rows.Scan(&p.Module, &p.Action); err != nil {
			return authz.Principal{}, err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return authz.Principal{}, err
	}
	return authz.NewPrincipal(subj, pairs), nil
}

func insertRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, permissionIDs []string) error {
	for _, permID := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
		`, roleID, permID); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: unknown permission %s", errs.ErrInvalidInput, permID)
			}
			return err
		}
	}
	return nil
}

func loadRole(ctx context.Context, q queryer, roleID string) (roles.Role, error) {
	role, err := scanRole(q.QueryRowContext(ctx, `select`+roleColumns+`
		from roles r
		where r.id = $1
	`, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return roles.Role{}, errs.ErrNotFound
	}
	if err != nil {
		return roles.Role{}, err
	}

	rows, err := q.QueryContext(ctx, `
		select p.id, p.module, p.action, p.description
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.module, p.action
	`, roleID)
	if err != nil {
		return roles.Role{}, err
	}
	defer rows.Close()
	role.Permissions = []authz.Permission{}
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return roles.Role{}, err
		}
		role.Permissions = append(role.Permissions, perm)
	}
	if err := rows.Err(); err != nil {
		return roles.Role{}, err
	}
	return role, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRole(row scanner) (roles.Role, error) {
	var (
		role roles.Role
		desc sql.NullString
	)
	if err := row.Scan(&role.ID, &role.Name, &desc, &role.IsSystem, &role.IsActive, &role.BypassAllChecks,
		&role.CreatedAt, &role.UpdatedAt, &role.ActorCount); err != nil {
		return roles.Role{}, err
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return role, nil
}

// scanPermission reads (id, module, action, description), preceded by any
// extra leading columns.
func scanPermission(row scanner, leading ...any) (authz.Permission, error) {
	var (
		perm authz.Permission
		desc sql.NullString
	)
	dest := append(leading, &perm.ID, &perm.Module, &perm.Action, &desc)
	if err := row.Scan(dest...); err != nil {
		return authz.Permission{}, err
	}
	if desc.Valid {
		perm.Description = desc.String
	}
	return perm, nil
}
