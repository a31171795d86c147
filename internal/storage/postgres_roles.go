package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRoleStore implements RoleStore.
type PostgresRoleStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRoleStore(pool *pgxpool.Pool) *PostgresRoleStore {
	return &PostgresRoleStore{pool: pool}
}

const roleColumns = `id, tenant_id, name, display_name, permissions, is_system, created_at`

func scanRole(row pgx.Row) (*Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.DisplayName, &r.Permissions, &r.IsSystem, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan role: %w", err)
	}
	return &r, nil
}

func (s *PostgresRoleStore) Create(ctx context.Context, r *Role) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO roles (id, tenant_id, name, display_name, permissions, is_system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TenantID, r.Name, r.DisplayName, r.Permissions, r.IsSystem, r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func (s *PostgresRoleStore) Update(ctx context.Context, r *Role) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE roles SET display_name = $3, permissions = $4
		WHERE tenant_id = $1 AND id = $2`,
		r.TenantID, r.ID, r.DisplayName, r.Permissions)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the role and its assignments in one transaction.
func (s *PostgresRoleStore) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE role_id = $1`, id); err != nil {
		return fmt.Errorf("cascade assignments: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *PostgresRoleStore) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Role, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanRole(row)
}

func (s *PostgresRoleStore) GetByName(ctx context.Context, tenantID, name string) (*Role, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	return scanRole(row)
}

func (s *PostgresRoleStore) ListByTenant(ctx context.Context, tenantID string) ([]*Role, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()
	return collectRoles(rows)
}

func (s *PostgresRoleStore) Assign(ctx context.Context, tenantID string, a *RoleAssignment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, role_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		a.UserID, a.RoleID, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

func (s *PostgresRoleStore) Unassign(ctx context.Context, tenantID string, userID, roleID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return fmt.Errorf("unassign role: %w", err)
	}
	return nil
}

func (s *PostgresRoleStore) ListForUser(ctx context.Context, tenantID string, userID uuid.UUID) ([]*Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.tenant_id, r.name, r.display_name, r.permissions, r.is_system, r.created_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE r.tenant_id = $1 AND ur.user_id = $2
		  AND (ur.expires_at IS NULL OR ur.expires_at > now())`,
		tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	defer rows.Close()
	return collectRoles(rows)
}

func collectRoles(rows pgx.Rows) ([]*Role, error) {
	var out []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
