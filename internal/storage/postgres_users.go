package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresUserStore implements UserStore.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

const userColumns = `id, tenant_id, email, password_hash, status, email_verified, mfa_enabled, locked_until, last_login, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Status,
		&u.EmailVerified, &u.MFAEnabled, &u.LockedUntil, &u.LastLogin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *PostgresUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, tenant_id, email, password_hash, status, email_verified, mfa_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.TenantID, u.Email, u.PasswordHash, u.Status, u.EmailVerified, u.MFAEnabled, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenantID, id)
	return scanUser(row)
}

func (s *PostgresUserStore) GetByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND lower(email) = lower($2) AND deleted_at IS NULL`,
		tenantID, email)
	return scanUser(row)
}

func (s *PostgresUserStore) UpdatePassword(ctx context.Context, tenantID string, id uuid.UUID, hash string) error {
	return s.exec(ctx, `UPDATE users SET password_hash = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, hash)
}

func (s *PostgresUserStore) SetLockout(ctx context.Context, tenantID string, id uuid.UUID, until time.Time) error {
	return s.exec(ctx, `UPDATE users SET locked_until = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, until)
}

func (s *PostgresUserStore) ClearLockout(ctx context.Context, tenantID string, id uuid.UUID) error {
	return s.exec(ctx, `UPDATE users SET locked_until = NULL WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (s *PostgresUserStore) SetLastLogin(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error {
	return s.exec(ctx, `UPDATE users SET last_login = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, at)
}

func (s *PostgresUserStore) SetMFAEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool) error {
	return s.exec(ctx, `UPDATE users SET mfa_enabled = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, enabled)
}

func (s *PostgresUserStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
