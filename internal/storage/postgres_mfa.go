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

// PostgresMFAStore implements MFAStore.
type PostgresMFAStore struct {
	pool *pgxpool.Pool
}

func NewPostgresMFAStore(pool *pgxpool.Pool) *PostgresMFAStore {
	return &PostgresMFAStore{pool: pool}
}

func (s *PostgresMFAStore) UpsertEnrollment(ctx context.Context, e *MFAEnrollment) error {
	e.CreatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mfa_enrollments (tenant_id, user_id, method, secret, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, user_id, method)
		DO UPDATE SET secret = EXCLUDED.secret, verified = EXCLUDED.verified`,
		e.TenantID, e.UserID, e.Method, e.Secret, e.Verified, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert enrollment: %w", err)
	}
	return nil
}

func (s *PostgresMFAStore) GetEnrollment(ctx context.Context, tenantID string, userID uuid.UUID, method string) (*MFAEnrollment, error) {
	var e MFAEnrollment
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, user_id, method, secret, verified, created_at
		FROM mfa_enrollments WHERE tenant_id = $1 AND user_id = $2 AND method = $3`,
		tenantID, userID, method).
		Scan(&e.TenantID, &e.UserID, &e.Method, &e.Secret, &e.Verified, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return &e, nil
}

func (s *PostgresMFAStore) ListEnrollments(ctx context.Context, tenantID string, userID uuid.UUID) ([]*MFAEnrollment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, user_id, method, secret, verified, created_at
		FROM mfa_enrollments WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var out []*MFAEnrollment
	for rows.Next() {
		var e MFAEnrollment
		if err := rows.Scan(&e.TenantID, &e.UserID, &e.Method, &e.Secret, &e.Verified, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresMFAStore) DeleteEnrollments(ctx context.Context, tenantID string, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM mfa_enrollments WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	if err != nil {
		return fmt.Errorf("delete enrollments: %w", err)
	}
	return nil
}

// ReplaceBackupCodes swaps the entire code set atomically. All previous
// codes become invalid whether used or not.
func (s *PostgresMFAStore) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, hashes []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear backup codes: %w", err)
	}
	for _, h := range hashes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO backup_codes (id, user_id, code_hash, used) VALUES ($1, $2, $3, false)`,
			uuid.New(), userID, h); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresMFAStore) ListBackupCodes(ctx context.Context, userID uuid.UUID) ([]*BackupCode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, code_hash, used FROM backup_codes WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list backup codes: %w", err)
	}
	defer rows.Close()

	var out []*BackupCode
	for rows.Next() {
		var c BackupCode
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Used); err != nil {
			return nil, fmt.Errorf("scan backup code: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ConsumeBackupCode flips exactly one unused entry to used. Returns
// ErrNotFound if the code was already consumed (guards the race of two
// concurrent verifications of the same code).
func (s *PostgresMFAStore) ConsumeBackupCode(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backup_codes SET used = true WHERE id = $1 AND used = false`, id)
	if err != nil {
		return fmt.Errorf("consume backup code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
