package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modelgate/modelgate/internal/tenant"
)

// PostgresTenantStore implements TenantStore.
type PostgresTenantStore struct {
	pool *pgxpool.Pool
}

func NewPostgresTenantStore(pool *pgxpool.Pool) *PostgresTenantStore {
	return &PostgresTenantStore{pool: pool}
}

func (s *PostgresTenantStore) GetByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, status, settings, created_at FROM tenants WHERE id = $1 AND deleted_at IS NULL`,
		id).Scan(&t.ID, &t.Name, &t.Status, &t.Settings, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}
