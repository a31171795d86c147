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

// PostgresChannelStore implements ChannelStore.
type PostgresChannelStore struct {
	pool *pgxpool.Pool
}

func NewPostgresChannelStore(pool *pgxpool.Pool) *PostgresChannelStore {
	return &PostgresChannelStore{pool: pool}
}

const channelColumns = `id, tenant_id, name, provider_type, base_url, credentials_enc, models, status, priority, weight, max_rpm, created_at, updated_at`

func scanChannel(row pgx.Row) (*ChannelRecord, error) {
	var c ChannelRecord
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.ProviderType, &c.BaseURL,
		&c.CredentialsEnc, &c.Models, &c.Status, &c.Priority, &c.Weight, &c.MaxRPM,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	return &c, nil
}

func (s *PostgresChannelStore) Create(ctx context.Context, c *ChannelRecord) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channels (id, tenant_id, name, provider_type, base_url, credentials_enc, models, status, priority, weight, max_rpm, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.TenantID, c.Name, c.ProviderType, c.BaseURL, c.CredentialsEnc,
		c.Models, c.Status, c.Priority, c.Weight, c.MaxRPM, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

func (s *PostgresChannelStore) Update(ctx context.Context, c *ChannelRecord) error {
	c.UpdatedAt = time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels SET name = $3, base_url = $4, credentials_enc = $5, models = $6,
			status = $7, priority = $8, weight = $9, max_rpm = $10, updated_at = $11
		WHERE tenant_id = $1 AND id = $2`,
		c.TenantID, c.ID, c.Name, c.BaseURL, c.CredentialsEnc, c.Models,
		c.Status, c.Priority, c.Weight, c.MaxRPM, c.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresChannelStore) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM channels WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresChannelStore) GetByID(ctx context.Context, tenantID, id string) (*ChannelRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanChannel(row)
}

func (s *PostgresChannelStore) ListByTenant(ctx context.Context, tenantID string) ([]*ChannelRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	return collectChannels(rows)
}

func (s *PostgresChannelStore) ListAll(ctx context.Context) ([]*ChannelRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("list all channels: %w", err)
	}
	defer rows.Close()
	return collectChannels(rows)
}

func collectChannels(rows pgx.Rows) ([]*ChannelRecord, error) {
	var out []*ChannelRecord
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
