package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/quota-engine/pkg/database"
	"github.com/jackc/pgx/v5"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS quota_kv (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		expires_at TIMESTAMPTZ NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_quota_kv_expires_at ON quota_kv (expires_at) WHERE expires_at IS NOT NULL;
`

// PostgresStore keeps records in a single PostgreSQL table.
// Expired rows read as absent and are removed by PruneExpired.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore wraps db and makes sure the table exists.
func NewPostgresStore(ctx context.Context, db *database.Database) (*PostgresStore, error) {
	if _, err := db.Pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to create quota_kv schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.Pool.QueryRow(ctx, `
		SELECT value
		FROM quota_kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return value, nil
}

func (p *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO quota_kv (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres put %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.db.Pool.Exec(ctx, `DELETE FROM quota_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

// PruneExpired deletes rows whose expiry has passed.
func (p *PostgresStore) PruneExpired(ctx context.Context) (int64, error) {
	tag, err := p.db.Pool.Exec(ctx, `
		DELETE FROM quota_kv
		WHERE expires_at IS NOT NULL AND expires_at <= NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("postgres prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) Health(ctx context.Context) error {
	return p.db.Health(ctx)
}

func (p *PostgresStore) Close() error {
	p.db.Close()
	return nil
}
