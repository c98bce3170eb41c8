package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KevinKickass/OpenFillCore/internal/config"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS pour_records (
	id              UUID PRIMARY KEY,
	completed_at    TIMESTAMPTZ NOT NULL,
	batch           TEXT NOT NULL DEFAULT '',
	flavour         TEXT NOT NULL,
	desired_volume  DOUBLE PRECISION NOT NULL,
	mould_tare      DOUBLE PRECISION NOT NULL,
	left_pour       DOUBLE PRECISION NOT NULL,
	left_fill_ms    BIGINT NOT NULL,
	right_pour      DOUBLE PRECISION NOT NULL,
	right_fill_ms   BIGINT NOT NULL,
	fast_speed      DOUBLE PRECISION NOT NULL,
	slow_speed      DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS pour_records_completed_at ON pour_records (completed_at DESC);

CREATE TABLE IF NOT EXISTS auth_events (
	id          BIGSERIAL PRIMARY KEY,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	event_type  TEXT NOT NULL,
	role        TEXT NOT NULL DEFAULT '',
	ip_address  TEXT NOT NULL DEFAULT '',
	success     BOOLEAN NOT NULL,
	reason      TEXT NOT NULL DEFAULT ''
);
`

// EnsureSchema creates the tables if they do not exist yet.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}
