package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lucidstream/viewsync/internal/config"
)

// NewPool creates a pgx connection pool from database configuration and
// verifies connectivity.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
		cfg.MaxConnections, cfg.MinConnections,
	)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// schemaDDL is the logical CVR schema, keyed by client group ID throughout.
// cvr_rows_version is the durable row frontier: it trails cvr_instances
// whenever deferred row batches are in flight and never out-runs unflushed
// row data. Version columns carry the "C" collation so SQL tuple
// comparisons order byte-lexicographically, matching the in-process
// version comparison regardless of the database's default collation.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS cvr_instances (
	client_group_id  TEXT PRIMARY KEY,
	state_version    TEXT COLLATE "C" NOT NULL,
	minor_version    BIGINT NOT NULL DEFAULT 0,
	last_active      TIMESTAMPTZ NOT NULL,
	ttl_clock        BIGINT NOT NULL DEFAULT 0,
	replica_version  TEXT,
	client_schema    JSONB,
	owner            TEXT,
	granted_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS cvr_rows_version (
	client_group_id  TEXT PRIMARY KEY,
	state_version    TEXT COLLATE "C" NOT NULL,
	minor_version    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cvr_clients (
	client_group_id  TEXT NOT NULL,
	client_id        TEXT NOT NULL,
	deleted          BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (client_group_id, client_id)
);

CREATE TABLE IF NOT EXISTS cvr_queries (
	client_group_id        TEXT NOT NULL,
	query_hash             TEXT NOT NULL,
	kind                   TEXT NOT NULL,
	client_ast             JSONB,
	query_name             TEXT,
	query_args             JSONB,
	patch_state_version    TEXT COLLATE "C",
	patch_minor_version    BIGINT,
	transformation_hash    TEXT,
	transformation_version TEXT,
	deleted                BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (client_group_id, query_hash)
);

CREATE TABLE IF NOT EXISTS cvr_desires (
	client_group_id      TEXT NOT NULL,
	client_id            TEXT NOT NULL,
	query_hash           TEXT NOT NULL,
	patch_state_version  TEXT COLLATE "C" NOT NULL,
	patch_minor_version  BIGINT NOT NULL DEFAULT 0,
	ttl_ms               BIGINT NOT NULL,
	inactivated_at       BIGINT,
	deleted              BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (client_group_id, client_id, query_hash)
);

CREATE TABLE IF NOT EXISTS cvr_rows (
	client_group_id      TEXT NOT NULL,
	row_key_hash         TEXT NOT NULL,
	schema_name          TEXT NOT NULL,
	table_name           TEXT NOT NULL,
	row_key              JSONB NOT NULL,
	row_version          TEXT NOT NULL,
	patch_state_version  TEXT COLLATE "C" NOT NULL,
	patch_minor_version  BIGINT NOT NULL DEFAULT 0,
	ref_counts           JSONB,
	PRIMARY KEY (client_group_id, row_key_hash)
);

CREATE INDEX IF NOT EXISTS cvr_rows_patch_version_idx
	ON cvr_rows (client_group_id, patch_state_version, patch_minor_version, row_key_hash);
`

// Setup applies the CVR schema. Idempotent.
func Setup(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply CVR schema: %w", err)
	}
	logger.Info("CVR schema applied")
	return nil
}
