// Package storage is the relational MetadataStore: upload sessions, file
// chunks, clips, and aggregated statistics, backed by Postgres via pgx.
package storage

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a pgx connection pool with the operations MetadataStore
// exposes to the rest of the service.
type DB struct {
	Pool *pgxpool.Pool
}

// Open connects to Postgres at dsn, configures the pool, and verifies
// connectivity with a ping before returning.
func Open(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DATABASE_URL: %w", err)
	}

	cfg.MaxConns = int32(envIntDefault("DB_MAX_CONNS", 20))
	cfg.MinConns = int32(envIntDefault("DB_MIN_CONNS", 2))
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	log.Info().Int32("max_conns", cfg.MaxConns).Msg("connected to metadata store")
	return &DB{Pool: pool}, nil
}

// Close releases all pooled connections.
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping verifies the pool can still reach Postgres, used by the health
// endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
