// Package audit provides a best-effort, secondary record of acknowledged
// status updates for operator visibility. It is never consulted by the
// core update-stream/manager invariants: a write failure here is logged
// and ignored, and the durable per-task checkpoint log remains the sole
// source of truth for delivery correctness.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds database connection configuration for the audit store.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// ConnectionString builds a PostgreSQL connection string from the config.
func (c Config) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password,
		c.Host, c.Port,
		c.Database, c.SSLMode,
	)
}

// Store wraps pgxpool.Pool with the acknowledged-update audit schema.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sum_acknowledged_updates (
	framework_id     TEXT NOT NULL,
	task_id          TEXT NOT NULL,
	update_uuid      UUID NOT NULL,
	acknowledged_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (framework_id, task_id, update_uuid)
)`

// NewStore connects to PostgreSQL, validates the connection, and ensures
// the audit schema exists.
func NewStore(ctx context.Context, config Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("audit: parse connection string: %w", err)
	}
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = config.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("audit: create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ensure schema: %w", err)
	}

	logger.Info("audit store connected",
		slog.String("host", config.Host), slog.Int("port", config.Port),
		slog.String("database", config.Database))

	return &Store{pool: pool, logger: logger}, nil
}

// RecordAcknowledged best-effort records that frameworkID acknowledged
// taskID's update identified by id at ackedAt. Duplicate recordings are
// silently ignored.
func (s *Store) RecordAcknowledged(ctx context.Context, frameworkID, taskID string, id uuid.UUID, ackedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sum_acknowledged_updates (framework_id, task_id, update_uuid, acknowledged_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (framework_id, task_id, update_uuid) DO NOTHING`,
		frameworkID, taskID, id, ackedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: record acknowledged update %s: %w", id, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info("audit store connection pool closed")
}

// Healthy returns true if the database is reachable.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}
