// Package postgres stores found blocks and worker credentials in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps the PostgreSQL connection pool
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	// URL is a lib/pq connection string, either a postgres:// URL or
	// key=value pairs.
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DefaultConfig returns pool settings suited to a single pool process.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		MaxOpenConns: 10,
		MaxIdleConns: 2,
		MaxLifetime:  30 * time.Minute,
	}
}

// NewClient opens the pool and pings the server.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres URL is empty")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB
func (c *Client) DB() *sql.DB {
	return c.db
}

// EnsureSchema creates the pool tables if they do not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workers (
		id           BIGSERIAL PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		password     TEXT NOT NULL DEFAULT '',
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		id             BIGSERIAL PRIMARY KEY,
		height         BIGINT NOT NULL,
		hash           TEXT NOT NULL UNIQUE,
		prev_hash      TEXT NOT NULL,
		bits           TEXT NOT NULL,
		nonce          TEXT NOT NULL,
		share_id       TEXT NOT NULL,
		job_id         TEXT NOT NULL,
		worker_name    TEXT NOT NULL,
		coinbase_value BIGINT NOT NULL,
		status         TEXT NOT NULL,
		error_message  TEXT NOT NULL DEFAULT '',
		latency_ms     DOUBLE PRECISION NOT NULL DEFAULT 0,
		found_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS blocks_found_at_idx ON blocks (found_at DESC)`,
}
