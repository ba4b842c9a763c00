// Package database fans pool events out to PostgreSQL, Redis and InfluxDB.
// Each backend is optional; the Manager is a pool event sink.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/scashpool/internal/database/influx"
	"github.com/bardlex/scashpool/internal/database/postgres"
	"github.com/bardlex/scashpool/internal/database/redis"
	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/internal/messaging"
	"github.com/bardlex/scashpool/pkg/circuit"
	"github.com/bardlex/scashpool/pkg/errors"
	"github.com/bardlex/scashpool/pkg/log"
	"github.com/bardlex/scashpool/pkg/retry"
)

// BlockStore persists found blocks.
type BlockStore interface {
	CreateBlock(ctx context.Context, block *postgres.Block) error
}

// StateCache mirrors live pool state.
type StateCache interface {
	SetCurrentJob(ctx context.Context, job any) error
	SetPoolStats(ctx context.Context, stats any, expiration time.Duration) error
	IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error)
	SetCache(ctx context.Context, key string, data any, expiration time.Duration) error
}

// MetricsWriter queues time-series points.
type MetricsWriter interface {
	WriteShareMetric(msg *messaging.ShareMessage)
	WriteBlockMetric(msg *messaging.BlockMessage)
	WritePoolStatsMetric(msg *messaging.PoolStatsMessage)
	Flush()
}

const (
	shareCounterTTL = 24 * time.Hour
	blockCacheTTL   = 24 * time.Hour
	statsTTL        = 10 * time.Minute
)

// Manager coordinates writes across the configured backends
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Workers *postgres.WorkerRepository
	Blocks  *postgres.BlockRepository

	blocks  BlockStore
	cache   StateCache
	metrics MetricsWriter

	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config selects the backends to connect. A nil section disables that
// backend.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// Enabled reports whether any backend is configured.
func (c *Config) Enabled() bool {
	return c.Postgres != nil || c.Redis != nil || c.Influx != nil
}

// NewManager connects every configured backend. A failure closes what was
// already opened.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{}

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		m.Postgres = pgClient

		if err := pgClient.EnsureSchema(ctx); err != nil {
			m.closeAll()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_schema",
				"failed to create PostgreSQL schema")
		}
		m.Workers = postgres.NewWorkerRepository(pgClient.DB())
		m.Blocks = postgres.NewBlockRepository(pgClient.DB())
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			if closeErr := m.closeAll(); closeErr != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
					"failed to connect to Redis database").
					WithContext("cleanup_error", closeErr.Error())
			}
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(ctx, cfg.Influx, logger)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
			if closeErr := m.closeAll(); closeErr != nil {
				return nil, origErr.WithContext("cleanup_error", closeErr.Error())
			}
			return nil, origErr
		}
		m.Influx = influxClient
	}

	var (
		blocks  BlockStore
		cache   StateCache
		metrics MetricsWriter
	)
	if m.Blocks != nil {
		blocks = m.Blocks
	}
	if m.Redis != nil {
		cache = m.Redis
	}
	if m.Influx != nil {
		metrics = m.Influx
	}

	built := newManager(blocks, cache, metrics, logger)
	built.Postgres, built.Redis, built.Influx = m.Postgres, m.Redis, m.Influx
	built.Workers, built.Blocks = m.Workers, m.Blocks
	return built, nil
}

func newManager(blocks BlockStore, cache StateCache, metrics MetricsWriter, logger *log.Logger) *Manager {
	logger = logger.WithComponent("database")
	return &Manager{
		blocks:  blocks,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("circuit breaker state changed", "breaker", name,
					"from", from.String(), "to", to.String())
			},
		}),
		retryConfig: retry.DatabaseConfig(),
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	return m.closeAll()
}

func (m *Manager) closeAll() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of every connected backend
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// Authenticator returns a worker authenticator backed by PostgreSQL, or nil
// when PostgreSQL is not configured.
func (m *Manager) Authenticator() *postgres.Authenticator {
	if m.Workers == nil {
		return nil
	}
	return postgres.NewAuthenticator(m.Workers, m.logger)
}

// PublishJob mirrors the new job into Redis.
func (m *Manager) PublishJob(ctx context.Context, job *jobs.Job) error {
	if m.cache == nil {
		return nil
	}
	if err := m.cache.SetCurrentJob(ctx, messaging.NewJobMessage(job)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "publish_job",
			"failed to mirror current job").
			WithContext("job_id", job.ID)
	}
	return nil
}

// RecordShare writes a share point and bumps the per-status counter. Both
// are best effort.
func (m *Manager) RecordShare(ctx context.Context, share *messaging.ShareMessage) error {
	if m.metrics != nil {
		m.metrics.WriteShareMetric(share)
	}

	if m.cache != nil {
		if _, err := m.cache.IncrementCounter(ctx, "shares:"+share.Status, shareCounterTTL); err != nil {
			m.logger.WithError(err).Debug("failed to update share counter (non-critical)",
				"status", share.Status)
		}
	}
	return nil
}

// RecordBlock stores a found block in PostgreSQL, retrying behind the
// circuit breaker, then updates metrics and the Redis mirror.
func (m *Manager) RecordBlock(ctx context.Context, msg *messaging.BlockMessage) error {
	if m.blocks != nil {
		block := postgres.BlockFromMessage(msg)
		err := m.circuitBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func() error {
				if err := m.blocks.CreateBlock(ctx, block); err != nil {
					return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block",
						"failed to store block in PostgreSQL").
						WithContext("block_hash", block.Hash).
						WithContext("block_height", block.Height).
						WithContext("worker", block.WorkerName)
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
	}

	if m.metrics != nil {
		m.metrics.WriteBlockMetric(msg)
	}

	if m.cache != nil {
		if msg.Status == messaging.StatusAccepted {
			if _, err := m.cache.IncrementCounter(ctx, redis.KeyBlocksFound, 0); err != nil {
				m.logger.WithError(err).Warn("failed to update block counter (non-critical)")
			}
		}
		blockKey := fmt.Sprintf("block:%d", msg.BlockHeight)
		if err := m.cache.SetCache(ctx, blockKey, msg, blockCacheTTL); err != nil {
			m.logger.WithError(err).Warn("failed to cache block (non-critical)", "block_height", msg.BlockHeight)
		}
	}
	return nil
}

// RecordStats writes the stats point and mirrors the snapshot.
func (m *Manager) RecordStats(ctx context.Context, stats *messaging.PoolStatsMessage) error {
	if m.metrics != nil {
		m.metrics.WritePoolStatsMetric(stats)
	}
	if m.cache != nil {
		if err := m.cache.SetPoolStats(ctx, stats, statsTTL); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_stats",
				"failed to mirror pool stats")
		}
	}
	return nil
}

// StartPeriodicTasks flushes pending metrics every interval until ctx is
// done.
func (m *Manager) StartPeriodicTasks(ctx context.Context, interval time.Duration) {
	if m.metrics == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.metrics.Flush()
				return
			case <-ticker.C:
				m.metrics.Flush()
			}
		}
	}()
}
