// Package redis mirrors live pool state into Redis: the current job, the
// latest stats snapshot and found-block counters.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys written by the pool, relative to the configured prefix.
const (
	KeyCurrentJob  = "current_job"
	KeyPoolStats   = "pool_stats"
	KeyBlocksFound = "blocks_found"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration
type Config struct {
	// URL is a redis:// or rediss:// URL.
	URL          string
	Prefix       string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns client settings for url with the "scashpool:" prefix.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		Prefix:       "scashpool:",
		PoolSize:     10,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Options converts cfg to go-redis options.
func (cfg *Config) Options() (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	return opts, nil
}

// NewClient connects and pings the server.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, prefix: cfg.Prefix}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key returns the prefixed form of key.
func (c *Client) Key(key string) string {
	return c.prefix + key
}

// SetCurrentJob stores the job miners are working on
func (c *Client) SetCurrentJob(ctx context.Context, job any) error {
	if err := c.setJSON(ctx, KeyCurrentJob, job, 0); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}
	return nil
}

// GetCurrentJob decodes the current job into dest
func (c *Client) GetCurrentJob(ctx context.Context, dest any) error {
	return c.getJSON(ctx, KeyCurrentJob, dest)
}

// SetPoolStats stores the latest stats snapshot
func (c *Client) SetPoolStats(ctx context.Context, stats any, expiration time.Duration) error {
	if err := c.setJSON(ctx, KeyPoolStats, stats, expiration); err != nil {
		return fmt.Errorf("failed to set pool stats: %w", err)
	}
	return nil
}

// GetPoolStats decodes the latest stats snapshot into dest
func (c *Client) GetPoolStats(ctx context.Context, dest any) error {
	return c.getJSON(ctx, KeyPoolStats, dest)
}

// IncrementCounter increments a counter. A positive expiration is
// refreshed on every increment; zero keeps the counter forever.
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, c.Key(key))
	if expiration > 0 {
		pipe.Expire(ctx, c.Key(key), expiration)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value; a missing counter is zero
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, c.Key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// SetCache stores data under cache:key with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	if err := c.setJSON(ctx, "cache:"+key, data, expiration); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// GetCache retrieves data stored with SetCache
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	return c.getJSON(ctx, "cache:"+key, dest)
}

func (c *Client) setJSON(ctx context.Context, key string, v any, expiration time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.rdb.Set(ctx, c.Key(key), data, expiration).Err()
}

func (c *Client) getJSON(ctx context.Context, key string, dest any) error {
	data, err := c.rdb.Get(ctx, c.Key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
