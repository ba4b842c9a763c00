// Package influx writes pool time series to InfluxDB: one point per share,
// one per found block and a periodic pool-stats point.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/scashpool/internal/messaging"
	"github.com/bardlex/scashpool/pkg/log"
)

// Measurement names.
const (
	MeasurementShares    = "shares"
	MeasurementBlocks    = "blocks"
	MeasurementPoolStats = "pool_stats"
)

// Client wraps the non-blocking InfluxDB write API
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *log.Logger
	done     chan struct{}
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// NewClient connects, checks server health and starts logging write errors.
func NewClient(ctx context.Context, cfg *Config, logger *log.Logger) (*Client, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(healthCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.WithComponent("influx"),
		done:     make(chan struct{}),
	}
	go c.logErrors(c.writeAPI.Errors())
	return c, nil
}

func (c *Client) logErrors(errs <-chan error) {
	for {
		select {
		case err := <-errs:
			c.logger.WithError(err).Warn("influx write failed")
		case <-c.done:
			return
		}
	}
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	close(c.done)
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// WriteShareMetric queues a share point
func (c *Client) WriteShareMetric(msg *messaging.ShareMessage) {
	c.writeAPI.WritePoint(SharePoint(msg))
}

// WriteBlockMetric queues a found-block point
func (c *Client) WriteBlockMetric(msg *messaging.BlockMessage) {
	c.writeAPI.WritePoint(BlockPoint(msg))
}

// WritePoolStatsMetric queues a pool stats point
func (c *Client) WritePoolStatsMetric(msg *messaging.PoolStatsMessage) {
	c.writeAPI.WritePoint(PoolStatsPoint(msg))
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// SharePoint renders a share as a point tagged by worker and status.
func SharePoint(msg *messaging.ShareMessage) *write.Point {
	tags := map[string]string{
		"worker": msg.WorkerName,
		"status": msg.Status,
		"block":  fmt.Sprintf("%t", msg.IsBlockCandidate),
	}
	if msg.Reason != "" {
		tags["reason"] = msg.Reason
	}

	fields := map[string]any{
		"difficulty":         msg.Difficulty,
		"processing_time_ms": msg.ProcessingTimeMs,
		"count":              1,
	}

	return write.NewPoint(MeasurementShares, tags, fields, pointTime(msg.SubmittedAt))
}

// BlockPoint renders a found block.
func BlockPoint(msg *messaging.BlockMessage) *write.Point {
	tags := map[string]string{
		"status": msg.Status,
		"worker": msg.WorkerName,
	}

	fields := map[string]any{
		"height":         msg.BlockHeight,
		"hash":           msg.BlockHash,
		"coinbase_value": msg.CoinbaseValue,
		"latency_ms":     msg.LatencyMs,
		"count":          1,
	}

	return write.NewPoint(MeasurementBlocks, tags, fields, pointTime(msg.FoundAt))
}

// PoolStatsPoint renders a pool stats snapshot.
func PoolStatsPoint(msg *messaging.PoolStatsMessage) *write.Point {
	fields := map[string]any{
		"total_shares":      int64(msg.TotalShares),
		"valid_shares":      int64(msg.ValidShares),
		"invalid_shares":    int64(msg.InvalidShares),
		"blocks_found":      int64(msg.BlocksFound),
		"blocks_rejected":   int64(msg.BlocksRejected),
		"last_block_height": msg.LastBlockHeight,
		"hashrate":          msg.Hashrate,
		"sessions":          msg.Sessions,
		"uptime_seconds":    msg.Uptime.Seconds(),
	}

	return write.NewPoint(MeasurementPoolStats, map[string]string{}, fields, pointTime(msg.Timestamp))
}

func pointTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
