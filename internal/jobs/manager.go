package jobs

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/scashpool/internal/scash"
	"github.com/bardlex/scashpool/pkg/errors"
	"github.com/bardlex/scashpool/pkg/log"
)

// Config configures the job manager.
type Config struct {
	PayoutScript         []byte
	Tag                  string
	ExtranonceSize       int // extranonce1 + extranonce2 bytes
	RefreshInterval      time.Duration
	TemplateTimeout      time.Duration
	DefaultEpochDuration uint32
}

// Manager owns the current job and refreshes it from the node.
type Manager struct {
	cfg    Config
	source scash.TemplateSource
	logger *log.Logger

	current       atomic.Pointer[Job]
	epochDuration atomic.Uint32

	// mu serializes refreshes so job ids and publication stay in order.
	mu      sync.Mutex
	counter uint64
	onJob   func(*Job)

	trigger chan struct{}
}

// NewManager creates a job manager reading templates from source.
func NewManager(cfg Config, source scash.TemplateSource, logger *log.Logger) *Manager {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.TemplateTimeout <= 0 {
		cfg.TemplateTimeout = 10 * time.Second
	}
	if cfg.DefaultEpochDuration == 0 {
		cfg.DefaultEpochDuration = 604800
	}

	m := &Manager{
		cfg:     cfg,
		source:  source,
		logger:  logger.WithComponent("jobmanager"),
		trigger: make(chan struct{}, 1),
	}
	m.epochDuration.Store(cfg.DefaultEpochDuration)
	return m
}

// OnJob registers the callback invoked with every published job. Call it
// before Run.
func (m *Manager) OnJob(fn func(*Job)) {
	m.mu.Lock()
	m.onJob = fn
	m.mu.Unlock()
}

// Current returns the current job, or nil before the first refresh.
func (m *Manager) Current() *Job {
	return m.current.Load()
}

// EpochDuration returns the RandomX epoch duration last reported by the node.
func (m *Manager) EpochDuration() uint32 {
	return m.epochDuration.Load()
}

// Trigger requests an immediate refresh. Requests made while one is already
// pending are coalesced.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Refresh fetches a template, publishes a new job and hands it to the OnJob
// callback.
func (m *Manager) Refresh(ctx context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()

	tctx, cancel := context.WithTimeout(ctx, m.cfg.TemplateTimeout)
	tmpl, err := m.source.GetBlockTemplate(tctx)
	cancel()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNode, "refresh_job", "failed to get block template")
	}

	if tmpl.RXEpochDuration > 0 && tmpl.RXEpochDuration != m.epochDuration.Load() {
		m.logger.Info("RandomX epoch duration updated",
			"old", m.epochDuration.Load(),
			"new", tmpl.RXEpochDuration,
		)
		m.epochDuration.Store(tmpl.RXEpochDuration)
	}

	id := strconv.FormatUint(m.counter+1, 16)
	job, err := Build(id, tmpl, BuildParams{
		PayoutScript:   m.cfg.PayoutScript,
		Tag:            m.cfg.Tag,
		ExtranonceSize: m.cfg.ExtranonceSize,
		EpochDuration:  m.epochDuration.Load(),
	})
	if err != nil {
		return nil, err
	}
	m.counter++

	m.current.Store(job)

	m.logger.WithJob(job.ID, job.Height).Info("new job",
		"prev_hash", job.PrevBlock.String(),
		"bits", job.BitsHex(),
		"transactions", len(job.Transactions),
		"coinbase_value", job.CoinbaseValue,
	)
	m.logger.LogDuration("refresh_job", time.Since(start))

	if m.onJob != nil {
		m.onJob(job)
	}
	return job, nil
}

// Run refreshes immediately, then on every tick and every Trigger, until ctx
// is cancelled. Refresh failures are logged and retried on the next tick.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("job manager starting", "refresh_interval", m.cfg.RefreshInterval)

	m.refreshAndLog(ctx, "startup")

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("job manager stopped")
			return ctx.Err()
		case <-ticker.C:
			m.refreshAndLog(ctx, "interval")
		case <-m.trigger:
			m.refreshAndLog(ctx, "triggered")
		}
	}
}

func (m *Manager) refreshAndLog(ctx context.Context, reason string) {
	if _, err := m.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.WithError(err).Error("job refresh failed", "reason", reason)
	}
}
