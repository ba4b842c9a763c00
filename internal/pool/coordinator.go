// Package pool ties the job manager, share validator and Stratum sessions
// together: it owns the session registry, extranonce allocation, pool
// statistics and found-block submission.
package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/internal/messaging"
	"github.com/bardlex/scashpool/internal/scash"
	"github.com/bardlex/scashpool/internal/stratum"
	"github.com/bardlex/scashpool/internal/validation"
	"github.com/bardlex/scashpool/pkg/log"
)

// Config configures the coordinator.
type Config struct {
	Difficulty      float64
	Extranonce2Size int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBufferSize  int
	MaxLineSize     int

	HashrateWindow time.Duration
	StatsInterval  time.Duration
	SubmitTimeout  time.Duration
	EventQueueSize int
}

// ShareValidator validates shares against the current job.
type ShareValidator interface {
	ValidateShare(share *validation.Share) (*validation.Result, error)
}

// JobManager provides the current job and accepts refresh requests.
type JobManager interface {
	Current() *jobs.Job
	Trigger()
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Validator ShareValidator
	Jobs      JobManager
	Submitter scash.BlockSubmitter
	Auth      stratum.Authenticator
	Sinks     []Sink
}

// Coordinator is the hub between sessions, jobs and the node.
type Coordinator struct {
	cfg         Config
	deps        Deps
	settings    stratum.Settings
	logger      *log.Logger
	extranonces *ExtranonceAllocator
	stats       *statsTracker
	events      *eventBus
	now         func() time.Time

	mu         sync.RWMutex
	sessions   map[string]*stratum.Session
	sessionSeq atomic.Uint64
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, deps Deps, logger *log.Logger) *Coordinator {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if deps.Auth == nil {
		deps.Auth = stratum.AcceptAll{}
	}

	logger = logger.WithComponent("pool")
	return &Coordinator{
		cfg:  cfg,
		deps: deps,
		settings: stratum.Settings{
			Difficulty:      cfg.Difficulty,
			Extranonce2Size: cfg.Extranonce2Size,
			ReadTimeout:     cfg.ReadTimeout,
			WriteTimeout:    cfg.WriteTimeout,
			SendBufferSize:  cfg.SendBufferSize,
			MaxLineSize:     cfg.MaxLineSize,
		},
		logger:      logger,
		extranonces: NewExtranonceAllocator(),
		stats:       newStatsTracker(cfg.HashrateWindow, time.Now),
		events:      newEventBus(deps.Sinks, cfg.EventQueueSize, logger),
		now:         time.Now,
		sessions:    make(map[string]*stratum.Session),
	}
}

// Accept wraps conn in a registered session. The caller runs Serve on it;
// the session unregisters itself when it closes.
func (c *Coordinator) Accept(conn net.Conn) *stratum.Session {
	id := fmt.Sprintf("session_%d", c.sessionSeq.Add(1))

	sess := stratum.NewSession(id, conn, c.settings, stratum.Deps{
		Auth:        c.deps.Auth,
		Shares:      c,
		Jobs:        c.deps.Jobs,
		Extranonces: c.extranonces,
		OnClose:     c.unregister,
	}, c.logger)

	c.mu.Lock()
	c.sessions[id] = sess
	c.mu.Unlock()
	return sess
}

func (c *Coordinator) unregister(sess *stratum.Session) {
	c.mu.Lock()
	delete(c.sessions, sess.ID())
	c.mu.Unlock()

	c.logger.Debug("session unregistered",
		"session_id", sess.ID(),
		"worker", sess.WorkerName(),
		"duration", c.now().Sub(sess.ConnectedAt()),
	)
}

// SessionCount returns the number of open sessions.
func (c *Coordinator) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Session looks up an open session by ID.
func (c *Coordinator) Session(id string) (*stratum.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[id]
	return sess, ok
}

func (c *Coordinator) snapshotSessions() []*stratum.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*stratum.Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess)
	}
	return out
}

// CloseSessions closes every open session.
func (c *Coordinator) CloseSessions() {
	for _, sess := range c.snapshotSessions() {
		sess.Close()
	}
}

// BroadcastJob sends job to every subscribed session. The notification is
// encoded once and queued without blocking; a session whose queue is full
// misses this job.
func (c *Coordinator) BroadcastJob(job *jobs.Job) {
	frame, err := stratum.EncodeLine(stratum.NewNotification(stratum.MethodNotify, stratum.NotifyParams(job)))
	if err != nil {
		c.logger.WithError(err).Error("failed to encode job notification", "job_id", job.ID)
		return
	}

	sent := 0
	for _, sess := range c.snapshotSessions() {
		if !sess.IsSubscribed() {
			continue
		}
		if err := sess.SendRaw(frame); err != nil {
			c.logger.WithError(err).Warn("failed to queue job", "session_id", sess.ID(), "job_id", job.ID)
			continue
		}
		sent++
	}

	c.logger.LogJobDistribution(job.ID, job.Height, job.CleanJobs, sent)
	c.events.emit(event{job: job})
}

// HandleShare validates a share, records the outcome and submits a found
// block. Rejections are returned as *validation.ShareError.
func (c *Coordinator) HandleShare(ctx context.Context, share *validation.Share) error {
	start := c.now()
	result, err := c.deps.Validator.ValidateShare(share)
	valid := err == nil

	c.stats.recordShare(valid, share.Difficulty)

	msg := &messaging.ShareMessage{
		ShareID:          newShareID(),
		JobID:            share.JobID,
		WorkerName:       share.WorkerName,
		ExtraNonce1:      share.Extranonce1,
		ExtraNonce2:      share.Extranonce2,
		Ntime:            share.NTime,
		Nonce:            share.Nonce,
		Difficulty:       share.Difficulty,
		SessionID:        share.SessionID,
		RemoteAddr:       share.RemoteAddr,
		Status:           messaging.StatusValid,
		SubmittedAt:      share.SubmittedAt,
		ProcessingTimeMs: float64(c.now().Sub(start).Microseconds()) / 1e3,
	}

	if !valid {
		reason := "internal"
		if kind, ok := validation.KindOf(err); ok {
			reason = string(kind)
		}
		msg.Status = messaging.StatusInvalid
		msg.Reason = reason
		c.logger.LogShareResult(share.WorkerName, share.JobID, share.Difficulty, messaging.StatusInvalid, err.Error())
		c.events.emit(event{share: msg})
		return err
	}

	msg.BlockHeight = result.Job.Height
	msg.Hash = result.Hash.String()
	msg.IsBlockCandidate = result.BlockCandidate
	c.logger.LogShareResult(share.WorkerName, share.JobID, share.Difficulty, messaging.StatusValid, "")
	c.events.emit(event{share: msg})

	switch {
	case result.BlockCandidate:
		c.submitBlock(ctx, share, msg.ShareID, result)
	case result.BlockError != nil:
		c.stats.recordBlock(false, result.Job.Height)
		c.logger.WithJob(result.Job.ID, result.Job.Height).WithError(result.BlockError).
			Error("share met the network target but the block could not be assembled",
				"block_hash", msg.Hash, "worker", share.WorkerName)
	}
	return nil
}

// submitBlock hands a found block to the node. Acceptance forces a job
// refresh; rejection is counted and does not affect the share.
func (c *Coordinator) submitBlock(ctx context.Context, share *validation.Share, shareID string, result *validation.Result) {
	job := result.Job
	hash := result.Hash.String()
	logger := c.logger.WithJob(job.ID, job.Height).WithFields("block_hash", hash, "worker", share.WorkerName)
	logger.Info("block candidate found, submitting to node")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SubmitTimeout)
	defer cancel()

	start := c.now()
	err := c.deps.Submitter.SubmitBlock(ctx, result.BlockHex)
	if err != nil && c.nodeHasBlock(ctx, hash) {
		logger.WithError(err).Warn("submitblock failed but the node has the block")
		err = nil
	}
	latency := c.now().Sub(start)
	logger.LogDuration("block_submission", latency)

	accepted := err == nil
	c.stats.recordBlock(accepted, job.Height)
	logger.LogBlockFound(hash, job.Height, share.WorkerName, accepted)

	msg := &messaging.BlockMessage{
		ShareID:       shareID,
		JobID:         job.ID,
		BlockHash:     hash,
		BlockHeight:   job.Height,
		PrevHash:      job.PrevBlock.String(),
		Bits:          job.BitsHex(),
		Nonce:         share.Nonce,
		WorkerName:    share.WorkerName,
		CoinbaseValue: job.CoinbaseValue,
		Status:        messaging.StatusAccepted,
		FoundAt:       start,
		LatencyMs:     float64(latency.Microseconds()) / 1e3,
	}

	if accepted {
		c.deps.Jobs.Trigger()
	} else {
		logger.WithError(err).Error("node rejected block")
		msg.Status = messaging.StatusRejected
		msg.ErrorMessage = err.Error()
	}
	c.events.emit(event{block: msg})
}

func (c *Coordinator) nodeHasBlock(ctx context.Context, hash string) bool {
	info, err := c.deps.Submitter.GetBlock(ctx, hash)
	return err == nil && info != nil && info.Hash == hash
}

// SnapshotStats returns a copy of the pool counters.
func (c *Coordinator) SnapshotStats() Stats {
	return c.stats.snapshot(c.SessionCount())
}

// Run delivers events and reports stats every StatsInterval until ctx is
// done. A final report is emitted before it returns.
func (c *Coordinator) Run(ctx context.Context) {
	busCtx, stopBus := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.events.run(busCtx)
	}()

	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.report("final pool stats")
			stopBus()
			wg.Wait()
			return
		case <-ticker.C:
			c.report("pool stats")
		}
	}
}

func (c *Coordinator) report(msg string) Stats {
	s := c.SnapshotStats()
	c.logger.LogPoolStats(msg, s.TotalShares, s.ValidShares, s.InvalidShares, s.BlocksFound,
		s.LastBlockHeight, s.Hashrate, s.Sessions)
	c.events.emit(event{stats: s.Message(c.now())})
	return s
}

func newShareID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("share_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

var _ stratum.ShareHandler = (*Coordinator)(nil)
