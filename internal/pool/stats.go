package pool

import (
	"sync"
	"time"

	"github.com/bardlex/scashpool/internal/messaging"
	"github.com/bardlex/scashpool/internal/scash"
)

// DefaultHashrateWindow is the span the hashrate estimate averages over.
const DefaultHashrateWindow = 10 * time.Minute

// Stats is a point-in-time copy of the pool counters.
type Stats struct {
	TotalShares     uint64
	ValidShares     uint64
	InvalidShares   uint64
	BlocksFound     uint64
	BlocksRejected  uint64
	LastBlockHeight int64
	Hashrate        float64 // hashes per second over the window
	Sessions        int
	StartedAt       time.Time
	Uptime          time.Duration
}

// Message converts the snapshot for publishing.
func (s Stats) Message(now time.Time) *messaging.PoolStatsMessage {
	return &messaging.PoolStatsMessage{
		TotalShares:     s.TotalShares,
		ValidShares:     s.ValidShares,
		InvalidShares:   s.InvalidShares,
		BlocksFound:     s.BlocksFound,
		BlocksRejected:  s.BlocksRejected,
		LastBlockHeight: s.LastBlockHeight,
		Hashrate:        s.Hashrate,
		Sessions:        s.Sessions,
		Uptime:          s.Uptime,
		Timestamp:       now,
	}
}

type workSample struct {
	at   time.Time
	work float64
}

// statsTracker is the single owner of the pool counters.
type statsTracker struct {
	mu      sync.Mutex
	stats   Stats
	window  time.Duration
	samples []workSample
	now     func() time.Time
}

func newStatsTracker(window time.Duration, now func() time.Time) *statsTracker {
	if window <= 0 {
		window = DefaultHashrateWindow
	}
	return &statsTracker{
		stats:  Stats{StartedAt: now()},
		window: window,
		now:    now,
	}
}

// recordShare counts one share. Total always moves with exactly one of
// valid or invalid.
func (t *statsTracker) recordShare(valid bool, difficulty float64) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalShares++
	if !valid {
		t.stats.InvalidShares++
		return
	}
	t.stats.ValidShares++
	t.samples = append(t.samples, workSample{at: now, work: scash.WorkForDifficulty(difficulty)})
	t.trim(now)
}

// recordBlock counts a block candidate by its submission outcome.
func (t *statsTracker) recordBlock(accepted bool, height int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !accepted {
		t.stats.BlocksRejected++
		return
	}
	t.stats.BlocksFound++
	t.stats.LastBlockHeight = height
}

func (t *statsTracker) snapshot(sessions int) Stats {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.trim(now)
	s := t.stats
	s.Sessions = sessions
	s.Uptime = now.Sub(s.StartedAt)

	span := min(t.window, s.Uptime)
	if span > 0 {
		var work float64
		for _, sample := range t.samples {
			work += sample.work
		}
		s.Hashrate = work / span.Seconds()
	}
	return s
}

// trim drops samples that fell out of the window. Caller holds mu.
func (t *statsTracker) trim(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && !t.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}
