package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/internal/messaging"
	"github.com/bardlex/scashpool/pkg/log"
)

// Sink receives pool events. Calls are made from a single goroutine.
type Sink interface {
	RecordShare(ctx context.Context, msg *messaging.ShareMessage) error
	RecordBlock(ctx context.Context, msg *messaging.BlockMessage) error
	RecordStats(ctx context.Context, msg *messaging.PoolStatsMessage) error
}

// JobSink is implemented by sinks that also track published jobs.
type JobSink interface {
	PublishJob(ctx context.Context, job *jobs.Job) error
}

type event struct {
	job   *jobs.Job
	share *messaging.ShareMessage
	block *messaging.BlockMessage
	stats *messaging.PoolStatsMessage
}

// eventBus decouples the share path from slow sinks. Events are dropped
// when the queue is full.
type eventBus struct {
	sinks   []Sink
	queue   chan event
	timeout time.Duration
	logger  *log.Logger
	dropped atomic.Uint64
}

func newEventBus(sinks []Sink, size int, logger *log.Logger) *eventBus {
	if size <= 0 {
		size = 1024
	}
	return &eventBus{
		sinks:   sinks,
		queue:   make(chan event, size),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (b *eventBus) emit(e event) {
	if len(b.sinks) == 0 {
		return
	}
	select {
	case b.queue <- e:
	default:
		if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
			b.logger.Warn("event queue full, dropping events", "dropped_total", n)
		}
	}
}

// run delivers events until ctx is done, then drains what is queued.
func (b *eventBus) run(ctx context.Context) {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(ctx, e)
		case <-ctx.Done():
			b.drain()
			return
		}
	}
}

func (b *eventBus) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	for {
		select {
		case e := <-b.queue:
			b.dispatch(ctx, e)
		default:
			return
		}
	}
}

func (b *eventBus) dispatch(ctx context.Context, e event) {
	for _, sink := range b.sinks {
		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		var err error
		kind := "share"
		switch {
		case e.job != nil:
			kind = "job"
			if js, ok := sink.(JobSink); ok {
				err = js.PublishJob(callCtx, e.job)
			}
		case e.share != nil:
			err = sink.RecordShare(callCtx, e.share)
		case e.block != nil:
			kind = "block"
			err = sink.RecordBlock(callCtx, e.block)
		case e.stats != nil:
			kind = "stats"
			err = sink.RecordStats(callCtx, e.stats)
		}
		cancel()

		if err != nil {
			b.logger.WithError(err).Warn("sink write failed", "event", kind)
		}
	}
}
