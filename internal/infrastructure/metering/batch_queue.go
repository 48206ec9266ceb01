package metering

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus/property-management/internal/domain/usage"
	"go.uber.org/zap"
)

// Sender delivers a single report. *Client implements it.
type Sender interface {
	Send(ctx context.Context, report usage.Report) error
}

// BatchQueueConfig configures a BatchQueue.
type BatchQueueConfig struct {
	// BatchSize is the queue length that triggers an immediate flush.
	BatchSize int
	// FlushInterval is how long a partial batch may wait before it is flushed.
	FlushInterval time.Duration
	// BaseContext is the parent context for background deliveries.
	BaseContext context.Context
	Logger      *zap.Logger
	Metrics     *Metrics
}

// BatchQueueStats is a point-in-time view of a BatchQueue.
type BatchQueueStats struct {
	Queued       int
	TimerPending bool
	Flushes      int64
	Closed       bool
}

// BatchQueue accumulates reports and flushes them when the batch is full or
// the flush interval elapses, whichever comes first.
//
// The queue, the timer handle and the closed flag share one mutex. Every take
// from the queue happens under it, so no report is delivered twice. A timer
// that fires after its batch was already taken is ignored via its generation.
type BatchQueue struct {
	sender    Sender
	batchSize int
	interval  time.Duration
	baseCtx   context.Context
	logger    *zap.Logger
	metrics   *Metrics

	mu       sync.Mutex
	queue    []usage.Report
	timer    *time.Timer
	timerGen uint64
	closed   bool

	// background tracks size- and timer-triggered flushes.
	background sync.WaitGroup
	flushes    atomic.Int64
}

// NewBatchQueue creates a queue that delivers through sender.
func NewBatchQueue(sender Sender, cfg BatchQueueConfig) *BatchQueue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchQueue{
		sender:    sender,
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		baseCtx:   cfg.BaseContext,
		logger:    logger,
		metrics:   cfg.Metrics,
		queue:     make([]usage.Report, 0, cfg.BatchSize),
	}
}

// Enqueue appends report. Reaching BatchSize flushes the batch in the
// background; otherwise the flush timer is armed if it is not already.
// It returns false when the queue is closed and the report was dropped.
func (q *BatchQueue) Enqueue(report usage.Report) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.metrics.droppedOnClose(q.baseCtx)
		q.logger.Warn("Usage queue closed, dropping report",
			zap.String("request_id", report.RequestID),
			zap.String("operation", report.Operation),
		)
		return false
	}

	q.queue = append(q.queue, report)
	if len(q.queue) >= q.batchSize {
		q.stopTimerLocked()
		batch := q.takeLocked()
		q.background.Add(1)
		q.mu.Unlock()

		go func() {
			defer q.background.Done()
			q.deliver(q.baseCtx, batch, triggerSize)
		}()
		return true
	}

	if q.timer == nil {
		q.armTimerLocked()
	}
	length := len(q.queue)
	q.mu.Unlock()

	q.metrics.queued(q.baseCtx, length)
	return true
}

// Flush cancels any pending timer, takes up to BatchSize reports and delivers
// them concurrently, returning once every delivery has settled. A failed
// delivery never stops the others. Flush on an empty queue is a no-op.
func (q *BatchQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	q.stopTimerLocked()
	batch := q.takeLocked()
	if len(q.queue) > 0 && !q.closed {
		q.armTimerLocked()
	}
	q.mu.Unlock()

	q.deliver(ctx, batch, triggerManual)
}

// Close stops accepting reports and cancels the pending timer. Reports still
// queued stay there for a final Flush.
func (q *BatchQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.stopTimerLocked()
}

// Wait blocks until background flushes finish. Call it after Close.
func (q *BatchQueue) Wait() {
	q.background.Wait()
}

// Len returns the number of queued reports.
func (q *BatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// TimerPending reports whether a flush timer is armed.
func (q *BatchQueue) TimerPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timer != nil
}

// Stats returns a snapshot of queue state.
func (q *BatchQueue) Stats() BatchQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return BatchQueueStats{
		Queued:       len(q.queue),
		TimerPending: q.timer != nil,
		Flushes:      q.flushes.Load(),
		Closed:       q.closed,
	}
}

func (q *BatchQueue) onTimer(gen uint64) {
	q.mu.Lock()
	if gen != q.timerGen || q.timer == nil || q.closed {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	batch := q.takeLocked()
	q.background.Add(1)
	q.mu.Unlock()

	defer q.background.Done()
	q.deliver(q.baseCtx, batch, triggerTimer)
}

// deliver sends every report of batch concurrently and waits for all of them.
func (q *BatchQueue) deliver(ctx context.Context, batch []usage.Report, trigger string) {
	if len(batch) == 0 {
		return
	}
	q.flushes.Add(1)
	q.metrics.flush(ctx, trigger, len(batch))
	q.logger.Debug("Flushing usage reports",
		zap.Int("count", len(batch)),
		zap.String("trigger", trigger),
	)

	var wg sync.WaitGroup
	for _, report := range batch {
		wg.Add(1)
		go func(r usage.Report) {
			defer wg.Done()
			// Outcomes are logged by the sender.
			_ = q.sender.Send(ctx, r)
		}(report)
	}
	wg.Wait()

	q.metrics.queued(ctx, q.Len())
}

// takeLocked removes and returns up to batchSize reports from the head.
func (q *BatchQueue) takeLocked() []usage.Report {
	n := min(len(q.queue), q.batchSize)
	if n == 0 {
		return nil
	}
	batch := make([]usage.Report, n)
	copy(batch, q.queue[:n])
	remaining := copy(q.queue, q.queue[n:])
	clear(q.queue[remaining:])
	q.queue = q.queue[:remaining]
	return batch
}

func (q *BatchQueue) armTimerLocked() {
	q.timerGen++
	gen := q.timerGen
	q.timer = time.AfterFunc(q.interval, func() { q.onTimer(gen) })
}

func (q *BatchQueue) stopTimerLocked() {
	if q.timer == nil {
		return
	}
	q.timer.Stop()
	q.timer = nil
	q.timerGen++
}
