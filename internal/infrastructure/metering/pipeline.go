package metering

import (
	"context"
	"sync"
	"time"

	"github.com/nexus/property-management/internal/domain/usage"
	"go.uber.org/zap"
)

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	// EnableBatching routes reports through a BatchQueue instead of sending
	// each one immediately.
	EnableBatching bool
	BatchSize      int
	FlushInterval  time.Duration
	Logger         *zap.Logger
	Metrics        *Metrics
}

// PipelineStats is a point-in-time view of a Pipeline.
type PipelineStats struct {
	Batching bool
	Draining bool
	Queue    BatchQueueStats
}

// Pipeline owns report dispatch for the process: either a batch queue or
// immediate fire-and-forget sends. Submit never blocks on delivery.
type Pipeline struct {
	sender  Sender
	queue   *BatchQueue
	logger  *zap.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	drainOnce sync.Once
	drained   chan struct{}
}

// NewPipeline creates a pipeline delivering through sender.
func NewPipeline(sender Sender, cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		sender:  sender,
		logger:  logger,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
	}

	if cfg.EnableBatching {
		p.queue = NewBatchQueue(sender, BatchQueueConfig{
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
			BaseContext:   ctx,
			Logger:        logger,
			Metrics:       cfg.Metrics,
		})
	}

	logger.Info("Usage pipeline started",
		zap.Bool("batching", cfg.EnableBatching),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval),
	)
	return p
}

// Submit hands report to the pipeline. It returns false if the pipeline is
// draining and the report was dropped.
func (p *Pipeline) Submit(report usage.Report) bool {
	if p.queue != nil {
		return p.queue.Enqueue(report)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.metrics.droppedOnClose(p.ctx)
		p.logger.Warn("Usage pipeline draining, dropping report",
			zap.String("request_id", report.RequestID),
			zap.String("operation", report.Operation),
		)
		return false
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.inflight.Done()
		_ = p.sender.Send(p.ctx, report)
	}()
	return true
}

// Drain stops accepting reports, flushes the queue once and waits for every
// in-flight delivery. If ctx expires first, outstanding deliveries are
// cancelled and ctx's error is returned. Drain may be called more than once.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.drainOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.logger.Info("Draining usage pipeline...")

		go func() {
			defer close(p.drained)
			if p.queue != nil {
				p.queue.Close()
				p.queue.Flush(p.ctx)
				p.queue.Wait()
			}
			p.inflight.Wait()
		}()
	})

	select {
	case <-p.drained:
		p.logger.Info("Usage pipeline drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("Usage pipeline drain timed out, abandoning in-flight reports",
			zap.Error(ctx.Err()),
		)
		return ctx.Err()
	}
}

// Stats returns a snapshot of pipeline state.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	draining := p.closed
	p.mu.Unlock()

	stats := PipelineStats{
		Batching: p.queue != nil,
		Draining: draining,
	}
	if p.queue != nil {
		stats.Queue = p.queue.Stats()
		stats.Draining = stats.Draining || stats.Queue.Closed
	}
	return stats
}
