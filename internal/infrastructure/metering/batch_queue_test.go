package metering

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nexus/property-management/internal/domain/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBatchQueue_SizeTriggeredFlush(t *testing.T) {
	sender := &recordingSender{}
	q := NewBatchQueue(sender, BatchQueueConfig{BatchSize: 3, FlushInterval: time.Hour})

	for i := range 3 {
		require.True(t, q.Enqueue(testReport(i)))
	}

	// The batch leaves the queue inside Enqueue.
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.TimerPending())

	assert.Eventually(t, func() bool { return sender.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), q.Stats().Flushes)
}

func TestBatchQueue_TimerFlushesPartialBatch(t *testing.T) {
	sender := &recordingSender{}
	const interval = 20 * time.Millisecond
	q := NewBatchQueue(sender, BatchQueueConfig{BatchSize: 10, FlushInterval: interval})

	start := time.Now()
	q.Enqueue(testReport(1))
	q.Enqueue(testReport(2))

	assert.Equal(t, 2, q.Len())
	assert.True(t, q.TimerPending())
	assert.Equal(t, 0, sender.count())

	assert.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, sender.firstSentAt().Sub(start), interval)
	assert.Eventually(t, func() bool { return q.Len() == 0 && !q.TimerPending() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), q.Stats().Flushes)
}

func TestBatchQueue_SizeFlushCancelsTimer(t *testing.T) {
	sender := &recordingSender{}
	q := NewBatchQueue(sender, BatchQueueConfig{BatchSize: 2, FlushInterval: 30 * time.Millisecond})

	q.Enqueue(testReport(1))
	require.True(t, q.TimerPending())
	q.Enqueue(testReport(2))
	assert.False(t, q.TimerPending())

	assert.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)

	// The cancelled timer must not flush again after its interval.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), q.Stats().Flushes)
	assert.Equal(t, 2, sender.count())
}

func TestBatchQueue_FlushIsSynchronousAndClearsTimer(t *testing.T) {
	sender := &recordingSender{}
	q := NewBatchQueue(sender, BatchQueueConfig{BatchSize: 10, FlushInterval: 30 * time.Millisecond})

	q.Enqueue(testReport(1))
	q.Enqueue(testReport(2))
	q.Flush(context.Background())

	assert.Equal(t, 2, sender.count())
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.TimerPending())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), q.Stats().Flushes)
}

func TestBatchQueue_FlushEmptyIsNoOp(t *testing.T) {
	sender := &recordingSender{}
	q := NewBatchQueue(sender, BatchQueueConfig{BatchSize: 10, FlushInterval: time.Hour})

	q.Flush(context.Background())

	assert.Equal(t, 0, sender.count())
	assert.Equal(t, int64(0), q.Stats().Flushes)
}

func TestBatchQueue_OneFailureDoesNotAbortOthers(t *testing.T) {
	sender := &recordingSender{
		fail: func(r usage.Report) bool { return r.RequestID == "req-1" },
	}
	q := NewBatchQueue(sender, BatchQueueConfig{BatchSize: 10, FlushInterval: time.Hour})

	for i := range 4 {
		q.Enqueue(testReport(i))
	}
	q.Flush(context.Background())

	ids := map[string]bool{}
	for _, r := range sender.sent() {
		ids[r.RequestID] = true
	}
	assert.Equal(t, map[string]bool{"req-0": true, "req-1": true, "req-2": true, "req-3": true}, ids)
}

func TestBatchQueue_ClosedQueueDropsReports(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sender := &recordingSender{}
	q := NewBatchQueue(sender, BatchQueueConfig{
		BatchSize:     10,
		FlushInterval: 20 * time.Millisecond,
		Logger:        zap.New(core),
	})

	q.Enqueue(testReport(1))
	q.Close()
	assert.False(t, q.TimerPending())
	assert.False(t, q.Enqueue(testReport(2)))
	assert.Equal(t, 1, logs.FilterMessage("Usage queue closed, dropping report").Len())

	// Queued reports wait for the final flush rather than the timer.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sender.count())

	q.Flush(context.Background())
	q.Wait()
	assert.Equal(t, 1, sender.count())
	assert.True(t, q.Stats().Closed)
}

func TestBatchQueue_ConcurrentEnqueueDeliversEachReportOnce(t *testing.T) {
	sender := &recordingSender{}
	q := NewBatchQueue(sender, BatchQueueConfig{BatchSize: 7, FlushInterval: 2 * time.Millisecond})

	const total = 200
	var wg sync.WaitGroup
	for i := range total {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.Enqueue(testReport(n))
		}(i)
	}
	wg.Wait()

	q.Close()
	q.Flush(context.Background())
	q.Wait()

	seen := map[string]int{}
	for _, r := range sender.sent() {
		seen[r.RequestID]++
	}
	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "report %s delivered %d times", id, n)
	}
	assert.Equal(t, 0, q.Len())
}

func TestNewBatchQueue_Defaults(t *testing.T) {
	q := NewBatchQueue(&recordingSender{}, BatchQueueConfig{})

	assert.Equal(t, 10, q.batchSize)
	assert.Equal(t, 5*time.Second, q.interval)
	assert.NotNil(t, q.baseCtx)
	assert.NotNil(t, q.logger)
}
