package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus/property-management/internal/domain/usage"
)

// recordingSender records every report it is asked to send.
type recordingSender struct {
	mu      sync.Mutex
	reports []usage.Report
	times   []time.Time
	calls   atomic.Int32
	fail    func(usage.Report) bool
}

func (s *recordingSender) Send(_ context.Context, r usage.Report) error {
	s.calls.Add(1)
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.times = append(s.times, time.Now())
	s.mu.Unlock()
	if s.fail != nil && s.fail(r) {
		return errors.New("collector unavailable")
	}
	return nil
}

func (s *recordingSender) sent() []usage.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]usage.Report(nil), s.reports...)
}

// firstSentAt returns when the first report arrived.
func (s *recordingSender) firstSentAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.times) == 0 {
		return time.Time{}
	}
	return s.times[0]
}

func (s *recordingSender) count() int {
	return int(s.calls.Load())
}

// blockingSender holds each send until its context is cancelled.
type blockingSender struct {
	started   atomic.Int32
	cancelled atomic.Int32
}

func (s *blockingSender) Send(ctx context.Context, _ usage.Report) error {
	s.started.Add(1)
	<-ctx.Done()
	s.cancelled.Add(1)
	return ctx.Err()
}

func testReport(n int) usage.Report {
	return usage.Report{
		UserID:    "user-1",
		Service:   usage.ServiceName,
		Operation: "property_query",
		RequestID: fmt.Sprintf("req-%d", n),
	}
}
