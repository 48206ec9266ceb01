package metering

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func counterValues(t *testing.T, reader *sdkmetric.ManualReader, name string, key attribute.Key) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(key)
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestMetrics_RecordDeliveryResults(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter("usage.metering"))
	require.NoError(t, err)

	ok := newCollector(t, respondWith(http.StatusOK))
	rejected := newCollector(t, respondWith(http.StatusForbidden))
	failing := newCollector(t, respondWith(http.StatusInternalServerError))

	for _, endpoint := range []string{ok.URL, rejected.URL, failing.URL} {
		c := NewClient(ClientConfig{
			Endpoint:   endpoint,
			Timeout:    time.Second,
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
			Metrics:    metrics,
		})
		_ = c.Send(context.Background(), testReport(1))
	}

	results := counterValues(t, reader, "usage_deliveries_total", "usage.delivery_result")
	assert.Equal(t, map[string]int64{"delivered": 1, "rejected": 1, "dropped": 1}, results)

	retries := counterValues(t, reader, "usage_delivery_retries_total", "none")
	assert.Equal(t, int64(1), retries[""])
}

func TestMetrics_RecordFlushTriggers(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter("usage.metering"))
	require.NoError(t, err)

	sender := &recordingSender{}
	q := NewBatchQueue(sender, BatchQueueConfig{BatchSize: 2, FlushInterval: time.Hour, Metrics: metrics})
	q.Enqueue(testReport(1))
	q.Enqueue(testReport(2))
	assert.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)

	q.Enqueue(testReport(3))
	q.Flush(context.Background())

	flushes := counterValues(t, reader, "usage_flushes_total", "usage.flush_trigger")
	assert.Equal(t, int64(1), flushes["size"])
	assert.Equal(t, int64(1), flushes["manual"])
}

func TestMetrics_NilIsNoOp(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.ReportBuilt(ctx, "property_query", "core")
		m.delivery(ctx, resultDelivered, time.Millisecond)
		m.retry(ctx)
		m.flush(ctx, triggerTimer, 3)
		m.queued(ctx, 1)
		m.droppedOnClose(ctx)
	})
}
