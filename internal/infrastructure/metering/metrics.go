package metering

import (
	"context"
	"time"

	"github.com/nexus/property-management/internal/infrastructure/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Delivery results recorded on the delivery counters.
const (
	resultDelivered = "delivered"
	resultRejected  = "rejected"
	resultDropped   = "dropped"
)

// Flush triggers recorded on the flush counter.
const (
	triggerSize   = "size"
	triggerTimer  = "timer"
	triggerManual = "manual"
)

// Metrics holds OpenTelemetry instruments for the metering pipeline.
// A nil *Metrics records nothing.
type Metrics struct {
	reportsBuilt     *telemetry.Counter
	deliveries       *telemetry.Counter
	retries          *telemetry.Counter
	flushes          *telemetry.Counter
	queueLength      *telemetry.Gauge
	deliveryDuration *telemetry.Histogram
	flushSize        *telemetry.Histogram
}

// NewMetrics creates the metering instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	reportsBuilt, err := telemetry.NewCounter(
		meter,
		"usage_reports_total",
		"Total number of usage reports built from requests",
		"{report}",
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := telemetry.NewCounter(
		meter,
		"usage_deliveries_total",
		"Total number of usage reports by final delivery result",
		"{report}",
	)
	if err != nil {
		return nil, err
	}

	retries, err := telemetry.NewCounter(
		meter,
		"usage_delivery_retries_total",
		"Total number of delivery retries after a transient failure",
		"{retry}",
	)
	if err != nil {
		return nil, err
	}

	flushes, err := telemetry.NewCounter(
		meter,
		"usage_flushes_total",
		"Total number of batch flushes",
		"{flush}",
	)
	if err != nil {
		return nil, err
	}

	queueLength, err := telemetry.NewGauge(
		meter,
		"usage_queue_length",
		"Number of usage reports waiting for a flush",
		"{report}",
	)
	if err != nil {
		return nil, err
	}

	deliveryDuration, err := telemetry.NewHistogram(meter, telemetry.HistogramOpts{
		Name:        "usage_delivery_duration_seconds",
		Description: "Time to deliver one usage report including retries",
		Unit:        "s",
		Boundaries:  telemetry.HTTPDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	flushSize, err := telemetry.NewHistogram(meter, telemetry.HistogramOpts{
		Name:        "usage_flush_size",
		Description: "Number of usage reports sent per flush",
		Unit:        "{report}",
		Boundaries:  telemetry.BatchSizeBuckets,
	})
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reportsBuilt:     reportsBuilt,
		deliveries:       deliveries,
		retries:          retries,
		flushes:          flushes,
		queueLength:      queueLength,
		deliveryDuration: deliveryDuration,
		flushSize:        flushSize,
	}, nil
}

// ReportBuilt counts a report produced by the request path.
func (m *Metrics) ReportBuilt(ctx context.Context, operation, pluginType string) {
	if m == nil {
		return
	}
	m.reportsBuilt.Inc(ctx,
		telemetry.AttrOperation.String(operation),
		telemetry.AttrPluginType.String(pluginType),
	)
}

func (m *Metrics) delivery(ctx context.Context, result string, d time.Duration) {
	if m == nil {
		return
	}
	attr := telemetry.AttrDeliveryResult.String(result)
	m.deliveries.Inc(ctx, attr)
	m.deliveryDuration.RecordDuration(ctx, d, attr)
}

func (m *Metrics) retry(ctx context.Context) {
	if m == nil {
		return
	}
	m.retries.Inc(ctx)
}

func (m *Metrics) flush(ctx context.Context, trigger string, size int) {
	if m == nil {
		return
	}
	attr := telemetry.AttrFlushTrigger.String(trigger)
	m.flushes.Inc(ctx, attr)
	m.flushSize.Record(ctx, float64(size), attr)
}

func (m *Metrics) queued(ctx context.Context, length int) {
	if m == nil {
		return
	}
	m.queueLength.Record(ctx, int64(length))
}

func (m *Metrics) droppedOnClose(ctx context.Context) {
	if m == nil {
		return
	}
	m.deliveries.Inc(ctx,
		telemetry.AttrDeliveryResult.String(resultDropped),
		attribute.Bool("usage.after_close", true),
	)
}
