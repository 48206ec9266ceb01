package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nexus/property-management/internal/domain/usage"
	"github.com/nexus/property-management/internal/infrastructure/telemetry"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Outbound marker headers attached to every delivery.
const (
	HeaderInternalRequest = "X-Internal-Request"
	HeaderSource          = "X-Source"

	SourceName = "nexus-property-management"
)

// Client delivery errors.
var (
	// ErrRejected means the collector refused the report with a non-retryable status.
	ErrRejected = errors.New("metering: report rejected by collector")
	// ErrRetriesExhausted means every permitted attempt failed transiently.
	ErrRetriesExhausted = errors.New("metering: delivery retries exhausted")
	// ErrAttemptTimeout means a single attempt hit the per-call timeout.
	ErrAttemptTimeout = errors.New("metering: delivery attempt timed out")
)

// StatusError carries a non-2xx collector response status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector responded with HTTP %d", e.StatusCode)
}

// Transient reports whether the status may succeed on retry.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// ClientConfig configures a delivery Client.
type ClientConfig struct {
	// Endpoint is the collector URL reports are POSTed to.
	Endpoint string
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
	// MaxDeliveryTime bounds the whole attempt sequence. Zero means no overall cap.
	MaxDeliveryTime time.Duration
	// HTTPClient is used for requests; http.DefaultClient's transport when nil.
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *Metrics
}

// DefaultClientConfig returns the delivery defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Endpoint:   "http://nexus-auth:9101/internal/track-usage",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Second,
	}
}

// Client posts usage reports to the billing collector, one report per request,
// with a fixed-delay bounded retry on transient failures.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *Metrics
}

// NewClient creates a delivery client. Zero timeouts and delays fall back to defaults.
func NewClient(cfg ClientConfig) *Client {
	defaults := DefaultClientConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Per-attempt deadlines come from the request context.
		httpClient = &http.Client{}
	}

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// Send delivers report. It returns nil on a 2xx response, an error wrapping
// ErrRejected on a permanent failure and one wrapping ErrRetriesExhausted when
// transient failures used up every attempt. Outcomes are also logged, so
// callers on the request path may ignore the error.
func (c *Client) Send(ctx context.Context, report usage.Report) error {
	start := time.Now()

	body, err := json.Marshal(report)
	if err != nil {
		c.logger.Warn("Failed to encode usage report, dropping",
			zap.String("operation", report.Operation),
			zap.Error(err),
		)
		c.metrics.delivery(ctx, resultDropped, time.Since(start))
		return fmt.Errorf("metering: encode report: %w", err)
	}

	ctx, span := telemetry.StartSpan(ctx, "usage.deliver",
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute("usage.operation", report.Operation),
	)
	defer span.End()

	if c.config.MaxDeliveryTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.MaxDeliveryTime)
		defer cancel()
	}

	attempts := 0
	operation := func() error {
		attempts++
		return c.attempt(ctx, body, report, attempts)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.RetryDelay), uint64(c.config.MaxRetries)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.metrics.retry(ctx)
		c.logger.Debug("Retrying usage report delivery",
			zap.String("request_id", report.RequestID),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}

	err = backoff.RetryNotify(operation, policy, notify)
	elapsed := time.Since(start)
	telemetry.SetAttributes(span, "usage.attempts", attempts)

	switch {
	case err == nil:
		c.metrics.delivery(ctx, resultDelivered, elapsed)
		telemetry.SetOK(span)
		c.logger.Debug("Usage report delivered",
			zap.String("request_id", report.RequestID),
			zap.String("operation", report.Operation),
			zap.Int("attempts", attempts),
			zap.Duration("duration", elapsed),
		)
		return nil

	case errors.Is(err, ErrRejected):
		c.metrics.delivery(ctx, resultRejected, elapsed)
		telemetry.RecordError(span, err)
		c.logger.Warn("Usage report rejected by collector, dropping",
			zap.String("request_id", report.RequestID),
			zap.String("operation", report.Operation),
			zap.Int("status", statusOf(err)),
			zap.Error(err),
		)
		return err

	default:
		err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
		c.metrics.delivery(ctx, resultDropped, elapsed)
		telemetry.RecordError(span, err)
		c.logger.Warn("Usage report delivery failed, dropping",
			zap.String("request_id", report.RequestID),
			zap.String("operation", report.Operation),
			zap.Int("attempts", attempts),
			zap.Bool("timeout", errors.Is(err, ErrAttemptTimeout)),
			zap.Error(err),
		)
		return err
	}
}

// attempt performs one POST bounded by the per-call timeout. Permanent failures
// are wrapped with backoff.Permanent so the retry loop stops.
func (c *Client) attempt(ctx context.Context, body []byte, report usage.Report, n int) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: build request: %w", ErrRejected, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderInternalRequest, "true")
	req.Header.Set(HeaderSource, SourceName)
	telemetry.InjectHeaders(attemptCtx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			c.logger.Debug("Usage report delivery attempt timed out",
				zap.String("request_id", report.RequestID),
				zap.Int("attempt", n),
				zap.Duration("timeout", c.config.Timeout),
			)
			return fmt.Errorf("%w after %s", ErrAttemptTimeout, c.config.Timeout)
		}
		return fmt.Errorf("metering: post report: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode}
	if statusErr.Transient() {
		return statusErr
	}
	return backoff.Permanent(fmt.Errorf("%w: %w", ErrRejected, statusErr))
}

func statusOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
