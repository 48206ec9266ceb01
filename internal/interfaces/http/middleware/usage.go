// Package middleware provides HTTP middleware for the property-management service.
package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nexus/property-management/internal/domain/usage"
	"github.com/nexus/property-management/internal/infrastructure/logger"
	"github.com/nexus/property-management/internal/infrastructure/metering"
	"github.com/nexus/property-management/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// UsageTrackingKey is the gin key holding the request's *usage.Tracking.
const UsageTrackingKey = "usage_tracking"

// UsagePipeline accepts finished reports. *metering.Pipeline satisfies it.
type UsagePipeline interface {
	Submit(report usage.Report) bool
	Drain(ctx context.Context) error
}

// UsageTrackerConfig holds configuration for usage tracking middleware.
type UsageTrackerConfig struct {
	Enabled bool
	// DetailedMetrics attaches request method, path, user agent, content
	// length and the trace id to every report.
	DetailedMetrics bool
	// CaptureResponseBody buffers up to MaxCaptureBytes of each response for
	// output token estimation.
	CaptureResponseBody bool
	// MaxCaptureBytes bounds both request and response snapshots.
	MaxCaptureBytes int64
	CharsPerToken   int
	Logger          *zap.Logger
	Metrics         *metering.Metrics
}

// DefaultUsageTrackerConfig returns default usage tracker configuration.
func DefaultUsageTrackerConfig() UsageTrackerConfig {
	return UsageTrackerConfig{
		Enabled:         true,
		DetailedMetrics: true,
		MaxCaptureBytes: 1 << 20,
		CharsPerToken:   usage.DefaultCharsPerToken,
	}
}

// UsageTracker attaches usage metering to the request lifecycle. It opens a
// tracking context when a request starts, snapshots the request body before
// the handler runs and builds one report per metered response.
type UsageTracker struct {
	config    UsageTrackerConfig
	pipeline  UsagePipeline
	estimator usage.Estimator
	logger    *zap.Logger
}

// NewUsageTracker creates a usage tracker feeding pipeline.
func NewUsageTracker(pipeline UsagePipeline, cfg UsageTrackerConfig) *UsageTracker {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxCaptureBytes <= 0 {
		cfg.MaxCaptureBytes = DefaultUsageTrackerConfig().MaxCaptureBytes
	}

	return &UsageTracker{
		config:    cfg,
		pipeline:  pipeline,
		estimator: usage.NewEstimator(cfg.CharsPerToken),
		logger:    log,
	}
}

// Middleware composes the three lifecycle hooks into one gin handler.
func (t *UsageTracker) Middleware() gin.HandlerFunc {
	if !t.config.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		tracking := t.StartRequest(c)
		if tracking == nil {
			c.Next()
			return
		}

		t.CaptureRequest(c, tracking)

		var capture *captureWriter
		if t.config.CaptureResponseBody {
			capture = &captureWriter{ResponseWriter: c.Writer, limit: t.config.MaxCaptureBytes}
			c.Writer = capture
		}

		// A panicking handler is still metered, with the 500 the recovery
		// middleware will write, and the panic is passed on.
		defer func() {
			r := recover()
			if capture != nil {
				tracking.SetResponseBody(capture.buf.Bytes())
			}
			status := c.Writer.Status()
			if r != nil && !c.Writer.Written() {
				status = http.StatusInternalServerError
			}
			t.finalize(c, tracking, status)
			if r != nil {
				panic(r)
			}
		}()

		c.Next()
	}
}

// StartRequest opens the tracking context. Exempt paths get none and nil is
// returned. A context created earlier by a setter is reused.
func (t *UsageTracker) StartRequest(c *gin.Context) *usage.Tracking {
	if usage.IsExemptPath(requestURI(c.Request)) {
		return nil
	}
	return trackingFor(c)
}

// CaptureRequest snapshots up to MaxCaptureBytes of the request body into
// tracking and restores the body so the handler reads it unchanged.
func (t *UsageTracker) CaptureRequest(c *gin.Context, tracking *usage.Tracking) {
	body := c.Request.Body
	if body == nil || body == http.NoBody {
		return
	}

	snapshot, err := io.ReadAll(io.LimitReader(body, t.config.MaxCaptureBytes))
	// Whatever was read is replayed ahead of the unread remainder.
	c.Request.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(snapshot), body),
		Closer: body,
	}
	if err != nil {
		t.requestLogger(c).Debug("Failed to snapshot request body", zap.Error(err))
		return
	}
	tracking.SetRequestBody(snapshot)
}

// FinalizeResponse builds the report for a completed request and hands it to
// the pipeline. Requests with no resolvable user are not metered. Nothing in
// here can fail or panic into the request.
func (t *UsageTracker) FinalizeResponse(c *gin.Context, tracking *usage.Tracking) {
	t.finalize(c, tracking, c.Writer.Status())
}

func (t *UsageTracker) finalize(c *gin.Context, tracking *usage.Tracking, status int) {
	defer func() {
		if r := recover(); r != nil {
			t.requestLogger(c).Error("Usage report assembly panicked",
				zap.String("path", c.Request.URL.Path),
				zap.Any("error", r),
				zap.Stack("stacktrace"),
			)
		}
	}()

	if tracking == nil {
		return
	}
	snap := tracking.Snapshot()

	billing := usage.ExtractBillingContext(usage.ExtractInput{
		Tenant:    GetTenant(c),
		Headers:   c.Request.Header,
		Body:      snap.RequestBody,
		RequestID: GetRequestID(c),
		ClientIP:  c.ClientIP(),
	})
	if billing.UserID == "" {
		return
	}

	operation := snap.Operation
	if operation == "" {
		operation = usage.ClassifyOperation(c.Request.Method, c.Request.URL.Path)
	}

	report, err := usage.NewReport(usage.ReportParams{
		Billing:    billing,
		Operation:  operation,
		Tokens:     t.estimator.TokenUsage(snap),
		Resources:  snap.Resources(),
		DurationMs: time.Since(snap.StartTime).Milliseconds(),
		HTTPStatus: status,
		Metadata:   t.metadata(c),
	})
	if err != nil {
		t.requestLogger(c).Debug("Usage report not built", zap.Error(err))
		return
	}

	t.config.Metrics.ReportBuilt(c.Request.Context(), report.Operation, report.PluginType)
	t.pipeline.Submit(report)
}

// Drain flushes the pipeline once at shutdown and waits for it, bounded by ctx.
func (t *UsageTracker) Drain(ctx context.Context) error {
	return t.pipeline.Drain(ctx)
}

// requestLogger adds the request and trace ids to the tracker's logger.
func (t *UsageTracker) requestLogger(c *gin.Context) *zap.Logger {
	return logger.WithTraceContext(c.Request.Context(),
		t.logger.With(zap.String("request_id", GetRequestID(c))))
}

func (t *UsageTracker) metadata(c *gin.Context) usage.Metadata {
	if !t.config.DetailedMetrics {
		return nil
	}
	md := usage.Metadata{
		"method": c.Request.Method,
		"path":   requestURI(c.Request),
	}
	if ua := c.Request.UserAgent(); ua != "" {
		md["userAgent"] = ua
	}
	if cl := c.GetHeader("Content-Length"); cl != "" {
		md["contentLength"] = cl
	}
	if traceID := telemetry.GetTraceID(c.Request.Context()); traceID != "" {
		md["traceId"] = traceID
	}
	return md
}

// GetTracking returns the request's tracking context, or nil if none was opened.
func GetTracking(c *gin.Context) *usage.Tracking {
	if v, ok := c.Get(UsageTrackingKey); ok {
		if tracking, ok := v.(*usage.Tracking); ok {
			return tracking
		}
	}
	return nil
}

// SetTokenUsage records authoritative token figures for the current request.
func SetTokenUsage(c *gin.Context, o usage.TokenUsageOverride) {
	trackingFor(c).SetTokenUsage(o)
}

// SetOperation overrides the operation label of the current request.
func SetOperation(c *gin.Context, operation string) {
	trackingFor(c).SetOperation(operation)
}

// SetResourceUsage records compute and storage figures for the current request.
func SetResourceUsage(c *gin.Context, o usage.ResourceUsageOverride) {
	trackingFor(c).SetResourceUsage(o)
}

func trackingFor(c *gin.Context) *usage.Tracking {
	if tracking := GetTracking(c); tracking != nil {
		return tracking
	}
	tracking := usage.NewTracking(time.Now())
	c.Set(UsageTrackingKey, tracking)
	return tracking
}

func requestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

type replayBody struct {
	io.Reader
	io.Closer
}

// captureWriter tees the first limit bytes of the response into buf.
type captureWriter struct {
	gin.ResponseWriter
	buf   bytes.Buffer
	limit int64
}

func (w *captureWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.keep(b[:n])
	return n, err
}

func (w *captureWriter) WriteString(s string) (int, error) {
	n, err := w.ResponseWriter.WriteString(s)
	w.keep([]byte(s[:n]))
	return n, err
}

func (w *captureWriter) keep(b []byte) {
	if room := w.limit - int64(w.buf.Len()); room > 0 {
		w.buf.Write(b[:min(int64(len(b)), room)])
	}
}
