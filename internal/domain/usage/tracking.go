package usage

import (
	"sync"
	"time"
)

// TokenUsageOverride carries handler-supplied token figures. Nil fields are left unset.
type TokenUsageOverride struct {
	InputTokens    *int64
	OutputTokens   *int64
	EmbeddingCount *int64
	Model          *string
}

// ResourceUsageOverride carries handler-supplied compute and storage figures.
type ResourceUsageOverride struct {
	GPUSeconds     *float64
	StorageBytes   *int64
	BandwidthBytes *int64
}

// Int64 returns a pointer to v, for use in overrides.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v, for use in overrides.
func Float64(v float64) *float64 { return &v }

// String returns a pointer to v, for use in overrides.
func String(v string) *string { return &v }

// Tracking is the per-request tracking context. It is created at request start,
// annotated by handlers and read once when the response is finalized.
// Setters may be called from any goroutine serving the request.
type Tracking struct {
	mu sync.Mutex

	startTime time.Time

	inputTokens    *int64
	outputTokens   *int64
	embeddingCount *int64
	model          string
	operation      string

	gpuSeconds     *float64
	storageBytes   *int64
	bandwidthBytes *int64

	requestBody  []byte
	responseBody []byte
}

// NewTracking creates a tracking context for a request that started at start.
func NewTracking(start time.Time) *Tracking {
	return &Tracking{startTime: start}
}

// StartTime returns when the request started.
func (t *Tracking) StartTime() time.Time {
	return t.startTime
}

// SetTokenUsage records authoritative token figures. Only non-nil fields are applied.
func (t *Tracking) SetTokenUsage(o TokenUsageOverride) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if o.InputTokens != nil {
		t.inputTokens = Int64(*o.InputTokens)
	}
	if o.OutputTokens != nil {
		t.outputTokens = Int64(*o.OutputTokens)
	}
	if o.EmbeddingCount != nil {
		t.embeddingCount = Int64(*o.EmbeddingCount)
	}
	if o.Model != nil {
		t.model = *o.Model
	}
}

// SetOperation overrides the classified operation label.
func (t *Tracking) SetOperation(operation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operation = operation
}

// SetResourceUsage records compute and storage figures. Only non-nil fields are applied.
func (t *Tracking) SetResourceUsage(o ResourceUsageOverride) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if o.GPUSeconds != nil {
		t.gpuSeconds = Float64(*o.GPUSeconds)
	}
	if o.StorageBytes != nil {
		t.storageBytes = Int64(*o.StorageBytes)
	}
	if o.BandwidthBytes != nil {
		t.bandwidthBytes = Int64(*o.BandwidthBytes)
	}
}

// SetRequestBody stores the request payload snapshot.
func (t *Tracking) SetRequestBody(body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestBody = body
}

// SetResponseBody stores the captured response payload.
func (t *Tracking) SetResponseBody(body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responseBody = body
}

// TrackingSnapshot is a point-in-time copy of a Tracking context.
type TrackingSnapshot struct {
	StartTime      time.Time
	InputTokens    *int64
	OutputTokens   *int64
	EmbeddingCount *int64
	Model          string
	Operation      string
	GPUSeconds     *float64
	StorageBytes   *int64
	BandwidthBytes *int64
	RequestBody    []byte
	ResponseBody   []byte
}

// Snapshot copies the current state.
func (t *Tracking) Snapshot() TrackingSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TrackingSnapshot{
		StartTime:      t.startTime,
		InputTokens:    t.inputTokens,
		OutputTokens:   t.outputTokens,
		EmbeddingCount: t.embeddingCount,
		Model:          t.model,
		Operation:      t.operation,
		GPUSeconds:     t.gpuSeconds,
		StorageBytes:   t.storageBytes,
		BandwidthBytes: t.bandwidthBytes,
		RequestBody:    t.requestBody,
		ResponseBody:   t.responseBody,
	}
}

// ResourceUsage is the resolved compute and storage usage of a request.
type ResourceUsage struct {
	GPUSeconds     float64
	StorageBytes   int64
	BandwidthBytes int64
}

// Resources resolves resource usage; unset figures are zero.
func (s TrackingSnapshot) Resources() ResourceUsage {
	var r ResourceUsage
	if s.GPUSeconds != nil {
		r.GPUSeconds = *s.GPUSeconds
	}
	if s.StorageBytes != nil {
		r.StorageBytes = *s.StorageBytes
	}
	if s.BandwidthBytes != nil {
		r.BandwidthBytes = *s.BandwidthBytes
	}
	return r
}
