package usage

import (
	"errors"
	"maps"
	"math"
)

// ServiceName identifies this service in every usage report.
const ServiceName = "property-management"

// ErrMissingUserID is returned when a report is built without a user to bill.
var ErrMissingUserID = errors.New("usage: user id is required")

// Metadata holds optional diagnostic context about a request.
type Metadata map[string]any

// Report is an immutable usage event produced once per metered request.
// It is serialized as-is to the billing ingestion endpoint.
type Report struct {
	UserID         string         `json:"userId"`
	APIKeyID       string         `json:"apiKeyId,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	AppID          string         `json:"appId,omitempty"`
	AppUserID      string         `json:"appUserId,omitempty"`
	ExternalUserID string         `json:"externalUserId,omitempty"`
	DepartmentID   string         `json:"departmentId,omitempty"`
	Region         string         `json:"region,omitempty"`
	ComplianceMode string         `json:"complianceMode,omitempty"`
	CourseID       string         `json:"courseId,omitempty"`
	ProjectContext map[string]any `json:"projectContext,omitempty"`

	Service    string `json:"service"`
	Operation  string `json:"operation"`
	Model      string `json:"model,omitempty"`
	PluginType string `json:"pluginType,omitempty"`
	PluginID   string `json:"pluginId,omitempty"`
	PluginName string `json:"pluginName,omitempty"`

	InputTokens    int64   `json:"inputTokens"`
	OutputTokens   int64   `json:"outputTokens"`
	EmbeddingCount int64   `json:"embeddingCount"`
	GPUSeconds     float64 `json:"gpuSeconds"`
	StorageBytes   int64   `json:"storageBytes"`
	BandwidthBytes int64   `json:"bandwidthBytes"`

	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`

	DurationMs int64 `json:"durationMs"`
	HTTPStatus int   `json:"httpStatus"`

	Metadata Metadata `json:"metadata,omitempty"`
}

// ReportParams collects everything needed to build a Report.
type ReportParams struct {
	Billing    BillingContext
	Operation  string
	Tokens     TokenUsage
	Resources  ResourceUsage
	DurationMs int64
	HTTPStatus int
	Metadata   Metadata
}

// NewReport builds a Report. Counters are clamped at zero and maps are copied,
// so the report shares no mutable state with its inputs.
func NewReport(p ReportParams) (Report, error) {
	b := p.Billing
	if b.UserID == "" {
		return Report{}, ErrMissingUserID
	}

	return Report{
		UserID:         b.UserID,
		APIKeyID:       b.APIKeyID,
		OrganizationID: b.OrganizationID,
		AppID:          b.AppID,
		AppUserID:      b.AppUserID,
		ExternalUserID: b.ExternalUserID,
		DepartmentID:   b.DepartmentID,
		Region:         b.Region,
		ComplianceMode: b.ComplianceMode,
		CourseID:       b.CourseID,
		ProjectContext: maps.Clone(b.ProjectContext),
		Service:        ServiceName,
		Operation:      p.Operation,
		Model:          p.Tokens.Model,
		PluginType:     b.PluginType,
		PluginID:       b.PluginID,
		PluginName:     b.PluginName,
		InputTokens:    nonNegative(p.Tokens.InputTokens),
		OutputTokens:   nonNegative(p.Tokens.OutputTokens),
		EmbeddingCount: nonNegative(p.Tokens.EmbeddingCount),
		GPUSeconds:     nonNegativeFinite(p.Resources.GPUSeconds),
		StorageBytes:   nonNegative(p.Resources.StorageBytes),
		BandwidthBytes: nonNegative(p.Resources.BandwidthBytes),
		RequestID:      b.RequestID,
		SessionID:      b.SessionID,
		IPAddress:      b.IPAddress,
		DurationMs:     nonNegative(p.DurationMs),
		HTTPStatus:     p.HTTPStatus,
		Metadata:       maps.Clone(p.Metadata),
	}, nil
}

func nonNegative(v int64) int64 {
	return max(v, 0)
}

// nonNegativeFinite maps NaN and infinities to zero; json cannot encode them.
func nonNegativeFinite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return max(v, 0)
}
