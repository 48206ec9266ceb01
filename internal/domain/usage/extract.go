package usage

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Plugin types accepted in the x-plugin-type header.
const (
	PluginTypeCore        = "core"
	PluginTypeMarketplace = "marketplace"
)

// TenantContext is the authenticated tenant scope attached to a request upstream
// of metering, typically from a verified bearer token.
type TenantContext struct {
	UserID         string
	OrganizationID string
	AppID          string
	RequestID      string
	SessionID      string
}

// Headers is the read side of a header map; http.Header satisfies it.
type Headers interface {
	Get(key string) string
}

// ExtractInput is everything the extractor may read for one request.
type ExtractInput struct {
	Tenant  *TenantContext
	Headers Headers
	// Body is the request payload snapshot, if any.
	Body []byte
	// RequestID is the id assigned by the server when none was supplied.
	RequestID string
	ClientIP  string
}

// BillingContext holds the identifiers resolved for a request.
type BillingContext struct {
	UserID         string
	APIKeyID       string
	OrganizationID string
	AppID          string
	AppUserID      string
	ExternalUserID string
	DepartmentID   string
	Region         string
	ComplianceMode string
	CourseID       string
	ProjectContext map[string]any
	PluginType     string
	PluginID       string
	PluginName     string
	RequestID      string
	SessionID      string
	IPAddress      string
}

// Source is one link of a precedence chain.
type Source struct {
	Name  string
	Value func(in ExtractInput) string
}

// FromTenant reads a tenant context field.
func FromTenant(name string, get func(*TenantContext) string) Source {
	return Source{
		Name: "tenant." + name,
		Value: func(in ExtractInput) string {
			if in.Tenant == nil {
				return ""
			}
			return get(in.Tenant)
		},
	}
}

// FromHeader reads a request header.
func FromHeader(key string) Source {
	return Source{
		Name: "header." + key,
		Value: func(in ExtractInput) string {
			if in.Headers == nil {
				return ""
			}
			return in.Headers.Get(key)
		},
	}
}

// Validated keeps a source's value only when valid accepts it.
func Validated(src Source, valid func(string) bool) Source {
	return Source{
		Name: src.Name,
		Value: func(in ExtractInput) string {
			if v := src.Value(in); v != "" && valid(v) {
				return v
			}
			return ""
		},
	}
}

// FirstPresent returns the first non-empty value along chain.
func FirstPresent(in ExtractInput, chain ...Source) string {
	for _, src := range chain {
		if v := src.Value(in); v != "" {
			return v
		}
	}
	return ""
}

var (
	userIDChain = []Source{
		FromTenant("userId", func(t *TenantContext) string { return t.UserID }),
		FromHeader("x-user-id"),
		FromHeader("x-api-key-user-id"),
	}
	organizationIDChain = []Source{
		FromTenant("organizationId", func(t *TenantContext) string { return t.OrganizationID }),
		FromHeader("x-organization-id"),
	}
	appIDChain = []Source{
		FromTenant("appId", func(t *TenantContext) string { return t.AppID }),
		FromHeader("x-app-id"),
	}
	requestIDChain = []Source{
		FromTenant("requestId", func(t *TenantContext) string { return t.RequestID }),
		FromHeader("x-request-id"),
		{Name: "server.requestId", Value: func(in ExtractInput) string { return in.RequestID }},
	}
	sessionIDChain = []Source{
		FromTenant("sessionId", func(t *TenantContext) string { return t.SessionID }),
		FromHeader("x-session-id"),
	}
	apiKeyIDSource   = Validated(FromHeader("x-api-key-id"), IsUUID)
	pluginTypeSource = Validated(FromHeader("x-plugin-type"), func(v string) bool {
		return v == PluginTypeCore || v == PluginTypeMarketplace
	})
)

// ResolveUserID returns the billable user for a request, or "" when none resolves.
func ResolveUserID(in ExtractInput) string {
	return FirstPresent(in, userIDChain...)
}

// ExtractBillingContext resolves every identifier for a request. It never fails:
// values that are missing or malformed are left empty.
func ExtractBillingContext(in ExtractInput) BillingContext {
	pluginType := FirstPresent(in, pluginTypeSource)
	if pluginType == "" {
		pluginType = PluginTypeCore
	}

	return BillingContext{
		UserID:         ResolveUserID(in),
		APIKeyID:       FirstPresent(in, apiKeyIDSource),
		OrganizationID: FirstPresent(in, organizationIDChain...),
		AppID:          FirstPresent(in, appIDChain...),
		AppUserID:      FirstPresent(in, FromHeader("x-app-user-id")),
		ExternalUserID: FirstPresent(in, FromHeader("x-external-user-id")),
		DepartmentID:   FirstPresent(in, FromHeader("x-department-id")),
		Region:         FirstPresent(in, FromHeader("x-region")),
		ComplianceMode: FirstPresent(in, FromHeader("x-compliance-mode")),
		CourseID:       FirstPresent(in, FromHeader("x-course-id")),
		ProjectContext: extractProjectContext(in),
		PluginType:     pluginType,
		PluginID:       FirstPresent(in, FromHeader("x-plugin-id")),
		PluginName:     FirstPresent(in, FromHeader("x-plugin-name")),
		RequestID:      FirstPresent(in, requestIDChain...),
		SessionID:      FirstPresent(in, sessionIDChain...),
		IPAddress:      in.ClientIP,
	}
}

// IsUUID reports whether s has the canonical 8-4-4-4-12 hex shape.
func IsUUID(s string) bool {
	// uuid.Parse also takes braced and urn: forms; the length pins the canonical one.
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// extractProjectContext reads projectContext from the body, then from the
// x-project-context header. Anything that is not a JSON object is ignored.
func extractProjectContext(in ExtractInput) map[string]any {
	if len(in.Body) > 0 {
		var body struct {
			ProjectContext map[string]any `json:"projectContext"`
		}
		if err := json.Unmarshal(in.Body, &body); err == nil && len(body.ProjectContext) > 0 {
			return body.ProjectContext
		}
	}

	raw := FirstPresent(in, FromHeader("x-project-context"))
	if raw == "" {
		return nil
	}
	var ctx map[string]any
	if err := json.Unmarshal([]byte(raw), &ctx); err != nil {
		return nil
	}
	return ctx
}
