package usage

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestResolveUserID_Precedence(t *testing.T) {
	tests := []struct {
		name     string
		in       ExtractInput
		expected string
	}{
		{
			name: "tenant context wins",
			in: ExtractInput{
				Tenant:  &TenantContext{UserID: "tenant-user"},
				Headers: headers("X-User-Id", "header-user", "X-Api-Key-User-Id", "key-user"),
			},
			expected: "tenant-user",
		},
		{
			name:     "x-user-id header next",
			in:       ExtractInput{Headers: headers("X-User-Id", "header-user", "X-Api-Key-User-Id", "key-user")},
			expected: "header-user",
		},
		{
			name:     "x-api-key-user-id header last",
			in:       ExtractInput{Tenant: &TenantContext{}, Headers: headers("X-Api-Key-User-Id", "key-user")},
			expected: "key-user",
		},
		{
			name:     "absent",
			in:       ExtractInput{Headers: headers("X-Region", "eu")},
			expected: "",
		},
		{
			name:     "nil headers",
			in:       ExtractInput{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ResolveUserID(tt.in))
		})
	}
}

func TestExtractBillingContext_Headers(t *testing.T) {
	in := ExtractInput{
		Tenant: &TenantContext{UserID: "u-1", OrganizationID: "org-1", AppID: "app-1"},
		Headers: headers(
			"X-Api-Key-Id", "3F2504E0-4F89-11D3-9A0C-0305E82C3301",
			"X-App-User-Id", "au-1",
			"X-External-User-Id", "ext-1",
			"X-Department-Id", "dep-1",
			"X-Region", "eu-west-1",
			"X-Compliance-Mode", "gdpr",
			"X-Course-Id", "course-1",
			"X-Plugin-Type", "marketplace",
			"X-Plugin-Id", "plug-1",
			"X-Plugin-Name", "Channel Manager",
			"X-Session-Id", "sess-1",
		),
		RequestID: "generated-1",
		ClientIP:  "192.0.2.10",
	}

	b := ExtractBillingContext(in)

	assert.Equal(t, "u-1", b.UserID)
	assert.Equal(t, "3F2504E0-4F89-11D3-9A0C-0305E82C3301", b.APIKeyID)
	assert.Equal(t, "org-1", b.OrganizationID)
	assert.Equal(t, "app-1", b.AppID)
	assert.Equal(t, "au-1", b.AppUserID)
	assert.Equal(t, "ext-1", b.ExternalUserID)
	assert.Equal(t, "dep-1", b.DepartmentID)
	assert.Equal(t, "eu-west-1", b.Region)
	assert.Equal(t, "gdpr", b.ComplianceMode)
	assert.Equal(t, "course-1", b.CourseID)
	assert.Equal(t, PluginTypeMarketplace, b.PluginType)
	assert.Equal(t, "plug-1", b.PluginID)
	assert.Equal(t, "Channel Manager", b.PluginName)
	assert.Equal(t, "sess-1", b.SessionID)
	assert.Equal(t, "generated-1", b.RequestID)
	assert.Equal(t, "192.0.2.10", b.IPAddress)
}

func TestExtractBillingContext_MalformedOptionalFields(t *testing.T) {
	in := ExtractInput{
		Headers: headers(
			"X-User-Id", "u-1",
			"X-Api-Key-Id", "not-a-uuid",
			"X-Plugin-Type", "thirdparty",
			"X-Project-Context", "{broken json",
		),
	}

	b := ExtractBillingContext(in)

	assert.Equal(t, "u-1", b.UserID)
	assert.Empty(t, b.APIKeyID)
	assert.Equal(t, PluginTypeCore, b.PluginType)
	assert.Nil(t, b.ProjectContext)
}

func TestExtractBillingContext_RequestAndSessionPrecedence(t *testing.T) {
	in := ExtractInput{
		Tenant:    &TenantContext{RequestID: "tenant-req", SessionID: "tenant-sess"},
		Headers:   headers("X-Request-Id", "header-req", "X-Session-Id", "header-sess"),
		RequestID: "server-req",
	}
	b := ExtractBillingContext(in)
	assert.Equal(t, "tenant-req", b.RequestID)
	assert.Equal(t, "tenant-sess", b.SessionID)

	in.Tenant = nil
	b = ExtractBillingContext(in)
	assert.Equal(t, "header-req", b.RequestID)
	assert.Equal(t, "header-sess", b.SessionID)

	in.Headers = headers()
	b = ExtractBillingContext(in)
	assert.Equal(t, "server-req", b.RequestID)
	assert.Empty(t, b.SessionID)
}

func TestExtractBillingContext_OrganizationHeaderFallback(t *testing.T) {
	b := ExtractBillingContext(ExtractInput{Headers: headers("X-Organization-Id", "org-h", "X-App-Id", "app-h")})
	assert.Equal(t, "org-h", b.OrganizationID)
	assert.Equal(t, "app-h", b.AppID)
}

func TestExtractBillingContext_ProjectContext(t *testing.T) {
	t.Run("body wins over header", func(t *testing.T) {
		b := ExtractBillingContext(ExtractInput{
			Body:    []byte(`{"name":"Villa","projectContext":{"projectId":"body-p"}}`),
			Headers: headers("X-Project-Context", `{"projectId":"header-p"}`),
		})
		assert.Equal(t, map[string]any{"projectId": "body-p"}, b.ProjectContext)
	})

	t.Run("header used when body has none", func(t *testing.T) {
		b := ExtractBillingContext(ExtractInput{
			Body:    []byte(`{"name":"Villa"}`),
			Headers: headers("X-Project-Context", `{"projectId":"header-p","phase":2}`),
		})
		assert.Equal(t, "header-p", b.ProjectContext["projectId"])
		assert.Equal(t, float64(2), b.ProjectContext["phase"])
	})

	t.Run("non-object body value falls back to header", func(t *testing.T) {
		b := ExtractBillingContext(ExtractInput{
			Body:    []byte(`{"projectContext":"flat"}`),
			Headers: headers("X-Project-Context", `{"projectId":"header-p"}`),
		})
		assert.Equal(t, "header-p", b.ProjectContext["projectId"])
	})

	t.Run("non-JSON body is ignored", func(t *testing.T) {
		b := ExtractBillingContext(ExtractInput{Body: []byte("name=villa")})
		assert.Nil(t, b.ProjectContext)
	})

	t.Run("header that is not an object is absent", func(t *testing.T) {
		b := ExtractBillingContext(ExtractInput{Headers: headers("X-Project-Context", `["a","b"]`)})
		assert.Nil(t, b.ProjectContext)
	})
}

func TestFirstPresent(t *testing.T) {
	in := ExtractInput{Headers: headers("B", "second")}
	got := FirstPresent(in, FromHeader("a"), FromHeader("b"), FromHeader("c"))
	assert.Equal(t, "second", got)

	assert.Empty(t, FirstPresent(in))
}

func TestIsUUID(t *testing.T) {
	assert.True(t, IsUUID("3f2504e0-4f89-11d3-9a0c-0305e82c3301"))
	assert.True(t, IsUUID("3F2504E0-4F89-11D3-9A0C-0305E82C3301"))
	assert.False(t, IsUUID("{3f2504e0-4f89-11d3-9a0c-0305e82c3301}"))
	assert.False(t, IsUUID("urn:uuid:3f2504e0-4f89-11d3-9a0c-0305e82c3301"))
	assert.False(t, IsUUID("3f2504e04f8911d39a0c0305e82c3301"))
	assert.False(t, IsUUID(""))
}
