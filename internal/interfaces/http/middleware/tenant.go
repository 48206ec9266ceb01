package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/nexus/property-management/internal/domain/usage"
)

// TenantContextKey holds the *usage.TenantContext of an authenticated request.
const TenantContextKey = "tenant_context"

// SetTenant attaches the tenant identity to the request.
func SetTenant(c *gin.Context, tenant *usage.TenantContext) {
	c.Set(TenantContextKey, tenant)
}

// GetTenant returns the tenant identity, or nil when none was attached.
func GetTenant(c *gin.Context) *usage.TenantContext {
	if v, ok := c.Get(TenantContextKey); ok {
		if tenant, ok := v.(*usage.TenantContext); ok {
			return tenant
		}
	}
	return nil
}

// GetOrganizationID returns the organization of the authenticated tenant, falling
// back to the X-Organization-ID header.
func GetOrganizationID(c *gin.Context) string {
	if tenant := GetTenant(c); tenant != nil && tenant.OrganizationID != "" {
		return tenant.OrganizationID
	}
	return truncate(c.GetHeader("X-Organization-ID"), MaxTenantIDLength)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
