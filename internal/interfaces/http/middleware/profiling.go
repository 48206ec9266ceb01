package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/nexus/property-management/internal/domain/usage"
	"github.com/nexus/property-management/internal/infrastructure/telemetry"
)

// ProfilingLabels runs the rest of the chain under Pyroscope labels for the
// matched route, method and metered operation, so CPU and allocation profiles
// can be sliced per endpoint. Exempt paths run unlabelled.
func ProfilingLabels(enabled bool) gin.HandlerFunc {
	if !enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if usage.IsExemptPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		// Classify on the route pattern so ids never become label values.
		route := routePattern(c)
		labels := telemetry.HTTPRequestLabels(route, c.Request.Method,
			usage.ClassifyOperation(c.Request.Method, route))
		original := c.Request
		telemetry.WithProfilingLabels(original.Context(), labels, func(ctx context.Context) {
			c.Request = original.WithContext(ctx)
			c.Next()
		})
		c.Request = original
	}
}
