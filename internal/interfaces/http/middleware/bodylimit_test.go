package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newBodyLimitRouter(limit int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(BodyLimit(BodyLimitConfig{MaxBytes: limit}))
	router.POST("/api/v1/properties", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusBadRequest, "body too large")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	router.GET("/api/v1/properties", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return router
}

func TestBodyLimit(t *testing.T) {
	t.Run("allows request within limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/properties", strings.NewReader("small body"))
		w := serve(newBodyLimitRouter(1024), req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejects declared length over limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/properties", strings.NewReader(strings.Repeat("x", 200)))
		w := serve(newBodyLimitRouter(100), req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Contains(t, w.Body.String(), "Payload Too Large")
		assert.Contains(t, w.Body.String(), `"limit":100`)
	})

	t.Run("allows bodiless requests", func(t *testing.T) {
		w := serve(newBodyLimitRouter(10), httptest.NewRequest(http.MethodGet, "/api/v1/properties", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("caps streamed bodies", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/properties", strings.NewReader(strings.Repeat("x", 100)))
		req.ContentLength = -1
		w := serve(newBodyLimitRouter(50), req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBodyLimit_LogsRejection(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, recorded := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(RequestID())
	router.Use(BodyLimit(BodyLimitConfig{MaxBytes: 8, Logger: zap.New(core)}))
	router.POST("/api/v1/documents", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader("far too long"))
	req.Header.Set(RequestIDHeader, "req-big")
	w := serve(router, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	entries := recorded.FilterMessage("Request body over limit").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-big", fields["request_id"])
	assert.Equal(t, int64(8), fields["limit"])
}

func TestBodyLimit_TrackerSnapshotWithinLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pipeline := &fakePipeline{}
	cfg := DefaultUsageTrackerConfig()
	cfg.MaxCaptureBytes = 16

	router := gin.New()
	router.Use(BodyLimit(BodyLimitConfig{MaxBytes: 16}))
	router.Use(NewUsageTracker(pipeline, cfg).Middleware())
	router.POST("/api/v1/documents", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		require.NoError(t, err)
		c.String(http.StatusOK, string(body))
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader("lease-agreement"))
	req.Header.Set("X-User-ID", "user-1")
	w := serve(router, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lease-agreement", w.Body.String())
	assert.Len(t, pipeline.all(), 1)
}
