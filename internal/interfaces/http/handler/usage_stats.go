package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nexus/property-management/internal/infrastructure/metering"
)

// UsageStatsHandler exposes the state of the usage pipeline to operators.
type UsageStatsHandler struct {
	stats func() metering.PipelineStats
}

// NewUsageStatsHandler creates a handler reading stats on every request.
func NewUsageStatsHandler(stats func() metering.PipelineStats) *UsageStatsHandler {
	return &UsageStatsHandler{stats: stats}
}

// PipelineStatsResponse is the body of GET /api/v1/usage/pipeline.
type PipelineStatsResponse struct {
	Batching     bool   `json:"batching"`
	Draining     bool   `json:"draining"`
	Queued       int    `json:"queued"`
	TimerPending bool   `json:"timerPending"`
	Flushes      int64  `json:"flushes"`
}

// Pipeline reports queue depth, timer state and flush count.
func (h *UsageStatsHandler) Pipeline(c *gin.Context) {
	s := h.stats()
	c.JSON(http.StatusOK, PipelineStatsResponse{
		Batching:     s.Batching,
		Draining:     s.Draining,
		Queued:       s.Queue.Queued,
		TimerPending: s.Queue.TimerPending,
		Flushes:      s.Queue.Flushes,
	})
}
