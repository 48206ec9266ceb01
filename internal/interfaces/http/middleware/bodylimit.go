package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BodyLimitConfig bounds request bodies.
type BodyLimitConfig struct {
	MaxBytes int64
	Logger   *zap.Logger
}

// BodyLimit answers 413 when the declared length exceeds MaxBytes. Bodies of
// unknown length are cut off at MaxBytes and the handler sees a read error.
func BodyLimit(cfg BodyLimitConfig) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		if declared := c.Request.ContentLength; declared > cfg.MaxBytes {
			log.Debug("Request body over limit",
				zap.String("request_id", GetRequestID(c)),
				zap.String("path", c.Request.URL.Path),
				zap.Int64("content_length", declared),
				zap.Int64("limit", cfg.MaxBytes),
			)
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "Payload Too Large",
				"message": "Request body exceeds maximum allowed size",
				"limit":   cfg.MaxBytes,
			})
			return
		}

		if body := c.Request.Body; body != nil && body != http.NoBody {
			c.Request.Body = http.MaxBytesReader(c.Writer, body, cfg.MaxBytes)
		}
		c.Next()
	}
}
