package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sessionforge/orchestrator/pkg/logger"
)

// RequestLogger logs all HTTP requests with structured logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       path,
			"query":      query,
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"ip":         c.ClientIP(),
		}
		if sessionID := c.Param("id"); sessionID != "" {
			fields["session_id"] = sessionID
		}

		status := c.Writer.Status()
		message := "HTTP request"
		if status >= 500 {
			logger.Error(message, nil, fields)
		} else if status >= 400 {
			logger.Warn(message, fields)
		} else {
			logger.Info(message, fields)
		}
	}
}
