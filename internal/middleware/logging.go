// Package middleware carries the cross-cutting gin handlers shared by every
// service's HTTP surface: request logging with correlation ids and panic
// recovery.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulsegrid/pulse/internal/logging"
)

// skipPaths are probed constantly by orchestrators and scrapers; logging
// them drowns the useful lines.
var skipPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/live":    true,
	"/metrics": true,
}

// RequestLogger threads a correlation id through the request context and
// logs one line per completed request.
func RequestLogger(component string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}
		c.Header("X-Correlation-ID", correlationID)

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		duration := time.Since(start)
		fields := map[string]interface{}{
			"component":   component,
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": float64(duration.Nanoseconds()) / 1e6,
			"size":        c.Writer.Size(),
			"client_ip":   c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.Errors()
		}

		entry := logging.FromContext(ctx).WithFields(fields)
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("HTTP request completed with server error")
		case c.Writer.Status() >= 400:
			entry.Warn("HTTP request completed with client error")
		case duration > 5*time.Second:
			entry.Warn("HTTP request completed slowly")
		default:
			entry.Info("HTTP request completed")
		}
	}
}
