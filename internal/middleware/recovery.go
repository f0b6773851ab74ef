package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/sentry"
)

// Recovery converts handler panics into 500 responses. The panic is logged
// with its stack and reported to the error tracker; the connection stays
// usable for the next request.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				ctx := c.Request.Context()
				err := fmt.Errorf("panic in handler: %v", r)

				logging.FromContext(ctx).WithFields(map[string]interface{}{
					"operation":   "panic_recovery",
					"path":        c.Request.URL.Path,
					"panic_value": fmt.Sprintf("%v", r),
					"stack_trace": string(debug.Stack()),
				}).Error("Panic recovered in HTTP handler")

				sentry.CaptureErrorWithContext(ctx, err, map[string]string{
					"path": c.Request.URL.Path,
				}, nil)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"status":         "error",
					"correlation_id": logging.GetCorrelationID(ctx),
				})
			}
		}()
		c.Next()
	}
}
