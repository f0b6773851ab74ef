package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/logging"
)

// Gin context keys set by the middleware.
const (
	ContextTenantKey = "tenant_id"
	ContextClaimsKey = "claims"
)

// TenantFromContext returns the authenticated tenant id, empty when the
// request did not pass RequireTenant.
func TenantFromContext(c *gin.Context) string {
	if v, ok := c.Get(ContextTenantKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ClaimsFromContext returns the verified token claims, nil when absent.
func ClaimsFromContext(c *gin.Context) *Claims {
	if v, ok := c.Get(ContextClaimsKey); ok {
		if cl, ok := v.(*Claims); ok {
			return cl
		}
	}
	return nil
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func abortWithError(c *gin.Context, appErr *apperrors.AppError) {
	correlationID := logging.GetCorrelationID(c.Request.Context())
	if correlationID != "" && appErr.CorrelationID == "" {
		appErr = appErr.WithCorrelationID(correlationID)
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
}

// RequireTenant verifies the bearer token and binds the request to the
// token's tenant. When the route carries a :tenant parameter it must match
// the token; a mismatch is a 403, not a 404, so probing stays visible.
func RequireTenant(v *Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortWithError(c, apperrors.NewAuthenticationError("Missing bearer token"))
			return
		}

		claims, err := v.Validate(c.Request.Context(), token)
		if err != nil {
			if appErr, ok := err.(*apperrors.AppError); ok {
				abortWithError(c, appErr)
			} else {
				abortWithError(c, apperrors.NewAuthenticationError("Invalid token"))
			}
			return
		}

		if route := c.Param("tenant"); route != "" && route != claims.TenantID {
			abortWithError(c, apperrors.NewAuthorizationError("Token is not valid for this tenant"))
			return
		}

		c.Set(ContextTenantKey, claims.TenantID)
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// RequireOperator verifies the bearer token and requires the operator role.
func RequireOperator(v *Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortWithError(c, apperrors.NewAuthenticationError("Missing bearer token"))
			return
		}

		claims, err := v.Validate(c.Request.Context(), token)
		if err != nil {
			if appErr, ok := err.(*apperrors.AppError); ok {
				abortWithError(c, appErr)
			} else {
				abortWithError(c, apperrors.NewAuthenticationError("Invalid token"))
			}
			return
		}

		if !claims.HasRole(v.cfg.OperatorRole) {
			abortWithError(c, apperrors.NewAuthorizationError("Operator role required"))
			return
		}

		c.Set(ContextTenantKey, claims.TenantID)
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// CorrelationID stamps every request with a correlation id and echoes it in
// the response so client logs can be joined with ours.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Correlation-ID")
		if id == "" {
			id = logging.NewCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", id)
		c.Next()
	}
}
