package ingest

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulsegrid/pulse/internal/auth"
	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/logging"
)

// CredentialVerifier checks device provision tokens; the repository
// implements it.
type CredentialVerifier interface {
	VerifyProvisionToken(ctx context.Context, tenantID, deviceID, token string) *apperrors.AppError
}

// RegisterRoutes mounts the device-facing ingest API. Devices authenticate
// with either a tenant-scoped bearer token or an X-Provision-Token checked
// against their stored credential.
func RegisterRoutes(r gin.IRouter, pipe *Pipeline, creds CredentialVerifier, validator *auth.Validator) {
	h := &httpFront{pipe: pipe, creds: creds, requireTenant: auth.RequireTenant(validator)}
	r.POST("/ingest/v1/tenant/:tenant/device/:device/telemetry", h.authenticate, h.telemetry)
}

type httpFront struct {
	pipe          *Pipeline
	creds         CredentialVerifier
	requireTenant gin.HandlerFunc
}

// authenticate accepts a provision token when present, otherwise falls back
// to bearer JWT with the tenant claim bound to the path tenant.
func (h *httpFront) authenticate(c *gin.Context) {
	tenantID := c.Param("tenant")
	deviceID := c.Param("device")

	token := c.GetHeader("X-Provision-Token")
	if token == "" {
		h.requireTenant(c)
		return
	}

	if appErr := h.creds.VerifyProvisionToken(c.Request.Context(), tenantID, deviceID, token); appErr != nil {
		correlationID := logging.GetCorrelationID(c.Request.Context())
		logging.FromContext(c.Request.Context()).WithFields(map[string]interface{}{
			"operation": "provision_auth",
			"tenant_id": tenantID,
			"device_id": deviceID,
		}).Warn("Provision token rejected")
		c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
			"status":           "rejected",
			"rejection_reason": apperrors.ReasonBadCredentials,
			"correlation_id":   correlationID,
		})
		return
	}

	c.Set(auth.ContextTenantKey, tenantID)
	c.Next()
}

// telemetry ingests one envelope synchronously: 202 when the record entered
// a batch buffer, 4xx with the stable rejection reason otherwise.
func (h *httpFront) telemetry(c *gin.Context) {
	tenantID := c.Param("tenant")
	deviceID := c.Param("device")

	// Read one byte past the cap so oversize bodies are detected without
	// buffering arbitrarily large payloads.
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.pipe.cfg.MaxPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":           "rejected",
			"rejection_reason": apperrors.ReasonSchemaInvalid,
		})
		return
	}

	ctx := c.Request.Context()
	if appErr := h.pipe.Accept(ctx, tenantID, deviceID, body, c.Request.URL.Path); appErr != nil {
		reason := apperrors.RejectionReason(appErr)
		if reason == "" {
			// Not a rejection: staging or storage failed. 503 invites retry.
			logging.FromContext(ctx).WithError(appErr).WithFields(map[string]interface{}{
				"operation": "http_ingest",
				"tenant_id": tenantID,
				"device_id": deviceID,
			}).Error("Envelope accepted by no path")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":         "error",
				"correlation_id": logging.GetCorrelationID(ctx),
			})
			return
		}
		c.JSON(appErr.HTTPStatus, gin.H{
			"status":           "rejected",
			"rejection_reason": reason,
			"message":          appErr.Message,
			"correlation_id":   logging.GetCorrelationID(ctx),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "ts": time.Now().UTC()})
}
