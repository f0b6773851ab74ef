package evaluator

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulsegrid/pulse/internal/auth"
	"github.com/pulsegrid/pulse/internal/bus"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/models"
)

// APIStore is the alert surface the customer API serves.
type APIStore interface {
	ListAlerts(ctx context.Context, tenantID string, statuses []models.AlertStatus, limit int) ([]models.Alert, error)
	Alert(ctx context.Context, tenantID, alertID string) (*models.Alert, error)
	Acknowledge(ctx context.Context, tenantID, alertID string) (*models.Alert, bool, error)
	CloseByID(ctx context.Context, tenantID, alertID string) (*models.Alert, bool, error)
}

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

// RegisterRoutes mounts the customer alert API. All routes are tenant
// scoped through the bearer token.
func RegisterRoutes(r gin.IRouter, store APIStore, pub EventPublisher, validator *auth.Validator) {
	h := &apiHandler{store: store, pub: pub}
	grp := r.Group("/customer/v1", auth.RequireTenant(validator))
	grp.GET("/alerts", h.list)
	grp.POST("/alerts/:id/ack", h.ack)
	grp.POST("/alerts/:id/close", h.close)
}

type apiHandler struct {
	store APIStore
	pub   EventPublisher
}

// list returns alerts filtered by status, live ones by default.
func (h *apiHandler) list(c *gin.Context) {
	tenantID := auth.TenantFromContext(c)

	statuses := []models.AlertStatus{models.AlertOpen, models.AlertAcknowledged}
	if raw := c.Query("status"); raw != "" {
		statuses = statuses[:0]
		for _, s := range strings.Split(raw, ",") {
			status := models.AlertStatus(strings.ToUpper(strings.TrimSpace(s)))
			switch status {
			case models.AlertOpen, models.AlertAcknowledged, models.AlertClosed:
				statuses = append(statuses, status)
			default:
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "unknown status " + strconv.Quote(s),
				})
				return
			}
		}
	}

	limit := defaultAlertLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if n > maxAlertLimit {
			n = maxAlertLimit
		}
		limit = n
	}

	alerts, err := h.store.ListAlerts(c.Request.Context(), tenantID, statuses, limit)
	if err != nil {
		h.storageError(c, tenantID, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// ack moves an OPEN alert to ACKNOWLEDGED and emits the lifecycle event.
// Acknowledging twice is a no-op; acknowledging a closed alert is a
// conflict.
func (h *apiHandler) ack(c *gin.Context) {
	tenantID := auth.TenantFromContext(c)
	alertID := c.Param("id")
	ctx := c.Request.Context()

	alert, changed, err := h.store.Acknowledge(ctx, tenantID, alertID)
	if err != nil {
		h.storageError(c, tenantID, err)
		return
	}
	if changed {
		h.publish(ctx, tenantID, alertEvent(alert, models.EventAcknowledged, time.Now()))
		c.JSON(http.StatusOK, gin.H{"alert": alert})
		return
	}

	current, err := h.store.Alert(ctx, tenantID, alertID)
	if err != nil {
		h.storageError(c, tenantID, err)
		return
	}
	switch {
	case current == nil:
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	case current.Status == models.AlertAcknowledged:
		c.JSON(http.StatusOK, gin.H{"alert": current})
	default:
		c.JSON(http.StatusConflict, gin.H{"error": "alert is " + string(current.Status)})
	}
}

// close closes a live alert and emits the lifecycle event. Closing twice is
// a no-op.
func (h *apiHandler) close(c *gin.Context) {
	tenantID := auth.TenantFromContext(c)
	alertID := c.Param("id")
	ctx := c.Request.Context()

	alert, closed, err := h.store.CloseByID(ctx, tenantID, alertID)
	if err != nil {
		h.storageError(c, tenantID, err)
		return
	}
	if closed {
		h.publish(ctx, tenantID, alertEvent(alert, models.EventClosed, time.Now()))
		c.JSON(http.StatusOK, gin.H{"alert": alert})
		return
	}

	current, err := h.store.Alert(ctx, tenantID, alertID)
	if err != nil {
		h.storageError(c, tenantID, err)
		return
	}
	if current == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": current})
}

func (h *apiHandler) publish(ctx context.Context, tenantID string, event models.AlertEvent) {
	if err := h.pub.Publish(ctx, bus.AlertsSubject(tenantID), event); err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"alert_id":  event.AlertID,
			"event":     string(event.Event),
		}).Error("Alert event publish failed")
	}
}

func (h *apiHandler) storageError(c *gin.Context, tenantID string, err error) {
	ctx := c.Request.Context()
	logging.FromContext(ctx).WithError(err).WithField("tenant_id", tenantID).
		Error("Alert storage unavailable")
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":          "alert storage unavailable",
		"correlation_id": logging.GetCorrelationID(ctx),
	})
}
