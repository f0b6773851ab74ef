package delivery

import (
	"context"
	"net/http"

	"github.com/pulsegrid/pulse/internal/models"
)

// Sender dispatches one rendered notification over a transport. It returns
// a short transport status for the attempt log ("200", "trap_sent",
// "smtp_error") and, on failure, an error built with
// apperrors.NewDeliveryError so the worker can read retryability off it.
// A nil error means the notification was handed to the destination.
type Sender interface {
	Send(ctx context.Context, channel *models.NotificationChannel, payload *models.JobPayload) (string, error)
}

// Registry maps channel types to their senders.
type Registry struct {
	senders map[models.ChannelType]Sender
}

// NewRegistry returns an empty registry; mains register the transports the
// deployment supports.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[models.ChannelType]Sender)}
}

// Register binds a sender to a channel type, replacing any previous binding.
func (r *Registry) Register(t models.ChannelType, s Sender) {
	r.senders[t] = s
}

// Sender returns the sender for a channel type.
func (r *Registry) Sender(t models.ChannelType) (Sender, bool) {
	s, ok := r.senders[t]
	return s, ok
}

// retryableHTTPStatus reports whether an HTTP response code is worth
// retrying. Server errors, throttling, and request timeouts are transient;
// every other 4xx is a permanent rejection of this payload.
func retryableHTTPStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
