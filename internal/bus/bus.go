// Package bus owns the JetStream connection, the stream layout, and the
// durable consumer settings shared by every component. Raw device envelopes
// travel on INGEST, canonical records on TELEMETRY, alert lifecycle events on
// ALERTS, and routed delivery work on ROUTES.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/logging"
)

// Stream names. Subjects under a stream are tenant-qualified so consumers
// can filter without extra routing tables.
const (
	StreamIngest    = "INGEST"
	StreamTelemetry = "TELEMETRY"
	StreamAlerts    = "ALERTS"
	StreamRoutes    = "ROUTES"
)

// IngestSubject is the raw envelope subject for one device.
func IngestSubject(tenantID, deviceID string) string {
	return fmt.Sprintf("ingest.%s.%s", tenantID, deviceID)
}

// TelemetrySubject is the canonical record subject for one device.
func TelemetrySubject(tenantID, deviceID string) string {
	return fmt.Sprintf("telemetry.%s.%s", tenantID, deviceID)
}

// AlertsSubject carries alert lifecycle events for one tenant.
func AlertsSubject(tenantID string) string {
	return fmt.Sprintf("alerts.%s", tenantID)
}

// RoutesSubject carries routed delivery work for one tenant.
func RoutesSubject(tenantID string) string {
	return fmt.Sprintf("routes.%s", tenantID)
}

// Bus wraps the NATS connection and its JetStream context.
type Bus struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg config.BusConfig
}

// Connect dials the bus, retrying the initial connection with exponential
// backoff. After the first success the client reconnects on its own.
func Connect(cfg config.BusConfig) (*Bus, error) {
	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"operation": "bus_connection",
		"url":       cfg.URL,
		"client":    cfg.Name,
	})

	logger.Info("Establishing bus connection")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("Bus connection lost")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("Bus connection restored")
		}),
	}

	var nc *nats.Conn
	connect := func() error {
		var err error
		nc, err = nats.Connect(cfg.URL, opts...)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(connect, policy); err != nil {
		logger.WithError(err).Error("Failed to connect to bus")
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	logger.Info("Bus connected successfully")
	return &Bus{nc: nc, js: js, cfg: cfg}, nil
}

// streamConfigs enumerates the platform streams with their retention limits.
func streamConfigs(cfg config.BusConfig) []*nats.StreamConfig {
	return []*nats.StreamConfig{
		{
			Name:     StreamIngest,
			Subjects: []string{"ingest.>"},
			MaxAge:   cfg.TelemetryMaxAge,
			MaxBytes: cfg.TelemetryMaxBytes,
			Storage:  nats.FileStorage,
		},
		{
			Name:     StreamTelemetry,
			Subjects: []string{"telemetry.>"},
			MaxAge:   cfg.TelemetryMaxAge,
			MaxBytes: cfg.TelemetryMaxBytes,
			Storage:  nats.FileStorage,
		},
		{
			Name:     StreamAlerts,
			Subjects: []string{"alerts.>"},
			MaxAge:   cfg.TelemetryMaxAge,
			MaxBytes: cfg.TelemetryMaxBytes,
			Storage:  nats.FileStorage,
		},
		{
			Name:     StreamRoutes,
			Subjects: []string{"routes.>"},
			MaxAge:   cfg.RoutesMaxAge,
			MaxBytes: cfg.RoutesMaxBytes,
			Storage:  nats.FileStorage,
		},
	}
}

// EnsureStreams creates the platform streams if they are missing and applies
// retention settings to streams that already exist. Safe to call from every
// component at startup.
func (b *Bus) EnsureStreams(ctx context.Context) error {
	logger := logging.FromContext(ctx).WithField("operation", "ensure_streams")

	for _, sc := range streamConfigs(b.cfg) {
		_, err := b.js.StreamInfo(sc.Name, nats.Context(ctx))
		switch {
		case err == nil:
			if _, err := b.js.UpdateStream(sc, nats.Context(ctx)); err != nil {
				return fmt.Errorf("update stream %s: %w", sc.Name, err)
			}
		case err == nats.ErrStreamNotFound:
			if _, err := b.js.AddStream(sc, nats.Context(ctx)); err != nil {
				return fmt.Errorf("create stream %s: %w", sc.Name, err)
			}
			logger.WithField("stream", sc.Name).Info("Stream created")
		default:
			return fmt.Errorf("inspect stream %s: %w", sc.Name, err)
		}
	}
	return nil
}

// Publish marshals v as JSON and publishes it, waiting for the stream ack.
func (b *Bus) Publish(ctx context.Context, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", subject, err)
	}
	return b.PublishRaw(ctx, subject, data)
}

// PublishRaw publishes a pre-encoded payload.
func (b *Bus) PublishRaw(ctx context.Context, subject string, data []byte) error {
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// QueueSubscribe attaches a durable queue consumer to a stream. Messages must
// be acked or nak'd by the handler; unacked messages redeliver up to the
// configured MaxDeliver.
func (b *Bus) QueueSubscribe(stream, durable, subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := b.js.QueueSubscribe(subject, durable, handler,
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxDeliver(b.cfg.MaxDeliver),
		nats.MaxAckPending(b.cfg.MaxAckPending),
		nats.BindStream(stream),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s on %s: %w", durable, stream, err)
	}
	return sub, nil
}

// Connected reports whether the underlying connection is currently up.
func (b *Bus) Connected() bool {
	return b.nc != nil && b.nc.Status() == nats.CONNECTED
}

// Health returns an error when the connection is down.
func (b *Bus) Health(_ context.Context) error {
	if !b.Connected() {
		return fmt.Errorf("bus not connected: %s", b.nc.Status())
	}
	return nil
}

// Close drains in-flight messages and closes the connection.
func (b *Bus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		logging.L().WithError(err).Warn("Bus drain failed, closing anyway")
		b.nc.Close()
	}
}
