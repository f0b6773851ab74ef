package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pulsegrid/pulse/internal/bus"
	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/logging"
)

// consumerDurable names the shared durable group; every ingestd replica
// joins it so the INGEST stream is worked once.
const consumerDurable = "ingest-workers"

// Consumer pulls raw envelopes off the INGEST stream and runs them through
// the validation chain. Rejections are quarantined and acked: a poison
// envelope must not redeliver. Transient failures nak for redelivery.
type Consumer struct {
	bus  *bus.Bus
	pipe *Pipeline
	sub  *nats.Subscription
}

// NewConsumer builds the stream consumer over the shared pipeline.
func NewConsumer(b *bus.Bus, p *Pipeline) *Consumer {
	return &Consumer{bus: b, pipe: p}
}

// Start attaches the durable consumer.
func (c *Consumer) Start() error {
	sub, err := c.bus.QueueSubscribe(bus.StreamIngest, consumerDurable, "ingest.>", c.handle)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

func (c *Consumer) handle(msg *nats.Msg) {
	tenantID, deviceID, ok := splitIngestSubject(msg.Subject)
	if !ok {
		// Nothing useful can come of redelivering a malformed subject.
		logging.L().WithComponent("ingest_consumer").
			WithField("subject", msg.Subject).
			Warn("Dropping message on unparseable subject")
		_ = msg.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())

	appErr := c.pipe.Accept(ctx, tenantID, deviceID, msg.Data, msg.Subject)
	if appErr != nil && apperrors.RejectionReason(appErr) == "" {
		// Store or queue trouble, not a bad envelope. Redeliver.
		logging.FromContext(ctx).WithError(appErr).WithFields(map[string]interface{}{
			"operation": "ingest_consume",
			"tenant_id": tenantID,
			"device_id": deviceID,
		}).Warn("Envelope not staged, requesting redelivery")
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// splitIngestSubject parses ingest.<tenant>.<device>.
func splitIngestSubject(subject string) (tenantID, deviceID string, ok bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != "ingest" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Stop drains the subscription so in-flight handlers finish.
func (c *Consumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Drain()
	}
}
