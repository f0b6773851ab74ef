package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pulsegrid/pulse/internal/bus"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/models"
)

// consumerDurable names the shared durable group on the ROUTES stream.
const consumerDurable = "delivery"

// Stager is the queue surface the consumer needs.
type Stager interface {
	Enqueue(ctx context.Context, ref JobRef, priority int) error
}

// Consumer moves routed job pointers from the bus onto the Redis pending
// set. Staging is idempotent (the set keys on the ref), so redelivered
// route messages never double-stage.
type Consumer struct {
	bus   *bus.Bus
	queue Stager
	sub   *nats.Subscription
}

// NewConsumer builds the ROUTES consumer.
func NewConsumer(b *bus.Bus, queue Stager) *Consumer {
	return &Consumer{bus: b, queue: queue}
}

// Start attaches the durable consumer.
func (c *Consumer) Start() error {
	sub, err := c.bus.QueueSubscribe(bus.StreamRoutes, consumerDurable, "routes.>", c.handle)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Stop drains the subscription so in-flight handlers finish.
func (c *Consumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Drain()
	}
}

func (c *Consumer) handle(msg *nats.Msg) {
	var route models.RouteMessage
	if err := json.Unmarshal(msg.Data, &route); err != nil || route.TenantID == "" || route.JobID == "" {
		logging.L().WithComponent("delivery").
			WithField("subject", msg.Subject).
			Warn("Dropping undecodable route message")
		_ = msg.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ref := JobRef{TenantID: route.TenantID, JobID: route.JobID}
	if err := c.queue.Enqueue(ctx, ref, route.Priority); err != nil {
		logging.L().WithComponent("delivery").WithError(err).WithFields(map[string]interface{}{
			"tenant_id": route.TenantID,
			"job_id":    route.JobID,
		}).Error("Job staging failed, requesting redelivery")
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}
