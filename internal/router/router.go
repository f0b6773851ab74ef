// Package router turns alert lifecycle events into delivery jobs. Routing
// rules pick channels per event; the (alert, channel, event) unique key makes
// event replays harmless, so the consumer can nak freely on storage trouble.
package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/pulsegrid/pulse/internal/bus"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/models"
)

// consumerDurable names the shared durable group on the ALERTS stream.
const consumerDurable = "router"

// Store is the persistence surface the router matches against.
type Store interface {
	RoutingRules(ctx context.Context, tenantID string) ([]models.NotificationRoutingRule, error)
	Channel(ctx context.Context, tenantID, channelID string) (*models.NotificationChannel, error)
	CreateJob(ctx context.Context, tenantID string, job *models.NotificationJob) (bool, error)
	EscalationTargets(ctx context.Context, tenantID, ruleID string, level int) (models.EscalationTargets, error)
	Schedule(ctx context.Context, tenantID, scheduleID string) (*models.OnCallSchedule, []models.OnCallLayer, []models.OnCallOverride, error)
}

// JobPublisher is the bus surface the router needs.
type JobPublisher interface {
	Publish(ctx context.Context, subject string, v interface{}) error
}

// Router consumes ALERTS and stages NotificationJobs onto ROUTES.
type Router struct {
	bus   *bus.Bus
	store Store
	pub   JobPublisher
	met   *metrics.Metrics
	sub   *nats.Subscription
}

// New builds the router.
func New(b *bus.Bus, store Store, pub JobPublisher, met *metrics.Metrics) *Router {
	return &Router{bus: b, store: store, pub: pub, met: met}
}

// Start attaches the durable consumer.
func (r *Router) Start() error {
	sub, err := r.bus.QueueSubscribe(bus.StreamAlerts, consumerDurable, "alerts.>", r.handle)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Stop drains the subscription so in-flight handlers finish.
func (r *Router) Stop() {
	if r.sub != nil {
		_ = r.sub.Drain()
	}
}

func (r *Router) handle(msg *nats.Msg) {
	var event models.AlertEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil || event.TenantID == "" {
		logging.L().WithComponent("router").
			WithField("subject", msg.Subject).
			Warn("Dropping undecodable alert event")
		_ = msg.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())

	if r.route(ctx, &event) {
		_ = msg.Ack()
		return
	}
	_ = msg.Nak()
}

// route matches one event against the tenant's rules and stages a job per
// matching rule. Returns false when storage failed and the event should
// redeliver; already-staged jobs are deduplicated on the second pass.
func (r *Router) route(ctx context.Context, event *models.AlertEvent) bool {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"operation": "route_event",
		"tenant_id": event.TenantID,
		"alert_id":  event.AlertID,
		"event":     string(event.Event),
	})
	r.met.RouterEvents.WithLabelValues(event.TenantID, string(event.Event)).Inc()

	rules, err := r.store.RoutingRules(ctx, event.TenantID)
	if err != nil {
		logger.WithError(err).Error("Routing rules unavailable")
		return false
	}

	for i := range rules {
		rule := &rules[i]
		if !ruleMatches(rule, event) {
			continue
		}

		channel, err := r.store.Channel(ctx, event.TenantID, rule.ChannelID)
		if err != nil {
			logger.WithError(err).Error("Channel lookup failed")
			return false
		}
		if channel == nil {
			logger.WithField("rule_id", rule.RuleID).
				Warn("Routing rule points at a missing or disabled channel")
			continue
		}

		payload := models.JobPayload{Event: *event}
		if event.Event == models.EventEscalated {
			payload.RecipientOverride = r.resolveOnCall(ctx, event)
		}

		job := &models.NotificationJob{
			TenantID:       event.TenantID,
			JobID:          uuid.NewString(),
			AlertID:        event.AlertID,
			ChannelID:      rule.ChannelID,
			DeliverOnEvent: event.Event,
			Status:         models.JobPending,
			Payload:        payload,
		}
		created, err := r.store.CreateJob(ctx, event.TenantID, job)
		if err != nil {
			logger.WithError(err).Error("Job insert failed")
			return false
		}
		if !created {
			continue
		}
		r.met.RouterJobsCreated.WithLabelValues(event.TenantID).Inc()

		route := models.RouteMessage{
			TenantID: event.TenantID,
			JobID:    job.JobID,
			Priority: rule.Priority,
		}
		if err := r.pub.Publish(ctx, bus.RoutesSubject(event.TenantID), route); err != nil {
			// The job row exists; the maintenance sweep re-stages it.
			logger.WithError(err).WithField("job_id", job.JobID).
				Error("Route publish failed, job awaits sweep")
		}
	}
	return true
}

// resolveOnCall freezes the responder for an escalation into the payload.
// Resolution trouble downgrades to the channel's configured recipient rather
// than holding the event hostage.
func (r *Router) resolveOnCall(ctx context.Context, event *models.AlertEvent) string {
	if event.RuleID == nil {
		return ""
	}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tenant_id": event.TenantID,
		"rule_id":   *event.RuleID,
	})

	targets, err := r.store.EscalationTargets(ctx, event.TenantID, *event.RuleID, event.EscalationLevel)
	if err != nil {
		logger.WithError(err).Warn("Escalation targets unavailable")
		return ""
	}
	for _, target := range targets {
		if target.Kind != "oncall" || target.ScheduleID == "" {
			continue
		}
		sched, layers, overrides, err := r.store.Schedule(ctx, event.TenantID, target.ScheduleID)
		if err != nil {
			logger.WithError(err).WithField("schedule_id", target.ScheduleID).
				Warn("On-call schedule unavailable")
			continue
		}
		if sched == nil {
			logger.WithField("schedule_id", target.ScheduleID).
				Warn("Escalation target names an unknown schedule")
			continue
		}
		if who := EffectiveResponder(*sched, layers, overrides, event.OccurredAt); who != "" {
			return who
		}
	}
	return ""
}

// ruleMatches applies the rule's filters; empty or NULL filters are
// wildcards. The event must be in deliver_on.
func ruleMatches(rule *models.NotificationRoutingRule, event *models.AlertEvent) bool {
	if event.Severity < rule.MinSeverity {
		return false
	}
	if rule.AlertType != nil && *rule.AlertType != event.AlertType {
		return false
	}
	if len(rule.SiteIDs) > 0 {
		if event.SiteID == nil {
			return false
		}
		match := false
		for _, s := range rule.SiteIDs {
			if s == *event.SiteID {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(rule.DevicePrefixes) > 0 {
		match := false
		for _, p := range rule.DevicePrefixes {
			if strings.HasPrefix(event.DeviceID, p) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	for _, ev := range rule.DeliverOn {
		if ev == string(event.Event) {
			return true
		}
	}
	return false
}
