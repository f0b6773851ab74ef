package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/models"
)

type fakeRouterStore struct {
	mu        sync.Mutex
	rules     []models.NotificationRoutingRule
	channels  map[string]*models.NotificationChannel
	jobs      []*models.NotificationJob
	staged    map[string]bool // alert/channel/event -> already inserted
	targets   models.EscalationTargets
	schedules map[string]*models.OnCallSchedule
	layers    map[string][]models.OnCallLayer

	rulesErr error
	jobErr   error
}

func newFakeRouterStore() *fakeRouterStore {
	return &fakeRouterStore{
		channels:  map[string]*models.NotificationChannel{},
		staged:    map[string]bool{},
		schedules: map[string]*models.OnCallSchedule{},
		layers:    map[string][]models.OnCallLayer{},
	}
}

func (s *fakeRouterStore) RoutingRules(context.Context, string) ([]models.NotificationRoutingRule, error) {
	if s.rulesErr != nil {
		return nil, s.rulesErr
	}
	return s.rules, nil
}

func (s *fakeRouterStore) Channel(_ context.Context, _, channelID string) (*models.NotificationChannel, error) {
	return s.channels[channelID], nil
}

func (s *fakeRouterStore) CreateJob(_ context.Context, _ string, job *models.NotificationJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobErr != nil {
		return false, s.jobErr
	}
	key := job.AlertID + "/" + job.ChannelID + "/" + string(job.DeliverOnEvent)
	if s.staged[key] {
		return false, nil
	}
	s.staged[key] = true
	s.jobs = append(s.jobs, job)
	return true, nil
}

func (s *fakeRouterStore) EscalationTargets(context.Context, string, string, int) (models.EscalationTargets, error) {
	return s.targets, nil
}

func (s *fakeRouterStore) Schedule(_ context.Context, _, scheduleID string) (*models.OnCallSchedule, []models.OnCallLayer, []models.OnCallOverride, error) {
	return s.schedules[scheduleID], s.layers[scheduleID], nil, nil
}

type publishedRoute struct {
	subject string
	route   models.RouteMessage
}

type fakeRoutePublisher struct {
	mu     sync.Mutex
	routes []publishedRoute
	err    error
}

func (p *fakeRoutePublisher) Publish(_ context.Context, subject string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if rm, ok := v.(models.RouteMessage); ok {
		p.routes = append(p.routes, publishedRoute{subject: subject, route: rm})
	}
	return nil
}

func webhookChannel(id string) *models.NotificationChannel {
	return &models.NotificationChannel{
		TenantID:    "t-1",
		ChannelID:   id,
		Name:        "ops hook",
		ChannelType: models.ChannelWebhook,
		Config:      models.ChannelConfig{"url": "https://hooks.example.com/x"},
		IsEnabled:   true,
	}
}

func routingRule(id, channelID string, priority int, deliverOn ...string) models.NotificationRoutingRule {
	if len(deliverOn) == 0 {
		deliverOn = []string{"OPENED"}
	}
	return models.NotificationRoutingRule{
		TenantID:    "t-1",
		RuleID:      id,
		Name:        id,
		MinSeverity: 1,
		DeliverOn:   pq.StringArray(deliverOn),
		Priority:    priority,
		ChannelID:   channelID,
		Enabled:     true,
	}
}

func openedEvent(severity int) models.AlertEvent {
	return models.AlertEvent{
		TenantID:    "t-1",
		AlertID:     "alert-1",
		Event:       models.EventOpened,
		AlertType:   models.AlertThreshold,
		Fingerprint: "RULE:r-temp:d-1",
		Severity:    severity,
		Summary:     "temp_c (41.2) > 40",
		DeviceID:    "d-1",
		SiteID:      models.Ptr("site-a"),
		RuleID:      models.Ptr("r-temp"),
		OccurredAt:  time.Now().UTC(),
	}
}

func newTestRouter(store Store, pub JobPublisher) *Router {
	return New(nil, store, pub, metrics.New())
}

func TestRouteStagesJobAndPublishes(t *testing.T) {
	store := newFakeRouterStore()
	store.rules = []models.NotificationRoutingRule{routingRule("nr-1", "ch-1", 10)}
	store.channels["ch-1"] = webhookChannel("ch-1")
	pub := &fakeRoutePublisher{}
	r := newTestRouter(store, pub)

	event := openedEvent(3)
	ok := r.route(context.Background(), &event)

	require.True(t, ok)
	require.Len(t, store.jobs, 1)
	job := store.jobs[0]
	assert.Equal(t, "alert-1", job.AlertID)
	assert.Equal(t, "ch-1", job.ChannelID)
	assert.Equal(t, models.EventOpened, job.DeliverOnEvent)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, event.Fingerprint, job.Payload.Event.Fingerprint)

	require.Len(t, pub.routes, 1)
	assert.Equal(t, "routes.t-1", pub.routes[0].subject)
	assert.Equal(t, job.JobID, pub.routes[0].route.JobID)
	assert.Equal(t, 10, pub.routes[0].route.Priority)
}

func TestRouteSecondDeliveryIsDeduplicated(t *testing.T) {
	store := newFakeRouterStore()
	store.rules = []models.NotificationRoutingRule{routingRule("nr-1", "ch-1", 10)}
	store.channels["ch-1"] = webhookChannel("ch-1")
	pub := &fakeRoutePublisher{}
	r := newTestRouter(store, pub)

	event := openedEvent(3)
	require.True(t, r.route(context.Background(), &event))
	require.True(t, r.route(context.Background(), &event), "redelivery must still ack")

	assert.Len(t, store.jobs, 1, "one job per (alert, channel, event)")
	assert.Len(t, pub.routes, 1, "a duplicate stages nothing")
}

func TestRouteMultipleRulesInPriorityOrder(t *testing.T) {
	store := newFakeRouterStore()
	store.rules = []models.NotificationRoutingRule{
		routingRule("nr-urgent", "ch-1", 10),
		routingRule("nr-audit", "ch-2", 100),
	}
	store.channels["ch-1"] = webhookChannel("ch-1")
	store.channels["ch-2"] = webhookChannel("ch-2")
	pub := &fakeRoutePublisher{}
	r := newTestRouter(store, pub)

	event := openedEvent(3)
	require.True(t, r.route(context.Background(), &event))

	require.Len(t, pub.routes, 2)
	assert.Equal(t, 10, pub.routes[0].route.Priority)
	assert.Equal(t, 100, pub.routes[1].route.Priority)
}

func TestRouteSkipsMissingChannel(t *testing.T) {
	store := newFakeRouterStore()
	store.rules = []models.NotificationRoutingRule{
		routingRule("nr-dead", "ch-gone", 10),
		routingRule("nr-live", "ch-1", 20),
	}
	store.channels["ch-1"] = webhookChannel("ch-1")
	pub := &fakeRoutePublisher{}
	r := newTestRouter(store, pub)

	event := openedEvent(3)
	require.True(t, r.route(context.Background(), &event), "a misconfigured rule must not poison the event")

	require.Len(t, store.jobs, 1)
	assert.Equal(t, "ch-1", store.jobs[0].ChannelID)
}

func TestRouteStorageFailureRequestsRedelivery(t *testing.T) {
	t.Run("rules unavailable", func(t *testing.T) {
		store := newFakeRouterStore()
		store.rulesErr = errors.New("connection refused")
		r := newTestRouter(store, &fakeRoutePublisher{})

		event := openedEvent(3)
		assert.False(t, r.route(context.Background(), &event))
	})

	t.Run("insert fails", func(t *testing.T) {
		store := newFakeRouterStore()
		store.rules = []models.NotificationRoutingRule{routingRule("nr-1", "ch-1", 10)}
		store.channels["ch-1"] = webhookChannel("ch-1")
		store.jobErr = errors.New("insert failed")
		r := newTestRouter(store, &fakeRoutePublisher{})

		event := openedEvent(3)
		assert.False(t, r.route(context.Background(), &event))
	})
}

func TestRouteEscalatedFreezesResponder(t *testing.T) {
	store := newFakeRouterStore()
	rule := routingRule("nr-esc", "ch-1", 10, "ESCALATED")
	store.rules = []models.NotificationRoutingRule{rule}
	store.channels["ch-1"] = webhookChannel("ch-1")
	store.targets = models.EscalationTargets{
		{Kind: "email", Address: "fallback@example.com"},
		{Kind: "oncall", ScheduleID: "s-1"},
	}
	store.schedules["s-1"] = &models.OnCallSchedule{
		TenantID: "t-1", ScheduleID: "s-1", Timezone: "UTC",
	}
	store.layers["s-1"] = []models.OnCallLayer{{
		TenantID:      "t-1",
		ScheduleID:    "s-1",
		Position:      1,
		Responders:    models.Responders{"ana@example.com", "ben@example.com"},
		RotationHours: 24,
		RotationStart: time.Now().Add(-time.Hour),
	}}
	pub := &fakeRoutePublisher{}
	r := newTestRouter(store, pub)

	event := openedEvent(4)
	event.Event = models.EventEscalated
	event.EscalationLevel = 1
	require.True(t, r.route(context.Background(), &event))

	require.Len(t, store.jobs, 1)
	assert.Equal(t, "ana@example.com", store.jobs[0].Payload.RecipientOverride,
		"the responder is resolved at event time and frozen into the payload")
}

func TestRuleMatches(t *testing.T) {
	base := openedEvent(3)

	cases := []struct {
		name  string
		shape func(rule *models.NotificationRoutingRule, event *models.AlertEvent)
		want  bool
	}{
		{"severity at threshold", func(r *models.NotificationRoutingRule, e *models.AlertEvent) {
			r.MinSeverity = 3
		}, true},
		{"severity below threshold", func(r *models.NotificationRoutingRule, e *models.AlertEvent) {
			r.MinSeverity = 4
		}, false},
		{"alert type wildcard", func(r *models.NotificationRoutingRule, e *models.AlertEvent) {
			r.AlertType = nil
		}, true},
		{"alert type match", func(r *models.NotificationRoutingRule, e *models.AlertEvent) {
			at := models.AlertThreshold
			r.AlertType = &at
		}, true},
		{"alert type mismatch", func(r *models.NotificationRoutingRule, e *models.AlertEvent) {
			at := models.AlertNoHeartbeat
			r.AlertType = &at
		}, false},
		{"site filter match", func(r *models.NotificationRoutingRule, e *models.AlertEvent) {
			r.SiteIDs = pq.StringArray{"site-a", "site-b"}
		}, true},
		{"site filter mismatch", func(r *models.NotificationRoutingRule, e *models.AlertEvent) {
			r.SiteIDs = pq.StringArray{"site-z"}
		}, false},
		{"site filter against siteless event", func(r *models.NotificationRoutingRule, e *models.AlertEvent) {
			r.SiteIDs = pq.StringArray{"site-a"}
			e.SiteID = nil
		}, false},
		{"device prefix match", func(r *models.NotificationRoutingRule, e *models.AlertEvent) {
			r.DevicePrefixes = pq.StringArray{"d-"}
		}, true},
		{"device prefix mismatch", func(r *models.NotificationRoutingRule, e *models.AlertEvent) {
			r.DevicePrefixes = pq.StringArray{"sensor-"}
		}, false},
		{"event not in deliver_on", func(r *models.NotificationRoutingRule, e *models.AlertEvent) {
			r.DeliverOn = pq.StringArray{"CLOSED"}
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := routingRule("nr-1", "ch-1", 10)
			event := base
			tc.shape(&rule, &event)
			assert.Equal(t, tc.want, ruleMatches(&rule, &event))
		})
	}
}
