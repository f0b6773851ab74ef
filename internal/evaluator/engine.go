// Package evaluator derives device liveness and threshold alerts from the
// telemetry store on a fixed tick. Alert state changes go through atomic
// storage primitives keyed by fingerprint, so replicas may tick concurrently
// without double-opening; lifecycle events publish only after their row
// committed.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/pulsegrid/pulse/internal/bus"
	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/models"
)

// WindowCount summarizes one device's samples of a rule's metric inside the
// rule window. Failing counts samples that do NOT breach: a window fires
// only when every sample breaches.
type WindowCount struct {
	Total   int
	Failing int
	Last    float64
}

// AlertChange is what the engine asks the store to open or refresh.
// NextEscalationAt applies on insert only; an already-open alert keeps its
// escalation clock.
type AlertChange struct {
	DeviceID         string
	SiteID           *string
	AlertType        models.AlertType
	Fingerprint      string
	Severity         int
	Confidence       float64
	Summary          string
	Details          models.AlertDetails
	RuleID           *string
	NextEscalationAt *time.Time
}

// DueEscalation pairs an alert with the escalation policy its rule names.
type DueEscalation struct {
	Alert    models.Alert
	PolicyID string
}

// Store is the persistence surface the engine evaluates against.
type Store interface {
	ListTenants(ctx context.Context) ([]string, error)
	Devices(ctx context.Context, tenantID string) ([]models.Device, error)
	SetDeviceStatus(ctx context.Context, tenantID, deviceID string, status models.DeviceStatus) error
	EnabledRules(ctx context.Context, tenantID string) ([]models.AlertRule, error)
	LatestValues(ctx context.Context, tenantID, metric string, since time.Time) (map[string]float64, error)
	WindowCounts(ctx context.Context, tenantID string, rule models.AlertRule, since time.Time) (map[string]WindowCount, error)
	PolicyLevels(ctx context.Context, tenantID, policyID string) ([]models.EscalationLevel, error)
	OpenOrUpdate(ctx context.Context, tenantID string, change AlertChange) (*models.Alert, bool, error)
	CloseByFingerprint(ctx context.Context, tenantID, fingerprint string) (*models.Alert, bool, error)
	DueEscalations(ctx context.Context, tenantID string, now time.Time) ([]DueEscalation, error)
	AdvanceEscalation(ctx context.Context, tenantID, alertID string, level int, nextAt *time.Time) error
}

// EventPublisher is the bus surface the engine needs.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, v interface{}) error
}

// Engine runs the evaluation tick.
type Engine struct {
	store Store
	pub   EventPublisher
	met   *metrics.Metrics
	cfg   config.EvaluatorConfig
}

// New builds the engine.
func New(store Store, pub EventPublisher, met *metrics.Metrics, cfg config.EvaluatorConfig) *Engine {
	return &Engine{store: store, pub: pub, met: met, cfg: cfg}
}

// Run ticks until the context ends. The first tick fires immediately so a
// fresh deploy does not sit idle for a full poll interval.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.tick(ctx, time.Now())
	for {
		select {
		case now := <-ticker.C:
			e.tick(ctx, now)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tick evaluates every tenant once. A store outage aborts the tick; the
// next tick retries from scratch.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() {
		e.met.TickSeconds.Observe(time.Since(start).Seconds())
	}()

	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	logger := logging.FromContext(ctx).WithField("operation", "evaluation_tick")

	tenants, err := e.store.ListTenants(ctx)
	if err != nil {
		logger.WithError(err).Error("Tenant enumeration failed, aborting tick")
		return
	}

	for _, tenantID := range tenants {
		e.evaluateTenant(ctx, tenantID, now)
	}
}

// evaluateTenant runs the full pass for one tenant: device status, heartbeat
// alerts, threshold rules, escalations.
func (e *Engine) evaluateTenant(ctx context.Context, tenantID string, now time.Time) {
	logger := logging.FromContext(ctx).WithField("tenant_id", tenantID)

	devices, err := e.store.Devices(ctx, tenantID)
	if err != nil {
		logger.WithError(err).Error("Device load failed, skipping tenant")
		return
	}
	rules, err := e.store.EnabledRules(ctx, tenantID)
	if err != nil {
		logger.WithError(err).Error("Rule load failed, skipping tenant")
		return
	}

	e.evaluateLiveness(ctx, tenantID, devices, now)

	levels := newLevelCache(e.store, tenantID)
	for _, rule := range rules {
		e.met.RulesEvaluated.WithLabelValues(tenantID).Inc()
		e.evaluateRule(ctx, tenantID, rule, devices, levels, now)
	}

	e.advanceEscalations(ctx, tenantID, levels, now)
}

// evaluateLiveness derives ONLINE/STALE/OFFLINE from last_seen_at and keeps
// one NO_HEARTBEAT alert per silent device. Devices that never reported stay
// PROVISIONED; decommissioned devices are left alone.
func (e *Engine) evaluateLiveness(ctx context.Context, tenantID string, devices []models.Device, now time.Time) {
	for i := range devices {
		dev := &devices[i]
		if dev.Status == models.DeviceDecommissioned || dev.LastSeenAt == nil {
			continue
		}

		age := now.Sub(*dev.LastSeenAt)
		next := models.DeviceOffline
		switch {
		case age < e.cfg.OnlineWindow:
			next = models.DeviceOnline
		case age < e.cfg.StaleWindow:
			next = models.DeviceStale
		}

		if next != dev.Status {
			if err := e.store.SetDeviceStatus(ctx, tenantID, dev.DeviceID, next); err != nil {
				e.ruleError(ctx, tenantID, dev.DeviceID, "", err, "Device status update failed")
				continue
			}
			dev.Status = next
		}

		if next == models.DeviceOnline {
			e.closeAlert(ctx, tenantID, models.HeartbeatFingerprint(dev.DeviceID), now)
			continue
		}

		severity := 3
		if next == models.DeviceOffline {
			severity = 4
		}
		change := AlertChange{
			DeviceID:    dev.DeviceID,
			SiteID:      dev.SiteID,
			AlertType:   models.AlertNoHeartbeat,
			Fingerprint: models.HeartbeatFingerprint(dev.DeviceID),
			Severity:    severity,
			Confidence:  1.0,
			Summary:     fmt.Sprintf("%s silent for %s", dev.DeviceID, age.Round(time.Second)),
			Details: models.AlertDetails{
				"last_seen_at":  dev.LastSeenAt.UTC().Format(time.RFC3339),
				"device_status": string(next),
			},
		}
		e.openAlert(ctx, tenantID, change, now)
	}
}

// evaluateRule applies one threshold rule to every eligible device. Errors
// are logged and counted per rule; one broken rule never stops the tick.
func (e *Engine) evaluateRule(ctx context.Context, tenantID string, rule models.AlertRule, devices []models.Device, levels *levelCache, now time.Time) {
	since := now.Add(-e.windowFor(rule))

	var (
		latest  map[string]float64
		windows map[string]WindowCount
		err     error
	)
	if rule.DurationSeconds == 0 {
		latest, err = e.store.LatestValues(ctx, tenantID, rule.MetricName, since)
	} else {
		windows, err = e.store.WindowCounts(ctx, tenantID, rule, now.Add(-time.Duration(rule.DurationSeconds)*time.Second))
	}
	if err != nil {
		e.ruleError(ctx, tenantID, "", rule.RuleID, err, "Rule window query failed")
		return
	}

	nextEscalation := e.firstEscalationAt(ctx, tenantID, rule, levels, now)

	for i := range devices {
		dev := &devices[i]
		if dev.Status == models.DeviceDecommissioned || !rule.AppliesToSite(dev.SiteID) {
			continue
		}

		fingerprint := models.RuleFingerprint(rule.RuleID, dev.DeviceID)

		var breaching bool
		var observed float64
		if rule.DurationSeconds == 0 {
			v, ok := latest[dev.DeviceID]
			breaching = ok && rule.Operator.Compare(v, rule.Threshold)
			observed = v
		} else {
			// Fire only when the window has samples and every one breaches.
			c := windows[dev.DeviceID]
			breaching = c.Total > 0 && c.Failing == 0
			observed = c.Last
		}

		if !breaching {
			e.closeAlert(ctx, tenantID, fingerprint, now)
			continue
		}

		change := AlertChange{
			DeviceID:    dev.DeviceID,
			SiteID:      dev.SiteID,
			AlertType:   models.AlertThreshold,
			Fingerprint: fingerprint,
			Severity:    rule.Severity,
			Confidence:  1.0,
			Summary: fmt.Sprintf("%s (%g) %s %g",
				rule.MetricName, observed, rule.Operator.Symbol(), rule.Threshold),
			Details: models.AlertDetails{
				"rule_id":        rule.RuleID,
				"metric_name":    rule.MetricName,
				"observed_value": observed,
				"operator":       string(rule.Operator),
				"threshold":      rule.Threshold,
			},
			RuleID:           models.Ptr(rule.RuleID),
			NextEscalationAt: nextEscalation,
		}
		e.openAlert(ctx, tenantID, change, now)
	}
}

// windowFor returns the rollup window of a rule, floored so short rules
// still see recent history.
func (e *Engine) windowFor(rule models.AlertRule) time.Duration {
	window := time.Duration(rule.DurationSeconds) * time.Second
	if window < e.cfg.RollupFloor {
		window = e.cfg.RollupFloor
	}
	return window
}

// firstEscalationAt computes the escalation deadline a fresh alert starts
// with, or nil when the rule has no policy.
func (e *Engine) firstEscalationAt(ctx context.Context, tenantID string, rule models.AlertRule, levels *levelCache, now time.Time) *time.Time {
	if rule.EscalationPolicyID == nil {
		return nil
	}
	ladder, err := levels.get(ctx, *rule.EscalationPolicyID)
	if err != nil {
		e.ruleError(ctx, tenantID, "", rule.RuleID, err, "Escalation policy load failed")
		return nil
	}
	if len(ladder) == 0 {
		return nil
	}
	return models.Ptr(now.Add(time.Duration(ladder[0].DelayMinutes) * time.Minute))
}

// advanceEscalations promotes every due alert one level and emits ESCALATED.
func (e *Engine) advanceEscalations(ctx context.Context, tenantID string, levels *levelCache, now time.Time) {
	due, err := e.store.DueEscalations(ctx, tenantID, now)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("tenant_id", tenantID).
			Error("Escalation scan failed")
		return
	}

	for _, d := range due {
		ladder, err := levels.get(ctx, d.PolicyID)
		if err != nil {
			e.ruleError(ctx, tenantID, d.Alert.DeviceID, deref(d.Alert.RuleID), err, "Escalation policy load failed")
			continue
		}

		nextLevel := d.Alert.EscalationLevel + 1
		if nextLevel > len(ladder) {
			// Ladder exhausted; park the alert so the scan stops finding it.
			if err := e.store.AdvanceEscalation(ctx, tenantID, d.Alert.AlertID, d.Alert.EscalationLevel, nil); err != nil {
				e.ruleError(ctx, tenantID, d.Alert.DeviceID, deref(d.Alert.RuleID), err, "Escalation park failed")
			}
			continue
		}

		var nextAt *time.Time
		if nextLevel < len(ladder) {
			delay := time.Duration(ladder[nextLevel].DelayMinutes) * time.Minute
			nextAt = models.Ptr(now.Add(delay))
		}

		if err := e.store.AdvanceEscalation(ctx, tenantID, d.Alert.AlertID, nextLevel, nextAt); err != nil {
			e.ruleError(ctx, tenantID, d.Alert.DeviceID, deref(d.Alert.RuleID), err, "Escalation advance failed")
			continue
		}

		escalated := d.Alert
		escalated.EscalationLevel = nextLevel
		e.publish(ctx, tenantID, alertEvent(&escalated, models.EventEscalated, now))
	}
}

// openAlert opens or refreshes one alert and emits OPENED when a row was
// actually inserted.
func (e *Engine) openAlert(ctx context.Context, tenantID string, change AlertChange, now time.Time) {
	alert, opened, err := e.store.OpenOrUpdate(ctx, tenantID, change)
	if err != nil {
		e.ruleError(ctx, tenantID, change.DeviceID, deref(change.RuleID), err, "Alert open failed")
		return
	}
	if !opened {
		return
	}
	e.met.AlertsCreated.WithLabelValues(tenantID).Inc()
	e.publish(ctx, tenantID, alertEvent(alert, models.EventOpened, now))
}

// closeAlert closes the live alert behind a fingerprint, if any, and emits
// CLOSED exactly when a row transitioned.
func (e *Engine) closeAlert(ctx context.Context, tenantID, fingerprint string, now time.Time) {
	alert, closed, err := e.store.CloseByFingerprint(ctx, tenantID, fingerprint)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"tenant_id":   tenantID,
			"fingerprint": fingerprint,
		}).Error("Alert close failed")
		return
	}
	if !closed {
		return
	}
	e.publish(ctx, tenantID, alertEvent(alert, models.EventClosed, now))
}

// publish emits one lifecycle event. The row is already committed, so a
// publish failure is logged and dropped; consumers reconcile from storage.
func (e *Engine) publish(ctx context.Context, tenantID string, event models.AlertEvent) {
	if err := e.pub.Publish(ctx, bus.AlertsSubject(tenantID), event); err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"alert_id":  event.AlertID,
			"event":     string(event.Event),
		}).Error("Alert event publish failed")
	}
}

func (e *Engine) ruleError(ctx context.Context, tenantID, deviceID, ruleID string, err error, msg string) {
	e.met.RuleErrors.WithLabelValues(tenantID).Inc()
	logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"device_id": deviceID,
		"rule_id":   ruleID,
	}).Error(msg)
}

// alertEvent shapes the bus message for one lifecycle transition.
func alertEvent(a *models.Alert, event models.AlertEventType, now time.Time) models.AlertEvent {
	return models.AlertEvent{
		TenantID:        a.TenantID,
		AlertID:         a.AlertID,
		Event:           event,
		AlertType:       a.AlertType,
		Fingerprint:     a.Fingerprint,
		Severity:        a.Severity,
		Summary:         a.Summary,
		DeviceID:        a.DeviceID,
		SiteID:          a.SiteID,
		RuleID:          a.RuleID,
		EscalationLevel: a.EscalationLevel,
		OccurredAt:      now.UTC(),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// levelCache memoizes escalation ladders for one tenant inside one tick.
type levelCache struct {
	store    Store
	tenantID string
	ladders  map[string][]models.EscalationLevel
}

func newLevelCache(store Store, tenantID string) *levelCache {
	return &levelCache{store: store, tenantID: tenantID, ladders: make(map[string][]models.EscalationLevel)}
}

func (c *levelCache) get(ctx context.Context, policyID string) ([]models.EscalationLevel, error) {
	if ladder, ok := c.ladders[policyID]; ok {
		return ladder, nil
	}
	ladder, err := c.store.PolicyLevels(ctx, c.tenantID, policyID)
	if err != nil {
		return nil, err
	}
	c.ladders[policyID] = ladder
	return ladder, nil
}
