// Package sentry provides error tracking integration with Sentry/GlitchTip.
// Initialization degrades gracefully: without a DSN every capture is a no-op.
package sentry

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/pulsegrid/pulse/internal/logging"
)

// Init configures the global Sentry client for one service process. A missing
// SENTRY_DSN disables reporting without an error.
func Init(service, version string) error {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		return nil
	}

	environment := os.Getenv("SENTRY_ENVIRONMENT")
	if environment == "" {
		environment = "development"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     fmt.Sprintf("%s@%s", service, version),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			sanitizeEvent(event)
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	return nil
}

// Flush drains buffered events before shutdown.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// CaptureError reports an error with optional tags and extras.
func CaptureError(err error, tags map[string]string, extras map[string]interface{}) {
	if err == nil {
		return
	}

	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	for k, v := range tags {
		scope.SetTag(k, v)
	}
	for k, v := range extras {
		scope.SetExtra(k, v)
	}
	hub.CaptureException(err)
}

// CaptureErrorWithContext reports an error tagged with the request's
// correlation id when the context carries one.
func CaptureErrorWithContext(ctx context.Context, err error, tags map[string]string, extras map[string]interface{}) {
	if err == nil {
		return
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}
	scope := hub.Scope()

	if correlationID := logging.GetCorrelationID(ctx); correlationID != "" {
		scope.SetTag("correlation_id", correlationID)
	}
	for k, v := range tags {
		scope.SetTag(k, v)
	}
	for k, v := range extras {
		scope.SetExtra(k, v)
	}
	hub.CaptureException(err)
}

// sanitizeEvent strips credential-bearing headers before an event leaves the
// process.
func sanitizeEvent(event *sentry.Event) {
	if event.Request != nil {
		delete(event.Request.Headers, "Authorization")
		delete(event.Request.Headers, "Cookie")
		delete(event.Request.Headers, "X-Api-Key")
	}
}
