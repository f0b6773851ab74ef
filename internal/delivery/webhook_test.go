package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/models"
)

func webhookChannelFor(url string, extra models.ChannelConfig) *models.NotificationChannel {
	cfg := models.ChannelConfig{"url": url}
	for k, v := range extra {
		cfg[k] = v
	}
	return &models.NotificationChannel{
		TenantID:    "t-1",
		ChannelID:   "ch-1",
		Name:        "ops hook",
		ChannelType: models.ChannelWebhook,
		Config:      cfg,
		IsEnabled:   true,
	}
}

func webhookPayload() *models.JobPayload {
	return &models.JobPayload{Event: models.AlertEvent{
		TenantID:    "t-1",
		AlertID:     "a-1",
		Event:       models.EventOpened,
		AlertType:   models.AlertThreshold,
		Fingerprint: "fp-1",
		Severity:    4,
		Summary:     "humidity (12) < 20",
		DeviceID:    "dev-9",
		OccurredAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}}
}

func TestWebhookSignsBody(t *testing.T) {
	var (
		gotBody      []byte
		gotSignature string
		gotContent   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Pulse-Signature")
		gotContent = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(5 * time.Second)
	payload := webhookPayload()
	channel := webhookChannelFor(server.URL, models.ChannelConfig{"secret": "wh-signing-key"})

	status, err := sender.Send(context.Background(), channel, payload)
	require.NoError(t, err)
	assert.Equal(t, "200", status)
	assert.Equal(t, "application/json", gotContent)

	var sent models.AlertEvent
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, "a-1", sent.AlertID)
	assert.Equal(t, models.EventOpened, sent.Event)

	mac := hmac.New(sha256.New, []byte("wh-signing-key"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSignature)
}

func TestWebhookOmitsSignatureWithoutSecret(t *testing.T) {
	var signature string
	var present bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Pulse-Signature")
		_, present = r.Header["X-Pulse-Signature"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewWebhookSender(5 * time.Second)
	status, err := sender.Send(context.Background(), webhookChannelFor(server.URL, nil), webhookPayload())
	require.NoError(t, err)
	assert.Equal(t, "204", status)
	assert.False(t, present)
	assert.Empty(t, signature)
}

func TestWebhookCustomMethodAndHeaders(t *testing.T) {
	var gotMethod, gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotToken = r.Header.Get("X-Team")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel := webhookChannelFor(server.URL, models.ChannelConfig{
		"method":  http.MethodPut,
		"headers": map[string]interface{}{"X-Team": "noc"},
	})
	sender := NewWebhookSender(5 * time.Second)

	_, err := sender.Send(context.Background(), channel, webhookPayload())
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "noc", gotToken)
}

func TestWebhookStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantErr   bool
		retryable bool
	}{
		{name: "created is success", code: http.StatusCreated},
		{name: "server error retries", code: http.StatusInternalServerError, wantErr: true, retryable: true},
		{name: "bad gateway retries", code: http.StatusBadGateway, wantErr: true, retryable: true},
		{name: "throttling retries", code: http.StatusTooManyRequests, wantErr: true, retryable: true},
		{name: "request timeout retries", code: http.StatusRequestTimeout, wantErr: true, retryable: true},
		{name: "bad request is permanent", code: http.StatusBadRequest, wantErr: true, retryable: false},
		{name: "not found is permanent", code: http.StatusNotFound, wantErr: true, retryable: false},
		{name: "gone is permanent", code: http.StatusGone, wantErr: true, retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			sender := NewWebhookSender(5 * time.Second)
			status, err := sender.Send(context.Background(), webhookChannelFor(server.URL, nil), webhookPayload())

			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.retryable, apperrors.IsRetryableDelivery(err))
			assert.NotEmpty(t, status)
		})
	}
}

func TestWebhookNetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	url := server.URL
	server.Close()

	sender := NewWebhookSender(time.Second)
	status, err := sender.Send(context.Background(), webhookChannelFor(url, nil), webhookPayload())

	require.Error(t, err)
	assert.Equal(t, "network_error", status)
	assert.True(t, apperrors.IsRetryableDelivery(err))
}

func TestWebhookMissingURLIsPermanent(t *testing.T) {
	channel := webhookChannelFor("", nil)

	sender := NewWebhookSender(time.Second)
	status, err := sender.Send(context.Background(), channel, webhookPayload())

	require.Error(t, err)
	assert.Equal(t, "config_invalid", status)
	assert.False(t, apperrors.IsRetryableDelivery(err))
}
