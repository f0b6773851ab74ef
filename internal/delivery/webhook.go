package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/models"
)

// signatureHeader carries the hex HMAC-SHA256 of the request body, keyed by
// the channel's signing secret. Receivers verify it before trusting the
// payload.
const signatureHeader = "X-Pulse-Signature"

// WebhookSender posts alert events as JSON to a channel-configured URL.
// Channel config keys: url (required), method (default POST), secret
// (optional, enables signing), headers (optional string map).
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender builds a sender with a per-request timeout. The timeout
// is the whole-attempt budget; retries are the worker's job, not the
// transport's.
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, channel *models.NotificationChannel, payload *models.JobPayload) (string, error) {
	url := channel.Config.String("url")
	if url == "" {
		return "config_invalid", apperrors.NewDeliveryError("webhook", false, errors.New("channel config has no url"))
	}
	method := channel.Config.String("method")
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(payload.Event)
	if err != nil {
		return "encode_failed", apperrors.NewDeliveryError("webhook", false, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return "config_invalid", apperrors.NewDeliveryError("webhook", false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := channel.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if value, ok := v.(string); ok {
				req.Header.Set(k, value)
			}
		}
	}
	if secret := channel.Config.String("secret"); secret != "" {
		req.Header.Set(signatureHeader, signBody(secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "network_error", apperrors.NewDeliveryError("webhook", true, err)
	}
	defer resp.Body.Close()
	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	status := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return status, nil
	}
	return status, apperrors.NewDeliveryError("webhook", retryableHTTPStatus(resp.StatusCode),
		fmt.Errorf("webhook endpoint returned %s", resp.Status))
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
