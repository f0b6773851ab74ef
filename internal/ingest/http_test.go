package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulse/internal/auth"
	"github.com/pulsegrid/pulse/internal/config"
	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/metrics"
)

type fakeVerifier struct{ fail bool }

func (f *fakeVerifier) VerifyProvisionToken(context.Context, string, string, string) *apperrors.AppError {
	if f.fail {
		return apperrors.NewRejectionError(apperrors.ReasonBadCredentials, "Credential rejected").
			WithHTTPStatus(http.StatusUnauthorized)
	}
	return nil
}

func newIngestRouter(t *testing.T, devices *fakeDeviceSource, verifier CredentialVerifier) (*gin.Engine, *fakeSink) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultIngestConfig()
	cfg.Workers = 1

	sink := &fakeSink{}
	limits := NewRateLimiterRegistry(cfg.RatePerSecond, cfg.RateBurst)
	t.Cleanup(limits.Stop)
	pipe := NewPipeline(devices, &fakeClaimer{}, limits, sink, metrics.New(), cfg)
	pipe.Start()
	t.Cleanup(pipe.Stop)

	authCfg := config.DefaultAuthConfig()
	validator := auth.NewValidator(authCfg, auth.NewKeySet(authCfg))

	r := gin.New()
	r.Use(auth.CorrelationID())
	RegisterRoutes(r, pipe, verifier, validator)
	return r, sink
}

func postTelemetry(r *gin.Engine, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost,
		"/ingest/v1/tenant/t-1/device/d-1/telemetry", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHTTPIngest_Accepted(t *testing.T) {
	devices := newFakeDeviceSource(provisionedDevice("t-1", "d-1"))
	r, sink := newIngestRouter(t, devices, &fakeVerifier{})

	w := postTelemetry(r, envelopeBody(t, nil), map[string]string{"X-Provision-Token": "tok.secret"})

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHTTPIngest_RejectionCarriesReason(t *testing.T) {
	devices := newFakeDeviceSource(provisionedDevice("t-1", "d-1"))
	r, _ := newIngestRouter(t, devices, &fakeVerifier{})

	body := envelopeBody(t, func(m map[string]interface{}) {
		m["ts"] = float64(time.Now().Add(-time.Hour).Unix())
	})
	w := postTelemetry(r, body, map[string]string{"X-Provision-Token": "tok.secret"})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.ReasonClockSkew, resp["rejection_reason"])
	assert.Equal(t, []string{apperrors.ReasonClockSkew}, devices.quarantineReasons())
}

func TestHTTPIngest_BadProvisionToken(t *testing.T) {
	devices := newFakeDeviceSource(provisionedDevice("t-1", "d-1"))
	r, sink := newIngestRouter(t, devices, &fakeVerifier{fail: true})

	w := postTelemetry(r, envelopeBody(t, nil), map[string]string{"X-Provision-Token": "bogus"})

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.ReasonBadCredentials, resp["rejection_reason"])
	assert.Equal(t, 0, sink.count())
}

func TestHTTPIngest_MissingAuth(t *testing.T) {
	devices := newFakeDeviceSource(provisionedDevice("t-1", "d-1"))
	r, _ := newIngestRouter(t, devices, &fakeVerifier{})

	w := postTelemetry(r, envelopeBody(t, nil), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "no provision token and no bearer token")
}

func TestHTTPIngest_RateLimited(t *testing.T) {
	devices := newFakeDeviceSource(provisionedDevice("t-1", "d-1"))
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultIngestConfig()
	cfg.Workers = 1
	sink := &fakeSink{}
	limits := NewRateLimiterRegistry(0.0001, 1)
	defer limits.Stop()
	pipe := NewPipeline(devices, &fakeClaimer{}, limits, sink, metrics.New(), cfg)
	pipe.Start()
	defer pipe.Stop()

	authCfg := config.DefaultAuthConfig()
	r := gin.New()
	RegisterRoutes(r, pipe, &fakeVerifier{}, auth.NewValidator(authCfg, auth.NewKeySet(authCfg)))

	headers := map[string]string{"X-Provision-Token": "tok.secret"}
	require.Equal(t, http.StatusAccepted, postTelemetry(r, envelopeBody(t, nil), headers).Code)

	w := postTelemetry(r, envelopeBody(t, nil), headers)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHTTPIngest_OversizePayload(t *testing.T) {
	devices := newFakeDeviceSource(provisionedDevice("t-1", "d-1"))
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultIngestConfig()
	cfg.Workers = 1
	cfg.MaxPayloadBytes = 64
	sink := &fakeSink{}
	limits := NewRateLimiterRegistry(cfg.RatePerSecond, cfg.RateBurst)
	defer limits.Stop()
	pipe := NewPipeline(devices, &fakeClaimer{}, limits, sink, metrics.New(), cfg)
	pipe.Start()
	defer pipe.Stop()

	authCfg := config.DefaultAuthConfig()
	r := gin.New()
	RegisterRoutes(r, pipe, &fakeVerifier{}, auth.NewValidator(authCfg, auth.NewKeySet(authCfg)))

	w := postTelemetry(r, envelopeBody(t, nil), map[string]string{"X-Provision-Token": "tok.secret"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.ReasonPayloadTooLarge, resp["rejection_reason"])
}
