package evaluator

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulse/internal/auth"
	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/models"
)

type fakeAPIStore struct {
	alerts map[string]*models.Alert
	err    error
}

func (s *fakeAPIStore) ListAlerts(_ context.Context, tenantID string, statuses []models.AlertStatus, limit int) ([]models.Alert, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []models.Alert
	for _, a := range s.alerts {
		if a.TenantID != tenantID {
			continue
		}
		for _, st := range statuses {
			if a.Status == st {
				out = append(out, *a)
				break
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeAPIStore) Alert(_ context.Context, tenantID, alertID string) (*models.Alert, error) {
	if s.err != nil {
		return nil, s.err
	}
	a, ok := s.alerts[alertID]
	if !ok || a.TenantID != tenantID {
		return nil, nil
	}
	out := *a
	return &out, nil
}

func (s *fakeAPIStore) Acknowledge(_ context.Context, tenantID, alertID string) (*models.Alert, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	a, ok := s.alerts[alertID]
	if !ok || a.TenantID != tenantID || a.Status != models.AlertOpen {
		return nil, false, nil
	}
	a.Status = models.AlertAcknowledged
	out := *a
	return &out, true, nil
}

func (s *fakeAPIStore) CloseByID(_ context.Context, tenantID, alertID string) (*models.Alert, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	a, ok := s.alerts[alertID]
	if !ok || a.TenantID != tenantID || a.Status == models.AlertClosed {
		return nil, false, nil
	}
	a.Status = models.AlertClosed
	out := *a
	return &out, true, nil
}

type apiHarness struct {
	router *gin.Engine
	store  *fakeAPIStore
	bus    *fakeBus
	token  string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pub := &key.PublicKey
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-key-1",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(issuer.Close)

	authCfg := config.DefaultAuthConfig()
	authCfg.IssuerURL = issuer.URL
	authCfg.JWKSURL = issuer.URL

	claims := &auth.Claims{
		TenantID: "t-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.URL,
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test-key-1"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.CorrelationID())

	store := &fakeAPIStore{alerts: map[string]*models.Alert{}}
	b := &fakeBus{}
	RegisterRoutes(r, store, b, auth.NewValidator(authCfg, auth.NewKeySet(authCfg)))

	return &apiHarness{router: r, store: store, bus: b, token: signed}
}

func (h *apiHarness) seed(id string, status models.AlertStatus) {
	h.store.alerts[id] = &models.Alert{
		TenantID:    "t-1",
		AlertID:     id,
		DeviceID:    "d-1",
		AlertType:   models.AlertThreshold,
		Fingerprint: "RULE:r-temp:" + id,
		Status:      status,
		Severity:    2,
		OpenedAt:    time.Now(),
	}
}

func (h *apiHarness) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+h.token)
	h.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAlertAPIList(t *testing.T) {
	h := newAPIHarness(t)
	h.seed("a-open", models.AlertOpen)
	h.seed("a-acked", models.AlertAcknowledged)
	h.seed("a-closed", models.AlertClosed)

	t.Run("defaults to live alerts", func(t *testing.T) {
		w := h.do(http.MethodGet, "/customer/v1/alerts")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(2), decodeBody(t, w)["count"])
	})

	t.Run("status filter", func(t *testing.T) {
		w := h.do(http.MethodGet, "/customer/v1/alerts?status=CLOSED")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(1), decodeBody(t, w)["count"])
	})

	t.Run("unknown status is a bad request", func(t *testing.T) {
		w := h.do(http.MethodGet, "/customer/v1/alerts?status=SNOOZED")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad limit is a bad request", func(t *testing.T) {
		w := h.do(http.MethodGet, "/customer/v1/alerts?limit=-3")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing token is unauthorized", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/customer/v1/alerts", nil)
		h.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAlertAPIAcknowledge(t *testing.T) {
	h := newAPIHarness(t)
	h.seed("a-1", models.AlertOpen)

	t.Run("open alert acknowledges", func(t *testing.T) {
		w := h.do(http.MethodPost, "/customer/v1/alerts/a-1/ack")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, models.AlertAcknowledged, h.store.alerts["a-1"].Status)

		events := h.bus.byType(models.EventAcknowledged)
		require.Len(t, events, 1)
		assert.Equal(t, "a-1", events[0].AlertID)
	})

	t.Run("second ack is a quiet no-op", func(t *testing.T) {
		w := h.do(http.MethodPost, "/customer/v1/alerts/a-1/ack")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, h.bus.byType(models.EventAcknowledged), 1, "no-op must not emit another event")
	})

	t.Run("closed alert conflicts", func(t *testing.T) {
		h.seed("a-2", models.AlertClosed)
		w := h.do(http.MethodPost, "/customer/v1/alerts/a-2/ack")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unknown alert is not found", func(t *testing.T) {
		w := h.do(http.MethodPost, "/customer/v1/alerts/nope/ack")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAlertAPIClose(t *testing.T) {
	h := newAPIHarness(t)
	h.seed("a-1", models.AlertOpen)

	t.Run("open alert closes", func(t *testing.T) {
		w := h.do(http.MethodPost, "/customer/v1/alerts/a-1/close")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, models.AlertClosed, h.store.alerts["a-1"].Status)
		assert.Len(t, h.bus.byType(models.EventClosed), 1)
	})

	t.Run("second close is a quiet no-op", func(t *testing.T) {
		w := h.do(http.MethodPost, "/customer/v1/alerts/a-1/close")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, h.bus.byType(models.EventClosed), 1)
	})

	t.Run("acknowledged alert closes too", func(t *testing.T) {
		h.seed("a-2", models.AlertAcknowledged)
		w := h.do(http.MethodPost, "/customer/v1/alerts/a-2/close")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, h.bus.byType(models.EventClosed), 2)
	})

	t.Run("unknown alert is not found", func(t *testing.T) {
		w := h.do(http.MethodPost, "/customer/v1/alerts/nope/close")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAlertAPIStorageOutage(t *testing.T) {
	h := newAPIHarness(t)
	h.store.err = context.DeadlineExceeded

	w := h.do(http.MethodGet, "/customer/v1/alerts")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
