// Package auth verifies issuer-signed bearer tokens and exposes the gin
// middleware that scopes requests to a tenant or to operators.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/logging"
)

// jwk is the subset of RFC 7517 needed to verify RS256 signatures.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

// KeySet caches the issuer's published signing keys. Keys refresh in the
// background on the cache TTL; while the issuer is unreachable the cached
// set keeps serving up to the staleness cap, after which lookups fail
// closed.
type KeySet struct {
	url          string
	ttl          time.Duration
	stalenessCap time.Duration
	client       *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewKeySet builds a key cache for the configured issuer. The JWKS URL
// defaults to the issuer's well-known location.
func NewKeySet(cfg config.AuthConfig) *KeySet {
	url := cfg.JWKSURL
	if url == "" {
		url = strings.TrimRight(cfg.IssuerURL, "/") + "/.well-known/jwks.json"
	}
	return &KeySet{
		url:          url,
		ttl:          cfg.CacheTTL,
		stalenessCap: cfg.StalenessCap,
		client:       &http.Client{Timeout: cfg.FetchTimeout},
		keys:         map[string]*rsa.PublicKey{},
		stopCh:       make(chan struct{}),
	}
}

// Start primes the cache and begins the background refresh loop. A failed
// initial fetch is logged, not fatal: the issuer may come up after us.
func (ks *KeySet) Start(ctx context.Context) {
	if err := ks.refresh(ctx); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Initial signing key fetch failed")
	}
	go ks.refreshLoop()
}

// Stop ends the background refresh loop.
func (ks *KeySet) Stop() {
	ks.stopOnce.Do(func() { close(ks.stopCh) })
}

func (ks *KeySet) refreshLoop() {
	ticker := time.NewTicker(ks.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ks.refresh(context.Background()); err != nil {
				logging.L().WithError(err).Warn("Signing key refresh failed")
			}
		case <-ks.stopCh:
			return
		}
	}
}

func (ks *KeySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}

	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	parsed := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			logging.L().WithError(err).WithField("kid", k.Kid).Warn("Skipping unparseable signing key")
			continue
		}
		parsed[k.Kid] = pub
	}
	if len(parsed) == 0 {
		return fmt.Errorf("jwks at %s contains no usable RSA keys", ks.url)
	}

	ks.mu.Lock()
	ks.keys = parsed
	ks.fetchedAt = time.Now()
	ks.mu.Unlock()
	return nil
}

// Key returns the verification key for kid. A miss triggers one synchronous
// refresh since unknown kids are normal right after key rotation; if the
// refresh fails, a cached key within the staleness cap still serves.
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	key, ok := ks.keys[kid]
	age := time.Since(ks.fetchedAt)
	ks.mu.RUnlock()

	if ok && age <= ks.ttl {
		return key, nil
	}

	if err := ks.refresh(ctx); err != nil {
		if ok && age <= ks.stalenessCap {
			logging.FromContext(ctx).WithError(err).Warn("Serving stale signing key")
			return key, nil
		}
		return nil, fmt.Errorf("signing keys unavailable: %w", err)
	}

	ks.mu.RLock()
	key, ok = ks.keys[kid]
	ks.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}
