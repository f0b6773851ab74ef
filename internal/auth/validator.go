package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pulsegrid/pulse/internal/config"
	apperrors "github.com/pulsegrid/pulse/internal/errors"
)

// Claims carries the platform token claims. tid scopes the token to one
// tenant; roles unlock operator surfaces.
type Claims struct {
	TenantID string   `json:"tid"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries the named role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Validator verifies bearer tokens against the issuer's published keys.
type Validator struct {
	keys *KeySet
	cfg  config.AuthConfig
}

// NewValidator wires a validator to a key set.
func NewValidator(cfg config.AuthConfig, keys *KeySet) *Validator {
	return &Validator{keys: keys, cfg: cfg}
}

// Validate parses and verifies a compact JWS token. Only RS256 is accepted;
// the issuer claim must match the configured issuer and the token must carry
// a tenant id.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		return v.keys.Key(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.cfg.IssuerURL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, apperrors.NewAppErrorWithCause(
			apperrors.ErrorTypeAuthentication, "INVALID_TOKEN", "Invalid or expired token", err)
	}
	if claims.TenantID == "" {
		return nil, apperrors.NewAuthenticationError("Token carries no tenant")
	}
	return claims, nil
}
