package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/docchat/api/internal/config"
)

const (
	discoveryTimeout = 30 * time.Second
	clockSkew        = 30 * time.Second
)

var signingMethods = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384"}

// JWKSVerifier accepts tokens signed by an OIDC issuer. The issuer's key set
// is refreshed in the background until Close.
type JWKSVerifier struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
	stop   context.CancelFunc
}

func NewJWKSVerifier(ctx context.Context, cfg *config.OIDCConfig) (*JWKSVerifier, error) {
	return newJWKSVerifier(ctx, cfg, &http.Client{Timeout: discoveryTimeout})
}

func newJWKSVerifier(ctx context.Context, cfg *config.OIDCConfig, hc *http.Client) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidc: issuer is required")
	}

	dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	meta, err := discover(dctx, hc, cfg.Issuer)
	if err != nil {
		return nil, err
	}

	refreshCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	keys, err := keyfunc.NewDefaultCtx(refreshCtx, []string{meta.JWKSURI})
	if err != nil {
		stop()
		return nil, fmt.Errorf("oidc: failed to load key set from %s: %w", meta.JWKSURI, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
		jwt.WithValidMethods(signingMethods),
	}
	if cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(cfg.ClientID))
	}
	return &JWKSVerifier{keys: keys, parser: jwt.NewParser(opts...), stop: stop}, nil
}

type providerMetadata struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// discover reads the issuer's openid-configuration document.
func discover(ctx context.Context, hc *http.Client, issuer string) (*providerMetadata, error) {
	url := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("oidc: bad discovery url: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc: discovery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc: discovery returned %s", resp.Status)
	}

	var meta providerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("oidc: malformed discovery document: %w", err)
	}
	switch {
	case meta.JWKSURI == "":
		return nil, errors.New("oidc: discovery document has no jwks_uri")
	case strings.TrimRight(meta.Issuer, "/") != strings.TrimRight(issuer, "/"):
		return nil, fmt.Errorf("oidc: discovery issuer %q does not match %q", meta.Issuer, issuer)
	}
	return &meta, nil
}

func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(tokenString, claims, v.keys.Keyfunc); err != nil {
		return nil, fmt.Errorf("oidc: %w", err)
	}
	if claims.UserID == "" {
		return nil, errors.New("oidc: token has no subject")
	}
	return claims, nil
}

// Close stops the key refresh.
func (v *JWKSVerifier) Close() error {
	v.stop()
	return nil
}
