package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/docchat/api/internal/config"
)

const testKID = "key-1"

type testIssuer struct {
	srv *httptest.Server
	key *rsa.PrivateKey
	// discovery overrides the openid-configuration body when set
	discovery string
	status    int
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ti := &testIssuer{key: key, status: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		if ti.status != http.StatusOK {
			w.WriteHeader(ti.status)
			return
		}
		if ti.discovery != "" {
			_, _ = w.Write([]byte(ti.discovery))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   ti.srv.URL,
			"jwks_uri": ti.srv.URL + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		pub := key.PublicKey
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})
	ti.srv = httptest.NewServer(mux)
	t.Cleanup(ti.srv.Close)
	return ti
}

func (ti *testIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKID
	s, err := token.SignedString(ti.key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (ti *testIssuer) claims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   ti.srv.URL,
		"sub":   sub,
		"aud":   "docchat",
		"email": sub + "@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func (ti *testIssuer) verifier(t *testing.T) *JWKSVerifier {
	t.Helper()
	v, err := newJWKSVerifier(context.Background(), &config.OIDCConfig{Issuer: ti.srv.URL, ClientID: "docchat"}, ti.srv.Client())
	if err != nil {
		t.Fatalf("verifier setup failed: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func TestJWKSVerifier_AcceptsIssuerToken(t *testing.T) {
	ti := newTestIssuer(t)
	v := ti.verifier(t)

	claims, err := v.Validate(ti.sign(t, ti.claims("user-1")))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "user-1@example.com" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestJWKSVerifier_RejectsBadTokens(t *testing.T) {
	ti := newTestIssuer(t)
	v := ti.verifier(t)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token func() string
	}{
		{"wrong audience", func() string {
			c := ti.claims("user-1")
			c["aud"] = "someone-else"
			return ti.sign(t, c)
		}},
		{"wrong issuer", func() string {
			c := ti.claims("user-1")
			c["iss"] = "https://evil.example.com"
			return ti.sign(t, c)
		}},
		{"expired", func() string {
			c := ti.claims("user-1")
			c["exp"] = time.Now().Add(-time.Hour).Unix()
			return ti.sign(t, c)
		}},
		{"no expiry", func() string {
			c := ti.claims("user-1")
			delete(c, "exp")
			return ti.sign(t, c)
		}},
		{"no subject", func() string { return ti.sign(t, ti.claims("")) }},
		{"unknown signer", func() string {
			token := jwt.NewWithClaims(jwt.SigningMethodRS256, ti.claims("user-1"))
			token.Header["kid"] = testKID
			s, _ := token.SignedString(other)
			return s
		}},
		{"hmac signed", func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, ti.claims("user-1")).SignedString([]byte("secret"))
			return s
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Validate(tt.token()); err == nil {
				t.Fatal("expected the token to be rejected")
			}
		})
	}
}

func TestDiscover_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		discovery string
		want      string
	}{
		{"not found", http.StatusNotFound, "", "404"},
		{"malformed", http.StatusOK, "{", "malformed"},
		{"missing jwks_uri", http.StatusOK, `{"issuer":"x"}`, "jwks_uri"},
		{"issuer mismatch", http.StatusOK, `{"issuer":"https://other.example.com","jwks_uri":"https://other.example.com/keys"}`, "does not match"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ti := newTestIssuer(t)
			ti.status, ti.discovery = tt.status, tt.discovery

			_, err := discover(context.Background(), ti.srv.Client(), ti.srv.URL)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDiscover_TrailingSlashIssuer(t *testing.T) {
	ti := newTestIssuer(t)
	meta, err := discover(context.Background(), ti.srv.Client(), ti.srv.URL+"/")
	if err != nil {
		t.Fatal(err)
	}
	if meta.JWKSURI != ti.srv.URL+"/keys" {
		t.Errorf("unexpected jwks_uri %s", meta.JWKSURI)
	}
}

func TestNewJWKSVerifier_RequiresIssuer(t *testing.T) {
	if _, err := NewJWKSVerifier(context.Background(), &config.OIDCConfig{}); err == nil {
		t.Fatal("expected an error without issuer")
	}
}
