package middleware

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/auth"
)

func echoUser(c *fiber.Ctx) error {
	return c.SendString(GetUserID(c))
}

func TestAuthenticate(t *testing.T) {
	mw := NewAuthMiddleware(auth.ChainVerifier{auth.NewHMACVerifier("secret")})
	app := fiber.New()
	app.Get("/me", mw.Authenticate(), echoUser)

	good, err := auth.GenerateLegacyToken("secret", "user-42", "u@example.com", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	forged, _ := auth.GenerateLegacyToken("other", "user-42", "", time.Hour)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + good, fiber.StatusOK},
		{"missing header", "", fiber.StatusUnauthorized},
		{"wrong scheme", "Basic " + good, fiber.StatusUnauthorized},
		{"forged token", "Bearer " + forged, fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestGatewayAuthMiddleware(t *testing.T) {
	app := fiber.New()
	app.Get("/me", GatewayAuthMiddleware(), echoUser)

	req := httptest.NewRequest("GET", "/me", nil)
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without headers, got %d", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-Id", "user-7")
	resp, _ = app.Test(req)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := new(bytes.Buffer)
	body.ReadFrom(resp.Body)
	if body.String() != "user-7" {
		t.Errorf("expected user-7, got %q", body.String())
	}
}

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rl := NewRateLimiter(rdb, zerolog.Nop())
	app := fiber.New()
	app.Get("/status", rl.StatusLimit(2), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	codes := []int{}
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/status", nil))
		if err != nil {
			t.Fatal(err)
		}
		codes = append(codes, resp.StatusCode)
		if i == 2 && resp.Header.Get("Retry-After") == "" {
			t.Error("expected Retry-After on limited response")
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != fiber.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}

	// window expiry resets the counter
	mr.FastForward(time.Minute + time.Second)
	resp, _ := app.Test(httptest.NewRequest("GET", "/status", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 after window, got %d", resp.StatusCode)
	}
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	rl := NewRateLimiter(rdb, zerolog.Nop())
	app := fiber.New()
	app.Get("/x", rl.SubmitLimit(1), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := app.Test(httptest.NewRequest("GET", "/x", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected request through while redis is down, got %d", resp.StatusCode)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	app := fiber.New()
	app.Use(requestid.New(), RequestLogger(log))
	app.Get("/missing", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNotFound) })

	if _, err := app.Test(httptest.NewRequest("GET", "/missing", nil)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`"level":"warn"`, `"status":404`, `"path":"/missing"`, `"http_request_id"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %s: %s", want, out)
		}
	}
}
