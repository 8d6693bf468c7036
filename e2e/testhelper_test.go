package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/app"
	"github.com/docchat/api/internal/auth"
	"github.com/docchat/api/internal/client"
	"github.com/docchat/api/internal/config"
	"github.com/docchat/api/internal/jobclient"
	"github.com/docchat/api/internal/model"
	"github.com/docchat/api/internal/poller"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	deps    *app.Container
	storage *client.MemoryStorage
	engine  *client.SimulatedEngine
	baseURL string
}

// testConfig mirrors the defaults with in-process backends and short timings.
func testConfig() *config.Config {
	return &config.Config{
		Server:     config.ServerConfig{Port: "0", Env: "test", MaxWait: 2 * time.Second},
		Log:        config.LogConfig{Level: "error", Service: "e2e"},
		Store:      config.StoreConfig{Backend: "memory"},
		Queue:      config.QueueConfig{Backend: "inline"},
		JWT:        config.JWTConfig{Secret: testJWTSecret},
		RateLimit:  config.RateLimitConfig{SubmitPerMin: 10000, StatusPerMin: 10000},
		Completion: config.CompletionConfig{Provider: "mock", MaxTokens: 256, SystemPrompt: "test"},
		S3:         config.S3Config{BucketName: "docs"},
		Workflow: config.WorkflowConfig{
			Engine:            "simulated",
			PollInterval:      20 * time.Millisecond,
			MaxPolls:          50,
			EstimatedDuration: 100 * time.Millisecond,
			DescribeAttempts:  3,
			SimulatedPolls:    2,
		},
		Retry: config.RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond},
	}
}

// setupApp builds the same container and Fiber app as cmd/server, with the
// memory store, inline queue, mock completer and simulated workflow engine,
// and serves it on a loopback port for jobclient.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	storage := client.NewMemoryStorage()
	storage.Put("contracts/lease.txt", "The lease runs for twelve months starting in March.")
	engine := client.NewSimulatedEngine(2)

	deps, err := app.Build(ctx, testConfig(), zerolog.Nop(), app.WithStorage(storage), app.WithEngine(engine))
	if err != nil {
		cancel()
		t.Fatalf("failed to build app: %v", err)
	}
	deps.Start(ctx)

	srv := app.NewHTTPApp(deps)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("failed to listen: %v", err)
	}
	go srv.Listener(ln)

	t.Cleanup(func() {
		srv.Shutdown()
		cancel()
		deps.Close()
	})

	return &testApp{
		app:     srv,
		deps:    deps,
		storage: storage,
		engine:  engine,
		baseURL: "http://" + ln.Addr().String(),
	}
}

// apiClient returns a jobclient authenticated as the test user.
func (ta *testApp) apiClient(t *testing.T) *jobclient.Client {
	t.Helper()
	return jobclient.New(ta.baseURL, jobclient.WithToken(generateToken(t)))
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.GenerateLegacyToken(testJWTSecret, "test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode extracts error.code from an error envelope.
func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

// statusRecorder is a poller.Observer that keeps every status it sees.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []model.JobStatus
	errs     []error
}

func (r *statusRecorder) OnStatus(js *model.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, *js)
}

func (r *statusRecorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *statusRecorder) progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.statuses))
	for _, js := range r.statuses {
		out = append(out, js.Progress)
	}
	return out
}

// follow polls requestID to a terminal status with short intervals.
func follow(t *testing.T, api *jobclient.Client, requestID string) (*model.JobStatus, *statusRecorder) {
	t.Helper()
	rec := &statusRecorder{}
	p := poller.New(api, requestID, poller.Config{
		Interval:               15 * time.Millisecond,
		MinGap:                 poller.NoDebounce,
		MaxConsecutiveFailures: 5,
		MaxPollingTime:         10 * time.Second,
	}, rec, zerolog.Nop())

	js, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("poller failed: %v", err)
	}
	return js, rec
}
