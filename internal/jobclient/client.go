// Package jobclient is a typed HTTP client for the job API.
package jobclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/docchat/api/internal/model"
)

// ErrNotFound is returned when the API has no record for a requestId.
var ErrNotFound = errors.New("job not found")

// APIError is a non-2xx response decoded from the API error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether retrying the same call may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to the job API. Concurrent identical calls share one
// in-flight request; the map lives on the Client, not in package state.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	inflight   singleflight.Group
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 45 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SubmitMessage posts a DIRECT job.
func (c *Client) SubmitMessage(ctx context.Context, req *model.MessageRequest) (*model.SubmitResponse, error) {
	return c.submit(ctx, "/message", req)
}

// StartProcessing posts a WORKFLOW job.
func (c *Client) StartProcessing(ctx context.Context, req *model.StartProcessingRequest) (*model.SubmitResponse, error) {
	return c.submit(ctx, "/startProcessing", req)
}

func (c *Client) submit(ctx context.Context, endpoint string, body interface{}) (*model.SubmitResponse, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	v, err := c.dedupe(ctx, cacheKey(http.MethodPost, endpoint, bodyBytes), func(ctx context.Context) (interface{}, error) {
		var result model.SubmitResponse
		if err := c.do(ctx, http.MethodPost, endpoint, bodyBytes, &result); err != nil {
			return nil, err
		}
		return &result, nil
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*model.SubmitResponse)
	return &out, nil
}

// GetStatus reads the current status record.
func (c *Client) GetStatus(ctx context.Context, requestID string) (*model.JobStatus, error) {
	endpoint := "/status/" + url.PathEscape(requestID)

	v, err := c.dedupe(ctx, cacheKey(http.MethodGet, endpoint, nil), func(ctx context.Context) (interface{}, error) {
		var result model.JobStatus
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
			return nil, err
		}
		return &result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.JobStatus).Clone(), nil
}

// dedupe runs fn once per key among concurrent callers. The shared call is
// detached from any single caller's cancellation; each caller still returns
// as soon as its own ctx is done.
func (c *Client) dedupe(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := c.inflight.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cacheKey(method, endpoint string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, result interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeError(resp.StatusCode, respBody)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func decodeError(status int, body []byte) *APIError {
	var env struct {
		Error struct {
			Code    string          `json:"code"`
			Message string          `json:"message"`
			Details json.RawMessage `json:"details"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Code == "" {
		return apiErr
	}
	apiErr.Code = env.Error.Code
	apiErr.Message = env.Error.Message

	var details struct {
		RequestID string `json:"requestId"`
	}
	if len(env.Error.Details) > 0 && json.Unmarshal(env.Error.Details, &details) == nil {
		apiErr.RequestID = details.RequestID
	}
	return apiErr
}
