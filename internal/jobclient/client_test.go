package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docchat/api/internal/model"
)

func TestSubmitMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/message" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var req model.MessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Message != "hello" {
			t.Errorf("unexpected body %+v", req)
		}
		json.NewEncoder(w).Encode(model.SubmitResponse{RequestID: "req-1", Status: model.StatusQueued})
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("tok"))
	resp, err := c.SubmitMessage(context.Background(), &model.MessageRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}
	if resp.RequestID != "req-1" || resp.Status != model.StatusQueued {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestGetStatus_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"Job not found"}}`))
		case "/status/down":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"code":"STORE_ERROR","message":"redis down"}}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`<html>bad gateway</html>`))
		}
	}))
	defer srv.Close()
	c := New(srv.URL)
	ctx := context.Background()

	if _, err := c.GetStatus(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, err := c.GetStatus(ctx, "down")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "STORE_ERROR" || !apiErr.Temporary() {
		t.Errorf("expected temporary STORE_ERROR, got %v", err)
	}

	_, err = c.GetStatus(ctx, "proxy")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502 APIError for non-JSON body, got %v", err)
	}
}

func TestSubmit_QueueErrorCarriesRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"code":"QUEUE_ERROR","message":"Job could not be queued","details":{"requestId":"req-7"}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).StartProcessing(context.Background(), &model.StartProcessingRequest{Query: "q"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.RequestID != "req-7" {
		t.Fatalf("expected APIError with requestId, got %v", err)
	}
}

func TestGetStatus_DedupesConcurrentCalls(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		json.NewEncoder(w).Encode(model.JobStatus{RequestID: "req-1", Status: model.StatusProcessing, Progress: 40})
	}))
	defer srv.Close()
	c := New(srv.URL)

	var wg sync.WaitGroup
	results := make([]*model.JobStatus, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			js, err := c.GetStatus(context.Background(), "req-1")
			if err != nil {
				t.Errorf("GetStatus failed: %v", err)
				return
			}
			results[i] = js
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := hits.Load(); n != 1 {
		t.Fatalf("expected 1 upstream request, got %d", n)
	}
	if results[0] == results[1] {
		t.Error("callers must get independent copies")
	}
	for _, js := range results {
		if js == nil || js.Progress != 40 {
			t.Fatalf("unexpected result %+v", js)
		}
	}
}

func TestGetStatus_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(model.JobStatus{RequestID: "req-1"})
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := New(srv.URL).GetStatus(ctx, "req-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestCacheKey(t *testing.T) {
	a := cacheKey(http.MethodPost, "/message", []byte(`{"message":"a"}`))
	b := cacheKey(http.MethodPost, "/message", []byte(`{"message":"a"}`))
	c := cacheKey(http.MethodPost, "/message", []byte(`{"message":"b"}`))
	if a != b || a == c {
		t.Fatal("cache key must be deterministic and body-sensitive")
	}
}
