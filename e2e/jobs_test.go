package e2e

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/docchat/api/internal/client"
	"github.com/docchat/api/internal/jobclient"
	"github.com/docchat/api/internal/model"
)

func TestMessage_Unauthorized(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/message", `{"message":"hi"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestMessage_Queued(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/message", `{"message":"What is in my lease?"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if id, _ := body["requestId"].(string); id == "" {
		t.Error("expected requestId")
	}
	if body["status"] != "QUEUED" {
		t.Errorf("expected QUEUED, got %v", body["status"])
	}
	if body["progress"] != float64(0) {
		t.Errorf("expected progress 0, got %v", body["progress"])
	}
}

func TestMessage_ValidationError(t *testing.T) {
	ta := setupApp(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty message", `{"message":""}`},
		{"file without key", `{"message":"hi","files":[{"name":"a.txt"}]}`},
		{"malformed json", `{"message":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/message", tt.body)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			assertStatus(t, resp, http.StatusBadRequest)
			if code := errorCode(parseJSON(t, resp)); code != "VALIDATION_ERROR" {
				t.Errorf("expected VALIDATION_ERROR, got %q", code)
			}
		})
	}
}

func TestStartProcessing_RequiresFiles(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/startProcessing", `{"query":"summarize"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestStartProcessing_MissingFileIsRejected(t *testing.T) {
	ta := setupApp(t)
	api := ta.apiClient(t)

	_, err := api.StartProcessing(context.Background(), &model.StartProcessingRequest{
		Query: "summarize",
		Files: []model.FileRef{{Key: "contracts/missing.txt"}},
	})
	var apiErr *jobclient.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestStatus_NotFound(t *testing.T) {
	ta := setupApp(t)
	api := ta.apiClient(t)

	if _, err := api.GetStatus(context.Background(), "does-not-exist"); !errors.Is(err, jobclient.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScenarioA_MessageCompletes(t *testing.T) {
	ta := setupApp(t)
	api := ta.apiClient(t)

	resp, err := api.SubmitMessage(context.Background(), &model.MessageRequest{
		Message: "When does the lease start?",
		Files:   []model.FileRef{{Key: "contracts/lease.txt"}},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	js, rec := follow(t, api, resp.RequestID)
	if js.Status != model.StatusCompleted || js.Progress != 100 {
		t.Fatalf("expected COMPLETED/100, got %s/%d", js.Status, js.Progress)
	}
	if js.Result == nil || !strings.Contains(js.Result.Text, "[mock]") {
		t.Fatalf("expected mock answer, got %+v", js.Result)
	}
	if js.Error != nil {
		t.Errorf("completed job carries an error: %+v", js.Error)
	}
	for _, s := range rec.statuses {
		if s.Status == model.StatusFailed {
			t.Fatal("observed FAILED before completion")
		}
	}
}

func TestScenarioC_WorkflowCompletes(t *testing.T) {
	ta := setupApp(t)
	api := ta.apiClient(t)

	resp, err := api.StartProcessing(context.Background(), &model.StartProcessingRequest{
		Query: "List the key dates",
		Files: []model.FileRef{{Key: "contracts/lease.txt"}},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	js, rec := follow(t, api, resp.RequestID)
	if js.Status != model.StatusCompleted || js.Progress != 100 {
		t.Fatalf("expected COMPLETED/100, got %s/%d", js.Status, js.Progress)
	}
	if js.RequestType != model.RequestTypeWorkflow || js.WorkflowExecutionRef == nil {
		t.Errorf("expected a workflow job with an execution ref, got %+v", js)
	}
	if js.Result == nil || js.Result.Text == "" {
		t.Fatal("expected a summarized result")
	}

	progress := rec.progress()
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
}

func TestScenarioD_WorkflowFails(t *testing.T) {
	ta := setupApp(t)
	ta.engine.Final = client.ExecutionFailed
	api := ta.apiClient(t)

	resp, err := api.StartProcessing(context.Background(), &model.StartProcessingRequest{
		Query: "List the key dates",
		Files: []model.FileRef{{Key: "contracts/lease.txt"}},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// a FAILED job is a normal outcome for the poller
	js, rec := follow(t, api, resp.RequestID)
	if js.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %s", js.Status)
	}
	if js.Error == nil || js.Error.Name != string(client.ExecutionFailed) {
		t.Fatalf("expected error name FAILED, got %+v", js.Error)
	}
	if js.Result != nil {
		t.Errorf("failed job carries a result: %+v", js.Result)
	}
	if len(rec.errs) != 0 {
		t.Errorf("poller reported errors: %v", rec.errs)
	}
}

func TestStatus_LongPollReturnsChange(t *testing.T) {
	ta := setupApp(t)
	ta.engine.Polls = 20
	api := ta.apiClient(t)

	resp, err := api.StartProcessing(context.Background(), &model.StartProcessingRequest{
		Query: "q",
		Files: []model.FileRef{{Key: "contracts/lease.txt"}},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	first, err := api.GetStatus(context.Background(), resp.RequestID)
	if err != nil {
		t.Fatal(err)
	}

	path := fmt.Sprintf("/status/%s?wait=2&since=%s", resp.RequestID, url.QueryEscape(first.UpdatedAt.Format(time.RFC3339Nano)))
	start := time.Now()
	hr, err := doAuthRequest(t, ta.app, http.MethodGet, path, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, hr, http.StatusOK)
	if time.Since(start) > 1500*time.Millisecond {
		t.Error("long poll should return on the next update, not the wait cap")
	}

	body := parseJSON(t, hr)
	updated, err := time.Parse(time.RFC3339Nano, body["updatedAt"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if !updated.After(first.UpdatedAt) && body["status"] != "COMPLETED" {
		t.Errorf("expected a newer status than %v, got %v", first.UpdatedAt, body)
	}
}
