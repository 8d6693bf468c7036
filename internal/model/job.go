package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the stored state of one job, keyed by RequestID.
type JobStatus struct {
	RequestID            string                `json:"requestId"`
	RequestType          RequestType           `json:"requestType,omitempty"`
	Status               Status                `json:"status"`
	Progress             int                   `json:"progress"`
	Message              string                `json:"message,omitempty"`
	Result               *JobResult            `json:"result,omitempty"`
	Error                *JobError             `json:"error,omitempty"`
	WorkflowExecutionRef *WorkflowExecutionRef `json:"workflowExecutionRef,omitempty"`
	CreatedAt            time.Time             `json:"createdAt"`
	UpdatedAt            time.Time             `json:"updatedAt"`
}

// JobResult is the payload of a COMPLETED job.
type JobResult struct {
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// Partial marks a degraded result finalized from an unfinished workflow.
	Partial bool `json:"partial,omitempty"`
}

// JobError describes why a job FAILED.
type JobError struct {
	Message string `json:"message"`
	Name    string `json:"name"`
}

// WorkflowExecutionRef points at the workflow engine execution backing a job.
type WorkflowExecutionRef struct {
	ExecutionID string    `json:"executionId"`
	StartTime   time.Time `json:"startTime"`
}

// Clone returns a deep copy so callers can't mutate stored records.
func (s *JobStatus) Clone() *JobStatus {
	if s == nil {
		return nil
	}
	out := *s
	if s.Result != nil {
		r := *s.Result
		if s.Result.Metadata != nil {
			r.Metadata = make(map[string]interface{}, len(s.Result.Metadata))
			for k, v := range s.Result.Metadata {
				r.Metadata[k] = v
			}
		}
		out.Result = &r
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.WorkflowExecutionRef != nil {
		ref := *s.WorkflowExecutionRef
		out.WorkflowExecutionRef = &ref
	}
	return &out
}

// JobMessage is the queue payload carried from dispatcher to worker.
type JobMessage struct {
	RequestID   string      `json:"requestId"`
	RequestType RequestType `json:"requestType"`
	Input       JobInput    `json:"input"`
	SessionID   string      `json:"sessionId,omitempty"`
}

// JobInput is the request payload plus any file references.
type JobInput struct {
	Text     string            `json:"text,omitempty"`
	Query    string            `json:"query,omitempty"`
	Files    []FileRef         `json:"files,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FileRef identifies an uploaded object in storage.
type FileRef struct {
	Bucket      string `json:"bucket,omitempty"`
	Key         string `json:"key" validate:"required"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// WorkflowInput is the structured input handed to the workflow engine.
type WorkflowInput struct {
	RequestID string        `json:"requestId"`
	SessionID string        `json:"sessionId,omitempty"`
	Query     string        `json:"query"`
	Documents []DocumentRef `json:"documents"`
}

type DocumentRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Encode serializes the message for a broker.
func (m *JobMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeJobMessage parses a queue payload.
func DecodeJobMessage(data []byte) (*JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.RequestID == "" {
		return nil, errors.New("job message: missing requestId")
	}
	if !m.RequestType.Valid() {
		return nil, fmt.Errorf("job message: invalid requestType %q", m.RequestType)
	}
	return &m, nil
}
