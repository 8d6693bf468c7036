package model

import "time"

// MessageRequest is the body of POST /message.
type MessageRequest struct {
	Message   string            `json:"message" validate:"required,max=32000"`
	SessionID string            `json:"sessionId" validate:"omitempty,max=128"`
	Files     []FileRef         `json:"files" validate:"omitempty,max=10,dive"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StartProcessingRequest is the body of POST /startProcessing.
type StartProcessingRequest struct {
	Query     string    `json:"query" validate:"required,max=8000"`
	SessionID string    `json:"sessionId" validate:"omitempty,max=128"`
	Files     []FileRef `json:"files" validate:"required,min=1,max=10,dive"`
}

// SubmitResponse is returned synchronously for every accepted job.
type SubmitResponse struct {
	RequestID string `json:"requestId"`
	Status    Status `json:"status"`
	Progress  int    `json:"progress"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Services  map[string]bool `json:"services"`
	Timestamp time.Time       `json:"timestamp"`
}
