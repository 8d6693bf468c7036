package client

import (
	"context"
	"fmt"
)

// CompletionRequest is one single-turn completion.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

type Completion struct {
	Text             string
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
}

// Completer generates text for DIRECT jobs and workflow summaries.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Name() string
	IsConfigured() bool
}

// ProviderError is a non-2xx answer from a completion provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// HTTPStatusCode lets the retry classifier read the status.
func (e *ProviderError) HTTPStatusCode() int { return e.StatusCode }

// ErrorName is recorded on FAILED jobs.
func (e *ProviderError) ErrorName() string { return "ProviderError" }
