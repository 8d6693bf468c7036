package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/docchat/api/internal/model"
)

// ExecutionState is the engine-reported state of a workflow execution.
type ExecutionState string

const (
	ExecutionRunning   ExecutionState = "RUNNING"
	ExecutionSucceeded ExecutionState = "SUCCEEDED"
	ExecutionFailed    ExecutionState = "FAILED"
	ExecutionTimedOut  ExecutionState = "TIMED_OUT"
	ExecutionAborted   ExecutionState = "ABORTED"
)

// Terminal reports whether the execution will not change state again.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionTimedOut, ExecutionAborted:
		return true
	case ExecutionRunning:
		return false
	}
	return false
}

type Execution struct {
	State     ExecutionState
	Output    json.RawMessage
	Error     string
	Cause     string
	StartTime time.Time
}

// WorkflowEngine starts and describes long-running executions for WORKFLOW jobs.
type WorkflowEngine interface {
	// Start is idempotent per request ID.
	Start(ctx context.Context, in model.WorkflowInput) (*model.WorkflowExecutionRef, error)
	Describe(ctx context.Context, executionID string) (*Execution, error)
	Name() string
}
