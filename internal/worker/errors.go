package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docchat/api/internal/client"
)

// errJobTerminal stops processing when another writer already finished the job.
var errJobTerminal = errors.New("job reached a terminal state elsewhere")

// WorkflowError reports an execution that ended in FAILED, TIMED_OUT or ABORTED.
type WorkflowError struct {
	State client.ExecutionState
	Cause string
	Code  string
}

func (e *WorkflowError) Error() string {
	msg := fmt.Sprintf("workflow execution ended in %s", e.State)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Cause != "" {
		msg += ": " + e.Cause
	}
	return msg
}

// ErrorName is the engine-reported state.
func (e *WorkflowError) ErrorName() string { return string(e.State) }

// WorkflowTimeoutError is returned when the poll budget ran out with no usable output.
type WorkflowTimeoutError struct {
	Polls int
}

func (e *WorkflowTimeoutError) Error() string {
	return fmt.Sprintf("workflow did not finish within %d polls", e.Polls)
}

func (e *WorkflowTimeoutError) ErrorName() string { return "WorkflowPollTimeout" }

// DescribeError wraps a describe call that kept failing after its retries.
type DescribeError struct {
	Err error
}

func (e *DescribeError) Error() string {
	return "failed to describe workflow execution: " + e.Err.Error()
}
func (e *DescribeError) Unwrap() error { return e.Err }
func (e *DescribeError) ErrorName() string {
	return "WorkflowDescribeError"
}

// TaskTimeoutError is returned when the queue's task deadline expired mid-job.
type TaskTimeoutError struct {
	Err error
}

func (e *TaskTimeoutError) Error() string     { return "task deadline exceeded: " + e.Err.Error() }
func (e *TaskTimeoutError) Unwrap() error     { return e.Err }
func (e *TaskTimeoutError) ErrorName() string { return "TaskTimeout" }

// PanicError carries a recovered panic value.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string     { return fmt.Sprintf("panic: %v", e.Value) }
func (e *PanicError) ErrorName() string { return "PanicError" }

type namedError interface {
	ErrorName() string
}

// errorName picks the name recorded in JobError.Name.
func errorName(err error) string {
	var named namedError
	if errors.As(err, &named) {
		return named.ErrorName()
	}
	switch {
	case errors.Is(err, client.ErrObjectNotFound):
		return "DocumentNotFound"
	case errors.Is(err, client.ErrObjectTooLarge):
		return "DocumentTooLarge"
	case errors.Is(err, context.DeadlineExceeded):
		return "TaskTimeout"
	}
	return "InternalError"
}
