package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/docchat/api/internal/model"
)

// SimulatedEngine is the fallback workflow engine. Each execution reports RUNNING
// for Polls describes, then finishes with Final.
type SimulatedEngine struct {
	Polls int
	Final ExecutionState

	mu         sync.Mutex
	executions map[string]*simExecution
	byRequest  map[string]string
}

type simExecution struct {
	input     model.WorkflowInput
	started   time.Time
	describes int
}

func NewSimulatedEngine(polls int) *SimulatedEngine {
	return &SimulatedEngine{
		Polls:      polls,
		Final:      ExecutionSucceeded,
		executions: make(map[string]*simExecution),
		byRequest:  make(map[string]string),
	}
}

func (e *SimulatedEngine) Name() string { return "simulated" }

func (e *SimulatedEngine) Start(ctx context.Context, in model.WorkflowInput) (*model.WorkflowExecutionRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byRequest[in.RequestID]; ok {
		return &model.WorkflowExecutionRef{ExecutionID: id, StartTime: e.executions[id].started}, nil
	}
	id := "sim-" + ulid.Make().String()
	now := time.Now().UTC()
	e.executions[id] = &simExecution{input: in, started: now}
	e.byRequest[in.RequestID] = id
	return &model.WorkflowExecutionRef{ExecutionID: id, StartTime: now}, nil
}

func (e *SimulatedEngine) Describe(ctx context.Context, executionID string) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ex, ok := e.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s does not exist", executionID)
	}
	ex.describes++
	if ex.describes <= e.Polls {
		return &Execution{State: ExecutionRunning, StartTime: ex.started}, nil
	}

	out := &Execution{State: e.Final, StartTime: ex.started}
	switch e.Final {
	case ExecutionSucceeded:
		docs := make([]string, 0, len(ex.input.Documents))
		for _, d := range ex.input.Documents {
			docs = append(docs, d.Key)
		}
		out.Output, _ = json.Marshal(map[string]interface{}{
			"query":     ex.input.Query,
			"documents": docs,
			"findings":  fmt.Sprintf("processed %d documents", len(docs)),
		})
	case ExecutionFailed:
		out.Error = "States.TaskFailed"
		out.Cause = "simulated failure"
	}
	return out, nil
}
