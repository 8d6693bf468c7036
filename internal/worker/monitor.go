package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/client"
	"github.com/docchat/api/internal/logging"
	"github.com/docchat/api/internal/metrics"
	"github.com/docchat/api/internal/model"
	"github.com/docchat/api/internal/store"
	"github.com/docchat/api/pkg/retry"
)

// Progress band reported while a workflow runs.
const (
	workflowProgressStart = 25
	workflowProgressSpan  = 65
	workflowProgressMax   = 90
)

type MonitorConfig struct {
	PollInterval      time.Duration
	MaxPolls          int
	EstimatedDuration time.Duration
	// DescribeAttempts bounds retries of a single failing describe call.
	DescribeAttempts int
	// DescribeBaseDelay is the backoff base between describe retries.
	DescribeBaseDelay time.Duration
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:      5 * time.Second,
		MaxPolls:          120,
		EstimatedDuration: 3 * time.Minute,
		DescribeAttempts:  3,
		DescribeBaseDelay: time.Second,
	}
}

// Outcome is the result of watching an execution.
// Partial is set when the poll budget ran out before a terminal state.
type Outcome struct {
	Output  json.RawMessage
	Partial bool
	Polls   int
}

// Monitor polls a workflow execution and turns elapsed time into job progress.
type Monitor struct {
	engine client.WorkflowEngine
	store  store.Store
	cfg    MonitorConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   zerolog.Logger
}

func NewMonitor(engine client.WorkflowEngine, st store.Store, cfg MonitorConfig, log zerolog.Logger) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = def.MaxPolls
	}
	if cfg.EstimatedDuration <= 0 {
		cfg.EstimatedDuration = def.EstimatedDuration
	}
	if cfg.DescribeAttempts <= 0 {
		cfg.DescribeAttempts = def.DescribeAttempts
	}
	if cfg.DescribeBaseDelay <= 0 {
		cfg.DescribeBaseDelay = def.DescribeBaseDelay
	}
	return &Monitor{
		engine: engine,
		store:  st,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
		log:    log.With().Str("component", "workflow_monitor").Logger(),
	}
}

// EstimateProgress maps elapsed time onto [25, 90].
func EstimateProgress(elapsed, estimated time.Duration) int {
	if estimated <= 0 || elapsed <= 0 {
		return workflowProgressStart
	}
	p := workflowProgressStart + int(int64(workflowProgressSpan)*int64(elapsed)/int64(estimated))
	if p < workflowProgressStart {
		return workflowProgressStart
	}
	if p > workflowProgressMax {
		return workflowProgressMax
	}
	return p
}

// Watch polls ref until it reaches a terminal state or MaxPolls describes were made.
// A terminal failure is returned as *WorkflowError.
func (m *Monitor) Watch(ctx context.Context, requestID string, ref *model.WorkflowExecutionRef) (*Outcome, error) {
	log := logging.With(ctx, m.log).With().Str("request_id", requestID).Str("execution_id", ref.ExecutionID).Logger()
	defer logging.TraceDuration(log, "Monitor.Watch")()

	started := ref.StartTime
	if started.IsZero() {
		started = m.now()
	}
	policy := retry.Policy{
		MaxAttempts: m.cfg.DescribeAttempts,
		BaseDelay:   m.cfg.DescribeBaseDelay,
		Sleep:       m.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			metrics.IncAttempt("workflow.describe", metrics.OutcomeRetryable)
			log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("describe failed, retrying")
		},
	}

	var lastOutput json.RawMessage
	for poll := 1; poll <= m.cfg.MaxPolls; poll++ {
		ex, err := retry.Do(ctx, policy, func(ctx context.Context) (*client.Execution, error) {
			return m.engine.Describe(ctx, ref.ExecutionID)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &DescribeError{Err: err}
		}
		metrics.IncWorkflowPoll(string(ex.State))
		if len(ex.Output) > 0 {
			lastOutput = ex.Output
		}

		progress := EstimateProgress(m.now().Sub(started), m.cfg.EstimatedDuration)
		if _, err := m.store.Update(ctx, requestID, model.ToProgress(progress, "Workflow running")); err != nil {
			if errors.Is(err, store.ErrTerminal) {
				return nil, errJobTerminal
			}
			log.Warn().Err(err).Int("progress", progress).Msg("failed to record workflow progress")
		}
		log.Debug().Int("poll", poll).Str("state", string(ex.State)).Int("progress", progress).Msg("polled workflow")

		switch ex.State {
		case client.ExecutionSucceeded:
			return &Outcome{Output: ex.Output, Polls: poll}, nil
		case client.ExecutionFailed, client.ExecutionTimedOut, client.ExecutionAborted:
			return nil, &WorkflowError{State: ex.State, Code: ex.Error, Cause: ex.Cause}
		case client.ExecutionRunning:
		}

		if poll == m.cfg.MaxPolls {
			break
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return nil, err
		}
	}

	log.Warn().Int("polls", m.cfg.MaxPolls).Msg("workflow poll budget exhausted")
	return &Outcome{Output: lastOutput, Partial: true, Polls: m.cfg.MaxPolls}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
