package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/client"
	"github.com/docchat/api/internal/logging"
	"github.com/docchat/api/internal/metrics"
	"github.com/docchat/api/internal/model"
	"github.com/docchat/api/internal/store"
	"github.com/docchat/api/pkg/retry"
)

const (
	progressProcessing = 25
	progressGenerating = 50
	progressFinalizing = 95

	// terminal writes get their own deadline so a cancelled job can still be closed out
	terminalWriteTimeout = 10 * time.Second

	errDeliveryExhausted = "DeliveryExhausted"

	defaultSummaryPrompt = "Summarize the following document analysis output as a direct answer to the user's question. " +
		"Be concise and cite document names where relevant."
)

type ProcessorConfig struct {
	SystemPrompt  string
	SummaryPrompt string
	MaxTokens     int
	DefaultBucket string
}

// Processor executes one JobMessage and drives its JobStatus to a terminal state.
type Processor struct {
	store     store.Store
	completer client.Completer
	storage   client.Storage
	engine    client.WorkflowEngine
	monitor   *Monitor
	retry     retry.Policy
	cfg       ProcessorConfig

	log zerolog.Logger
}

func NewProcessor(
	st store.Store,
	completer client.Completer,
	storage client.Storage,
	engine client.WorkflowEngine,
	monitor *Monitor,
	policy retry.Policy,
	cfg ProcessorConfig,
	log zerolog.Logger,
) *Processor {
	if cfg.SummaryPrompt == "" {
		cfg.SummaryPrompt = defaultSummaryPrompt
	}
	return &Processor{
		store:     st,
		completer: completer,
		storage:   storage,
		engine:    engine,
		monitor:   monitor,
		retry:     policy,
		cfg:       cfg,
		log:       log.With().Str("component", "processor").Logger(),
	}
}

// Handle processes msg. It returns an error only when the broker should redeliver:
// the status store is unreachable or the worker is shutting down. Job failures are
// recorded as FAILED and reported as handled.
func (p *Processor) Handle(ctx context.Context, msg *model.JobMessage) (err error) {
	ctx = logging.WithJobID(ctx, msg.RequestID)
	log := logging.With(ctx, p.log).With().Str("request_type", string(msg.RequestType)).Logger()

	current, err := p.store.Get(ctx, msg.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("no status record for job, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job status: %w", err)
	}
	if current.Status.Terminal() {
		log.Info().Str("status", string(current.Status)).Msg("job already finished, ignoring redelivery")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("job processing panicked")
			err = p.failJob(ctx, msg, current, &PanicError{Value: r})
		}
	}()

	log.Info().Str("status", string(current.Status)).Msg("starting job")

	// Step 1: acknowledge the dequeue
	if current.Status == model.StatusQueued {
		if err := p.updateJob(ctx, msg.RequestID, model.ToStatus(model.StatusStarted)); err != nil {
			return p.storeErr(err)
		}
	}

	// Step 2: mark liveness
	if err := p.updateJob(ctx, msg.RequestID, model.ToProcessing(progressProcessing, "Processing")); err != nil {
		return p.storeErr(err)
	}

	// Step 3: execute
	var result *model.JobResult
	var jobErr error
	switch msg.RequestType {
	case model.RequestTypeDirect:
		result, jobErr = p.runDirect(ctx, msg)
	case model.RequestTypeWorkflow:
		result, jobErr = p.runWorkflow(ctx, msg, current.WorkflowExecutionRef)
	default:
		jobErr = retry.Permanent(fmt.Errorf("unsupported request type %q", msg.RequestType))
	}

	if jobErr != nil {
		if errors.Is(jobErr, errJobTerminal) {
			log.Info().Msg("job finished elsewhere while processing")
			return nil
		}
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			// shutdown: leave the record for redelivery to resume
			return ctx.Err()
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			jobErr = &TaskTimeoutError{Err: jobErr}
		}
		return p.failJob(ctx, msg, current, jobErr)
	}

	return p.completeJob(ctx, msg, current, result)
}

// runDirect answers the request with a single completion call.
func (p *Processor) runDirect(ctx context.Context, msg *model.JobMessage) (*model.JobResult, error) {
	docs, err := p.loadDocuments(ctx, msg.Input.Files)
	if err != nil {
		return nil, err
	}

	p.updateProgress(ctx, msg.RequestID, progressGenerating, "Generating response")

	prompt := buildPrompt(msg.Input.Text, docs)
	completion, err := p.complete(ctx, "completion", client.CompletionRequest{
		System:    p.cfg.SystemPrompt,
		Prompt:    prompt,
		MaxTokens: p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	return &model.JobResult{
		Text: completion.Text,
		Metadata: map[string]interface{}{
			"provider":         completion.Provider,
			"model":            completion.Model,
			"promptTokens":     completion.PromptTokens,
			"completionTokens": completion.CompletionTokens,
			"documents":        len(docs),
		},
	}, nil
}

// runWorkflow starts (or resumes) a workflow execution, watches it, and summarizes its output.
func (p *Processor) runWorkflow(ctx context.Context, msg *model.JobMessage, existing *model.WorkflowExecutionRef) (*model.JobResult, error) {
	log := logging.With(ctx, p.log)

	ref := existing
	if ref == nil {
		in := p.workflowInput(msg)
		started, err := retry.Do(ctx, p.policy("workflow.start"), func(ctx context.Context) (*model.WorkflowExecutionRef, error) {
			return p.engine.Start(ctx, in)
		})
		if err != nil {
			return nil, err
		}
		ref = started
		if err := p.updateJob(ctx, msg.RequestID, model.ToProgress(progressProcessing, "Workflow started").WithWorkflowRef(ref)); err != nil {
			if errors.Is(err, store.ErrTerminal) {
				return nil, errJobTerminal
			}
			// the ref is only needed to resume after redelivery
			log.Warn().Err(err).Msg("failed to record workflow execution")
		}
		log.Info().Str("execution_id", ref.ExecutionID).Str("engine", p.engine.Name()).Msg("workflow started")
	} else {
		log.Info().Str("execution_id", ref.ExecutionID).Msg("resuming workflow supervision")
	}

	outcome, err := p.monitor.Watch(ctx, msg.RequestID, ref)
	if err != nil {
		return nil, err
	}
	if outcome.Partial && len(outcome.Output) == 0 {
		return nil, &WorkflowTimeoutError{Polls: outcome.Polls}
	}

	// finalize
	p.updateProgress(ctx, msg.RequestID, progressFinalizing, "Summarizing results")

	completion, err := p.complete(ctx, "summary", client.CompletionRequest{
		System:    p.cfg.SummaryPrompt,
		Prompt:    buildSummaryPrompt(queryOf(msg), outcome.Output),
		MaxTokens: p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	return &model.JobResult{
		Text: completion.Text,
		Metadata: map[string]interface{}{
			"executionId": ref.ExecutionID,
			"engine":      p.engine.Name(),
			"provider":    completion.Provider,
			"model":       completion.Model,
			"polls":       outcome.Polls,
			"output":      outcome.Output,
		},
		Partial: outcome.Partial,
	}, nil
}

func (p *Processor) complete(ctx context.Context, op string, req client.CompletionRequest) (*client.Completion, error) {
	completion, err := retry.Do(ctx, p.policy(op), func(ctx context.Context) (*client.Completion, error) {
		return p.completer.Complete(ctx, req)
	})
	if err != nil {
		metrics.IncAttempt(op, metrics.OutcomeFailed)
		return nil, err
	}
	metrics.IncAttempt(op, metrics.OutcomeSuccess)
	metrics.AddTokens(completion.Provider, completion.PromptTokens, completion.CompletionTokens)
	return completion, nil
}

type document struct {
	Name string
	Text string
}

func (p *Processor) loadDocuments(ctx context.Context, files []model.FileRef) ([]document, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if p.storage == nil {
		return nil, retry.Permanent(errors.New("file references given but no storage is configured"))
	}
	docs := make([]document, 0, len(files))
	for _, f := range files {
		ref := f
		text, err := retry.Do(ctx, p.policy("storage.read"), func(ctx context.Context) (string, error) {
			return p.storage.ReadText(ctx, ref)
		})
		if err != nil {
			return nil, err
		}
		name := ref.Name
		if name == "" {
			name = ref.Key
		}
		docs = append(docs, document{Name: name, Text: text})
	}
	return docs, nil
}

func (p *Processor) workflowInput(msg *model.JobMessage) model.WorkflowInput {
	in := model.WorkflowInput{
		RequestID: msg.RequestID,
		SessionID: msg.SessionID,
		Query:     queryOf(msg),
		Documents: make([]model.DocumentRef, 0, len(msg.Input.Files)),
	}
	for _, f := range msg.Input.Files {
		bucket := f.Bucket
		if bucket == "" {
			bucket = p.cfg.DefaultBucket
		}
		in.Documents = append(in.Documents, model.DocumentRef{Bucket: bucket, Key: f.Key})
	}
	return in
}

func (p *Processor) policy(op string) retry.Policy {
	pol := p.retry
	prev := pol.OnRetry
	log := p.log
	pol.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.IncAttempt(op, metrics.OutcomeRetryable)
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retryable error")
		if prev != nil {
			prev(attempt, delay, err)
		}
	}
	return pol
}

func (p *Processor) completeJob(ctx context.Context, msg *model.JobMessage, current *model.JobStatus, result *model.JobResult) error {
	wctx, cancel := terminalContext(ctx)
	defer cancel()

	js, err := p.store.Update(wctx, msg.RequestID, model.ToCompleted(result))
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	metrics.ObserveFinished(string(msg.RequestType), string(js.Status), js.UpdatedAt.Sub(current.CreatedAt))
	log := logging.With(ctx, p.log)
	log.Info().Bool("partial", result.Partial).Msg("job completed")
	return nil
}

func (p *Processor) failJob(ctx context.Context, msg *model.JobMessage, current *model.JobStatus, jobErr error) error {
	wctx, cancel := terminalContext(ctx)
	defer cancel()

	name := errorName(jobErr)
	js, err := p.store.Update(wctx, msg.RequestID, model.ToFailed(name, jobErr.Error()))
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record job failure (%v): %w", jobErr, err)
	}
	metrics.ObserveFinished(string(msg.RequestType), string(js.Status), js.UpdatedAt.Sub(current.CreatedAt))
	log := logging.With(ctx, p.log)
	log.Error().Err(jobErr).Str("error_name", name).Msg("job failed")
	return nil
}

// Abandon records FAILED for a job whose message will not be delivered again.
func (p *Processor) Abandon(ctx context.Context, msg *model.JobMessage, cause error) error {
	wctx, cancel := terminalContext(ctx)
	defer cancel()

	_, err := p.store.Update(wctx, msg.RequestID, model.ToFailed(errDeliveryExhausted, cause.Error()))
	if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to abandon job: %w", err)
	}
	log := logging.With(logging.WithJobID(ctx, msg.RequestID), p.log)
	log.Warn().Err(cause).Msg("job abandoned after final delivery")
	return nil
}

func (p *Processor) updateJob(ctx context.Context, requestID string, u model.StatusUpdate) error {
	_, err := p.store.Update(ctx, requestID, u)
	return err
}

// updateProgress is best effort; a lost progress write is corrected by the next one.
func (p *Processor) updateProgress(ctx context.Context, requestID string, progress int, message string) {
	if err := p.updateJob(ctx, requestID, model.ToProgress(progress, message)); err != nil && !errors.Is(err, store.ErrTerminal) {
		log := logging.With(ctx, p.log)
		log.Warn().Err(err).Int("progress", progress).Msg("failed to update progress")
	}
}

// storeErr turns a failed lifecycle write into Handle's return value.
func (p *Processor) storeErr(err error) error {
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	return fmt.Errorf("failed to update job status: %w", err)
}

func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
}

func queryOf(msg *model.JobMessage) string {
	if q := strings.TrimSpace(msg.Input.Query); q != "" {
		return q
	}
	return strings.TrimSpace(msg.Input.Text)
}

func buildPrompt(question string, docs []document) string {
	if len(docs) == 0 {
		return question
	}
	var b strings.Builder
	b.WriteString("Documents:\n")
	for _, d := range docs {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", d.Name, d.Text)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

func buildSummaryPrompt(query string, output json.RawMessage) string {
	var b strings.Builder
	if query != "" {
		b.WriteString("Question: ")
		b.WriteString(query)
		b.WriteString("\n\n")
	}
	b.WriteString("Analysis output:\n")
	if len(output) == 0 {
		b.WriteString("(none)")
	} else {
		b.Write(output)
	}
	return b.String()
}
