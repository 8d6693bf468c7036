package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/model"
)

type AsynqOptions struct {
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

// AsynqQueue publishes jobs as asynq tasks on Redis.
type AsynqQueue struct {
	client *asynq.Client
	opts   AsynqOptions
}

func NewAsynqQueue(client *asynq.Client, opts AsynqOptions) *AsynqQueue {
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &AsynqQueue{client: client, opts: opts}
}

// Enqueue uses the request ID as task ID, so a repeated enqueue of the same job is a no-op.
func (q *AsynqQueue) Enqueue(ctx context.Context, msg *model.JobMessage) error {
	task, r, err := newJobTask(msg)
	if err != nil {
		return err
	}

	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(r.queue),
		asynq.TaskID(msg.RequestID),
		asynq.MaxRetry(q.opts.MaxRetry),
		asynq.Timeout(q.opts.Timeout),
		asynq.Retention(q.opts.Retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func newJobTask(msg *model.JobMessage) (*asynq.Task, route, error) {
	r, err := routeFor(msg.RequestType)
	if err != nil {
		return nil, route{}, err
	}
	data, err := msg.Encode()
	if err != nil {
		return nil, route{}, fmt.Errorf("failed to marshal job message: %w", err)
	}
	return asynq.NewTask(r.taskType, data), r, nil
}

// NewAsynqHandler adapts h to an asynq task handler.
// Malformed payloads are not retried.
func NewAsynqHandler(h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		msg, err := model.DecodeJobMessage(t.Payload())
		if err != nil {
			return fmt.Errorf("failed to decode task payload: %v: %w", err, asynq.SkipRetry)
		}
		r, err := routeFor(msg.RequestType)
		if err != nil || r.taskType != t.Type() {
			return fmt.Errorf("task type %s does not match request type %s: %w", t.Type(), msg.RequestType, asynq.SkipRetry)
		}
		return h(ctx, msg)
	}
}

// NewAsynqErrorHandler logs task failures and hands a job to drop once its
// task has used up every retry. Tasks that asynq will run again are left alone.
func NewAsynqErrorHandler(drop DropFunc, log zerolog.Logger) asynq.ErrorHandlerFunc {
	return func(ctx context.Context, t *asynq.Task, err error) {
		id, _ := asynq.GetTaskID(ctx)
		log.Error().Err(err).Str("task_type", t.Type()).Str("task_id", id).Msg("task failed")

		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
			return
		}
		msg, derr := model.DecodeJobMessage(t.Payload())
		if derr != nil || drop == nil {
			return
		}
		if derr := drop(ctx, msg, err); derr != nil {
			log.Error().Err(derr).Str("request_id", msg.RequestID).Msg("failed to close out job after final retry")
		}
	}
}

// RegisterAsynq mounts h for both job task types.
func RegisterAsynq(mux *asynq.ServeMux, h Handler) {
	handler := NewAsynqHandler(h)
	mux.Handle(TaskTypeDirect, handler)
	mux.Handle(TaskTypeWorkflow, handler)
}

// AsynqQueues is the queue priority map for asynq.Config.
// Workflow jobs hold a worker for minutes, so direct jobs get the larger share.
func AsynqQueues() map[string]int {
	return map[string]int{
		QueueDirect:   6,
		QueueWorkflow: 4,
	}
}
