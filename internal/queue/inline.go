package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/model"
)

// InlineQueue runs the handler in a goroutine of the current process.
// It has no persistence and is meant for development and tests.
type InlineQueue struct {
	ctx     context.Context
	handler Handler
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewInlineQueue runs jobs under ctx, not under the enqueuing request's context.
func NewInlineQueue(ctx context.Context, h Handler, log zerolog.Logger) *InlineQueue {
	return &InlineQueue{ctx: ctx, handler: h, log: log.With().Str("component", "inline_queue").Logger()}
}

func (q *InlineQueue) Enqueue(_ context.Context, msg *model.JobMessage) error {
	if _, err := routeFor(msg.RequestType); err != nil {
		return err
	}
	// copy so the caller can't mutate the in-flight message
	m := *msg
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.handler(q.ctx, &m); err != nil {
			q.log.Error().Err(err).Str("request_id", m.RequestID).Msg("inline job failed")
		}
	}()
	return nil
}

// Wait blocks until every enqueued job has returned.
func (q *InlineQueue) Wait() {
	q.wg.Wait()
}
