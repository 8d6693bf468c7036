package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/client"
	"github.com/docchat/api/internal/events"
	"github.com/docchat/api/internal/metrics"
	"github.com/docchat/api/internal/model"
	"github.com/docchat/api/internal/queue"
	"github.com/docchat/api/internal/store"
)

var (
	// ErrInvalidInput is returned when a request references files that do not exist.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStore is returned when the job record could not be written.
	ErrStore = errors.New("job store unavailable")
	// ErrEnqueue is returned when the job record was written but could not be queued.
	ErrEnqueue = errors.New("failed to enqueue job")
)

// EnqueueError carries the requestId of a job that was recorded FAILED because
// the queue rejected it.
type EnqueueError struct {
	RequestID string
	Err       error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("%s %s: %v", ErrEnqueue, e.RequestID, e.Err)
}

func (e *EnqueueError) Unwrap() []error { return []error{ErrEnqueue, e.Err} }

// JobSubmitter accepts new jobs and answers status queries.
type JobSubmitter interface {
	SubmitMessage(ctx context.Context, req *model.MessageRequest) (*model.SubmitResponse, error)
	StartProcessing(ctx context.Context, req *model.StartProcessingRequest) (*model.SubmitResponse, error)
	GetStatus(ctx context.Context, requestID string) (*model.JobStatus, error)
	WaitStatus(ctx context.Context, requestID string, since time.Time, wait time.Duration) (*model.JobStatus, error)
}

// JobService is the dispatcher: it records every job as QUEUED and hands it
// to the queue without doing any of the work itself.
type JobService struct {
	store   store.Store
	queue   queue.Queue
	storage client.Storage
	hub     *events.Hub
	maxWait time.Duration
	newID   func() string
	now     func() time.Time
	log     zerolog.Logger
}

// NewJobService builds the dispatcher. storage and hub may be nil; without
// storage file references are not checked, without a hub WaitStatus returns
// immediately.
func NewJobService(st store.Store, q queue.Queue, storage client.Storage, hub *events.Hub, maxWait time.Duration, log zerolog.Logger) *JobService {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &JobService{
		store:   st,
		queue:   q,
		storage: storage,
		hub:     hub,
		maxWait: maxWait,
		newID:   uuid.NewString,
		now:     time.Now,
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// SubmitMessage queues a DIRECT job answering req.Message.
func (s *JobService) SubmitMessage(ctx context.Context, req *model.MessageRequest) (*model.SubmitResponse, error) {
	msg := &model.JobMessage{
		RequestType: model.RequestTypeDirect,
		SessionID:   req.SessionID,
		Input: model.JobInput{
			Text:     req.Message,
			Files:    req.Files,
			Metadata: req.Metadata,
		},
	}
	return s.submit(ctx, msg)
}

// StartProcessing queues a WORKFLOW job running req.Query over req.Files.
func (s *JobService) StartProcessing(ctx context.Context, req *model.StartProcessingRequest) (*model.SubmitResponse, error) {
	msg := &model.JobMessage{
		RequestType: model.RequestTypeWorkflow,
		SessionID:   req.SessionID,
		Input: model.JobInput{
			Query: req.Query,
			Files: req.Files,
		},
	}
	return s.submit(ctx, msg)
}

func (s *JobService) submit(ctx context.Context, msg *model.JobMessage) (*model.SubmitResponse, error) {
	if err := s.checkFiles(ctx, msg.Input.Files); err != nil {
		return nil, err
	}

	msg.RequestID = s.newID()
	log := s.log.With().
		Str("request_id", msg.RequestID).
		Str("request_type", string(msg.RequestType)).
		Logger()

	// The record must exist before a worker can see the message.
	js := model.NewJobStatus(msg.RequestID, msg.RequestType, s.now())
	if err := s.store.Create(ctx, js); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	if err := s.queue.Enqueue(ctx, msg); err != nil {
		metrics.IncEnqueueFailure()
		log.Error().Err(err).Msg("enqueue failed")

		u := model.ToFailed("EnqueueError", err.Error()).When(model.StatusQueued)
		if _, uerr := s.store.Update(context.WithoutCancel(ctx), msg.RequestID, u); uerr != nil {
			log.Error().Err(uerr).Msg("failed to record enqueue failure")
		}
		return nil, &EnqueueError{RequestID: msg.RequestID, Err: err}
	}

	metrics.IncSubmitted(string(msg.RequestType))
	log.Info().Int("files", len(msg.Input.Files)).Msg("job queued")

	return &model.SubmitResponse{
		RequestID: msg.RequestID,
		Status:    model.StatusQueued,
		Progress:  0,
	}, nil
}

func (s *JobService) checkFiles(ctx context.Context, files []model.FileRef) error {
	if s.storage == nil || !s.storage.IsConfigured() {
		return nil
	}
	for _, f := range files {
		if _, err := s.storage.Stat(ctx, f); err != nil {
			if errors.Is(err, client.ErrObjectNotFound) {
				return fmt.Errorf("%w: file %q does not exist", ErrInvalidInput, f.Key)
			}
			return fmt.Errorf("failed to check file %q: %w", f.Key, err)
		}
	}
	return nil
}

// GetStatus returns the current record or store.ErrNotFound.
func (s *JobService) GetStatus(ctx context.Context, requestID string) (*model.JobStatus, error) {
	return s.store.Get(ctx, requestID)
}

// WaitStatus long-polls: it returns as soon as the record has changed after
// since, the job is terminal, or wait (capped at the configured maximum) elapses.
func (s *JobService) WaitStatus(ctx context.Context, requestID string, since time.Time, wait time.Duration) (*model.JobStatus, error) {
	js, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if wait <= 0 || s.hub == nil || changed(js, since) {
		return js, nil
	}
	if wait > s.maxWait {
		wait = s.maxWait
	}

	sub, err := s.hub.Subscribe(ctx, requestID)
	if err != nil {
		return js, nil
	}
	defer s.hub.Unsubscribe(sub)

	// re-read so an update between Get and Subscribe is not missed
	if latest, err := s.store.Get(ctx, requestID); err == nil {
		js = latest
		if changed(js, since) {
			return js, nil
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return js, nil
			}
			if ev.UpdatedAt.Before(js.UpdatedAt) {
				continue
			}
			js = ev
			if changed(js, since) {
				return js, nil
			}
		case <-timer.C:
			return js, nil
		case <-ctx.Done():
			return js, nil
		}
	}
}

func changed(js *model.JobStatus, since time.Time) bool {
	return js.Status.Terminal() || js.UpdatedAt.After(since)
}
