package store

import (
	"context"
	"errors"
	"time"

	"github.com/docchat/api/internal/model"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyExists = errors.New("job already exists")
	// ErrTerminal is returned when an update targets a COMPLETED or FAILED record.
	ErrTerminal = errors.New("job already in terminal state")
	// ErrConflict is returned when a conditional update's expected status doesn't match.
	ErrConflict = errors.New("job status changed concurrently")
)

// Store is the single source of truth for job state.
type Store interface {
	Create(ctx context.Context, status *model.JobStatus) error
	// Update applies a partial update atomically and returns the resulting record.
	Update(ctx context.Context, requestID string, u model.StatusUpdate) (*model.JobStatus, error)
	Get(ctx context.Context, requestID string) (*model.JobStatus, error)
}

// StaleLister finds QUEUED jobs created before a cutoff.
type StaleLister interface {
	ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Pinger is implemented by stores backed by a network service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// outcomeErr maps an ApplyTo outcome to the store's error vocabulary.
func outcomeErr(o model.UpdateOutcome) error {
	switch o {
	case model.RejectedTerminal:
		return ErrTerminal
	case model.RejectedCondition:
		return ErrConflict
	case model.Applied:
		return nil
	}
	return nil
}
