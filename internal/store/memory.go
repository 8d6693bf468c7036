package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docchat/api/internal/model"
)

// MemoryStore keeps job statuses in process memory. Used in tests and single-binary dev mode.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.JobStatus
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*model.JobStatus),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, status *model.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[status.RequestID]; ok {
		return ErrAlreadyExists
	}
	s.jobs[status.RequestID] = status.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, requestID string, u model.StatusUpdate) (*model.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.jobs[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	next := js.Clone()
	if err := outcomeErr(u.ApplyTo(next, s.now())); err != nil {
		return js.Clone(), err
	}
	s.jobs[requestID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, requestID string) (*model.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	js, ok := s.jobs[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return js.Clone(), nil
}

func (s *MemoryStore) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*model.JobStatus
	for _, js := range s.jobs {
		if js.Status == model.StatusQueued && js.CreatedAt.Before(cutoff) {
			stale = append(stale, js)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })

	ids := make([]string, 0, len(stale))
	for _, js := range stale {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, js.RequestID)
	}
	return ids, nil
}
