package store

import (
	"context"
	"time"

	"github.com/docchat/api/internal/model"
)

// Publisher receives every successfully written status.
type Publisher interface {
	Publish(ctx context.Context, status *model.JobStatus) error
}

// Notifying wraps a Store and publishes each successful write.
// Use it with stores that don't publish natively (memory, postgres).
type Notifying struct {
	Store
	pub Publisher
}

func NewNotifying(s Store, pub Publisher) *Notifying {
	return &Notifying{Store: s, pub: pub}
}

func (n *Notifying) Create(ctx context.Context, status *model.JobStatus) error {
	if err := n.Store.Create(ctx, status); err != nil {
		return err
	}
	_ = n.pub.Publish(ctx, status.Clone())
	return nil
}

func (n *Notifying) Update(ctx context.Context, requestID string, u model.StatusUpdate) (*model.JobStatus, error) {
	js, err := n.Store.Update(ctx, requestID, u)
	if err != nil {
		return js, err
	}
	_ = n.pub.Publish(ctx, js.Clone())
	return js, nil
}

// ListQueuedBefore forwards to the wrapped store when it supports stale listing.
func (n *Notifying) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if l, ok := n.Store.(StaleLister); ok {
		return l.ListQueuedBefore(ctx, cutoff, limit)
	}
	return nil, nil
}

func (n *Notifying) Ping(ctx context.Context) error {
	if p, ok := n.Store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
