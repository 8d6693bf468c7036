package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/model"
)

// Subscription receives status changes for one request until it is unsubscribed.
type Subscription struct {
	RequestID string
	C         <-chan *model.JobStatus

	ch chan *model.JobStatus
}

// Hub fans status changes out to subscribers grouped by request ID.
type Hub struct {
	subs map[string]map[*Subscription]struct{}

	register   chan *Subscription
	unregister chan *Subscription
	broadcast  chan *model.JobStatus
	done       chan struct{}

	mu  sync.RWMutex
	log zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs:       make(map[string]map[*Subscription]struct{}),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		broadcast:  make(chan *model.JobStatus, 256),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "events_hub").Logger(),
	}
}

// Run is the hub's main loop. It returns when ctx is done, closing every open subscription.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, subs := range h.subs {
				for sub := range subs {
					close(sub.ch)
				}
				delete(h.subs, id)
			}
			h.mu.Unlock()
			return

		case sub := <-h.register:
			h.mu.Lock()
			if h.subs[sub.RequestID] == nil {
				h.subs[sub.RequestID] = make(map[*Subscription]struct{})
			}
			h.subs[sub.RequestID][sub] = struct{}{}
			h.mu.Unlock()
			h.log.Debug().Str("request_id", sub.RequestID).Msg("subscriber registered")

		case sub := <-h.unregister:
			h.mu.Lock()
			if subs, ok := h.subs[sub.RequestID]; ok {
				if _, ok := subs[sub]; ok {
					delete(subs, sub)
					close(sub.ch)
					if len(subs) == 0 {
						delete(h.subs, sub.RequestID)
					}
				}
			}
			h.mu.Unlock()
			h.log.Debug().Str("request_id", sub.RequestID).Msg("subscriber unregistered")

		case js := <-h.broadcast:
			h.mu.RLock()
			for sub := range h.subs[js.RequestID] {
				select {
				case sub.ch <- js:
				default:
					// slow subscriber; it will re-read the store anyway
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Subscribe registers interest in requestID. Callers must Unsubscribe when done.
func (h *Hub) Subscribe(ctx context.Context, requestID string) (*Subscription, error) {
	ch := make(chan *model.JobStatus, 8)
	sub := &Subscription{RequestID: requestID, C: ch, ch: ch}
	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe removes sub and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish hands a status change to the hub without blocking the writer.
func (h *Hub) Publish(ctx context.Context, js *model.JobStatus) error {
	select {
	case h.broadcast <- js:
	case <-h.done:
	default:
		h.log.Warn().Str("request_id", js.RequestID).Msg("broadcast buffer full, dropping status event")
	}
	return nil
}

// Subscribers returns the number of open subscriptions for requestID.
func (h *Hub) Subscribers(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[requestID])
}
