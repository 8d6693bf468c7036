package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/model"
)

// RedisBridge forwards status changes published on Redis by any process into a local Hub.
type RedisBridge struct {
	rdb     *redis.Client
	pattern string
	hub     *Hub
	ready   chan struct{}
	log     zerolog.Logger
}

// NewRedisBridge subscribes to channelPrefix+"*". channelPrefix must match the store's.
func NewRedisBridge(rdb *redis.Client, channelPrefix string, hub *Hub, log zerolog.Logger) *RedisBridge {
	return &RedisBridge{
		rdb:     rdb,
		pattern: channelPrefix + "*",
		hub:     hub,
		ready:   make(chan struct{}),
		log:     log.With().Str("component", "redis_bridge").Logger(),
	}
}

// Ready is closed once the pattern subscription is confirmed.
func (b *RedisBridge) Ready() <-chan struct{} {
	return b.ready
}

// Run blocks until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.rdb.PSubscribe(ctx, b.pattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	close(b.ready)
	b.log.Info().Str("pattern", b.pattern).Msg("listening for status events")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var js model.JobStatus
			if err := json.Unmarshal([]byte(msg.Payload), &js); err != nil {
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed status event")
				continue
			}
			_ = b.hub.Publish(ctx, &js)
		}
	}
}
