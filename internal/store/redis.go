package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docchat/api/internal/model"
)

const (
	defaultKeyPrefix     = "job:"
	defaultQueuedSetKey  = "jobs:queued"
	defaultChannelPrefix = "job-status:"
	maxTxRetries         = 25
)

// RedisOptions configures RedisStore.
type RedisOptions struct {
	// Retention is the TTL applied at creation. Zero keeps records forever.
	Retention time.Duration
	// ChannelPrefix is the pub/sub channel prefix for status changes. Empty disables publishing.
	ChannelPrefix string
}

// RedisStore keeps each JobStatus as a JSON string under job:<requestId>.
// Updates run in WATCH/MULTI transactions so a partial update is never visible torn.
// QUEUED records are indexed in a sorted set scored by creation time for the stale sweeper.
type RedisStore struct {
	rdb           *redis.Client
	retention     time.Duration
	keyPrefix     string
	queuedSet     string
	channelPrefix string
	now           func() time.Time
}

func NewRedisStore(rdb *redis.Client, opts RedisOptions) *RedisStore {
	return &RedisStore{
		rdb:           rdb,
		retention:     opts.Retention,
		keyPrefix:     defaultKeyPrefix,
		queuedSet:     defaultQueuedSetKey,
		channelPrefix: opts.ChannelPrefix,
		now:           time.Now,
	}
}

// ChannelFor returns the pub/sub channel carrying updates for requestID.
func ChannelFor(prefix, requestID string) string {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return prefix + requestID
}

func (s *RedisStore) key(requestID string) string {
	return s.keyPrefix + requestID
}

func (s *RedisStore) Create(ctx context.Context, status *model.JobStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal job status: %w", err)
	}
	key := s.key(status.RequestID)

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.retention)
			if status.Status == model.StatusQueued {
				pipe.ZAdd(ctx, s.queuedSet, redis.Z{
					Score:  float64(status.CreatedAt.Unix()),
					Member: status.RequestID,
				})
			}
			s.publish(ctx, pipe, status.RequestID, data)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("failed to save job status: %w", err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, requestID string, u model.StatusUpdate) (*model.JobStatus, error) {
	key := s.key(requestID)

	var result *model.JobStatus
	txf := func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := outcomeErr(u.ApplyTo(next, s.now())); err != nil {
			result = current
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal job status: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			if next.Status != model.StatusQueued {
				pipe.ZRem(ctx, s.queuedSet, requestID)
			}
			s.publish(ctx, pipe, requestID, data)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound):
			// expired record; drop it from the queued index too
			s.rdb.ZRem(ctx, s.queuedSet, requestID)
			return nil, err
		case errors.Is(err, ErrTerminal), errors.Is(err, ErrConflict):
			return result, err
		default:
			return nil, fmt.Errorf("failed to update job status: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to update job status: %w", redis.TxFailedErr)
}

func (s *RedisStore) Get(ctx context.Context, requestID string) (*model.JobStatus, error) {
	return s.read(ctx, s.rdb, s.key(requestID))
}

func (s *RedisStore) read(ctx context.Context, c getter, key string) (*model.JobStatus, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var js model.JobStatus
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job status: %w", err)
	}
	return &js, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) publish(ctx context.Context, pipe redis.Pipeliner, requestID string, data []byte) {
	if s.channelPrefix == "" {
		return
	}
	pipe.Publish(ctx, ChannelFor(s.channelPrefix, requestID), data)
}

func (s *RedisStore) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, s.queuedSet, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
