package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

const (
	defaultKeyPrefix = "docqa:job:"
	maxTxRetries     = 10
)

// RedisStore keeps one JSON value per trace ID. Transitions use optimistic
// WATCH/MULTI transactions; terminal records expire after the retention
// window instead of being swept.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore wraps client. A retention of zero keeps terminal records
// forever.
func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		prefix:    defaultKeyPrefix,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) key(traceID string) string {
	return s.prefix + traceID
}

func (s *RedisStore) Create(ctx context.Context, traceID string, kind Kind) (Record, error) {
	rec := newRecord(traceID, kind, s.now())
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encoding job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(traceID), data, 0).Result()
	if err != nil {
		return Record{}, fmt.Errorf("creating job %s: %w", traceID, err)
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrExists, traceID)
	}
	return rec, nil
}

func (s *RedisStore) Transition(ctx context.Context, traceID string, u Update) (Record, error) {
	key := s.key(traceID)
	var out Record

	txf := func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx.Get, traceID)
		if err != nil {
			return err
		}
		if err := CheckTransition(cur, u); err != nil {
			out = cur
			return err
		}
		next := apply(cur, u, s.now())
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding job: %w", err)
		}
		ttl := time.Duration(0)
		if next.Status.Terminal() {
			ttl = s.retention
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return Record{}, fmt.Errorf("transition %s: too much contention", traceID)
}

func (s *RedisStore) Get(ctx context.Context, traceID string) (Record, error) {
	return s.read(ctx, s.client.Get, traceID)
}

// Sweep is a no-op: terminal records carry a TTL.
func (s *RedisStore) Sweep(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) read(ctx context.Context, get func(context.Context, string) *redis.StringCmd, traceID string) (Record, error) {
	data, err := get(ctx, s.key(traceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, traceID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading job %s: %w", traceID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding job %s: %w", traceID, err)
	}
	return rec, nil
}
