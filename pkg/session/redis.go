package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxUpdateAttempts = 32

// RedisStore keeps session values in Redis so that several portal instances
// can share interaction state.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix used for every Redis key
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithDefaultTTL sets the ttl applied when callers pass zero
func WithDefaultTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.defaultTTL = ttl
	}
}

// NewRedisStore creates a RedisStore on top of an existing client
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     "portal-oauth:session:",
		defaultTTL: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(sessionID, key string) string {
	return s.prefix + compositeKey(sessionID, key)
}

func (s *RedisStore) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}

func (s *RedisStore) Get(ctx context.Context, sessionID, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(sessionID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session value: %w", err)
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, sessionID, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(sessionID, key), value, s.ttl(ttl)).Err(); err != nil {
		return fmt.Errorf("failed to set session value: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, sessionID, key string) error {
	if err := s.client.Del(ctx, s.key(sessionID, key)).Err(); err != nil {
		return fmt.Errorf("failed to remove session value: %w", err)
	}
	return nil
}

// Update uses optimistic locking (WATCH/MULTI). A concurrent write to the same
// key aborts the transaction and fn is re-run against the new value.
func (s *RedisStore) Update(ctx context.Context, sessionID, key string, ttl time.Duration, fn UpdateFunc) error {
	k := s.key(sessionID, key)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, k)
				return nil
			}
			pipe.Set(ctx, k, next, s.ttl(ttl))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			slog.Debug("Session update conflicted, retrying", "key", key, "attempt", attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update session value %s: too many concurrent writers", key)
}
