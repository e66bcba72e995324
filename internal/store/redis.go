package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/snapshot"
)

// RedisStore is a Redis-backed implementation of Store.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore stores snapshots under prefix:<id>. A positive ttl expires
// snapshots that are not rewritten in time.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "flowguard:machine"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:%s", s.prefix, id)
}

func (s *RedisStore) Write(ctx context.Context, id string, snap *machine.Snapshot) error {
	if id == "" {
		return ErrEmptyID
	}
	data, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: redis set %q: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, id string) (*machine.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: redis get %q: %w", id, err)
	}
	return snapshot.Unmarshal(data)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("store: redis del %q: %w", id, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
