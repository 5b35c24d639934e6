package redis

import (
	"context"
	"time"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/ports/repository"
	"ai-batch-processor/internal/infra/metrics"
)

var _ repository.ResponseStore = (*ResponseStore)(nil)

// ResponseStore keeps batch-mode response buffers in Redis. Every write
// refreshes the key's TTL to the stale age, so idle entries expire on their
// own; Sweep only removes keys that somehow lost their TTL.
type ResponseStore struct {
	client RedisClient
	prefix string
	stale  time.Duration
}

func NewResponseStore(client RedisClient, prefix string, staleAfter time.Duration) *ResponseStore {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &ResponseStore{client: client, prefix: prefix + ":response:", stale: staleAfter}
}

func (s *ResponseStore) key(k string) string { return s.prefix + k }

func (s *ResponseStore) Put(ctx context.Context, key, text string) error {
	err := s.client.Set(ctx, s.key(key), text, s.stale)
	metrics.IncStoreOp("redis", "put", err)
	return err
}

func (s *ResponseStore) Append(ctx context.Context, key, chunk string) error {
	k := s.key(key)
	err := s.client.Append(ctx, k, chunk)
	if err == nil {
		err = s.client.Expire(ctx, k, s.stale)
	}
	metrics.IncStoreOp("redis", "append", err)
	return err
}

func (s *ResponseStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key))
	if isNil(err) {
		metrics.IncStoreOp("redis", "get", domain.ErrNotFound)
		return "", domain.ErrNotFound
	}
	metrics.IncStoreOp("redis", "get", err)
	return v, err
}

func (s *ResponseStore) Delete(ctx context.Context, key string) error {
	err := s.client.Del(ctx, s.key(key))
	metrics.IncStoreOp("redis", "delete", err)
	return err
}

func (s *ResponseStore) Clear(ctx context.Context) error {
	keys, err := s.client.Keys(ctx, s.prefix+"*")
	if err == nil {
		err = s.client.Del(ctx, keys...)
	}
	metrics.IncStoreOp("redis", "clear", err)
	return err
}

func (s *ResponseStore) Sweep(ctx context.Context) (int, error) {
	keys, err := s.client.Keys(ctx, s.prefix+"*")
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, k := range keys {
		ttl, err := s.client.TTL(ctx, k)
		if err != nil {
			return 0, err
		}
		// go-redis reports a key without expiry as -1
		if ttl == -1 {
			stale = append(stale, k)
		}
	}
	if err := s.client.Del(ctx, stale...); err != nil {
		return 0, err
	}
	if len(stale) > 0 {
		metrics.AddStoreSwept("redis", len(stale))
	}
	return len(stale), nil
}
