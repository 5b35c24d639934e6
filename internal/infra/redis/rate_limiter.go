package redis

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter is a fixed-window counter shared by every API replica that
// talks to the same Redis. It guards the submit endpoint, not the provider.
type RateLimiter struct {
	client RedisClient
	prefix string
	limit  int
	window time.Duration
}

func NewRateLimiter(client RedisClient, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow counts one submit for subject and reports whether it fits the window.
func (r *RateLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	key := SubmitKey(r.prefix, subject)
	count, err := r.client.Incr(ctx, key)
	if err != nil {
		return false, err
	}

	if count == 1 {
		if err := r.client.Expire(ctx, key, r.window); err != nil {
			return false, err
		}
	}

	return count <= int64(r.limit), nil
}

func SubmitKey(prefix, subject string) string {
	return fmt.Sprintf("%s:rate_limit:submit:%s", prefix, subject)
}
