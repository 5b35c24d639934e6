package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ai-batch-processor/internal/domain"
)

// fakeRedis is an in-memory RedisClient good enough for the store and limiter.
type fakeRedis struct {
	mu   sync.Mutex
	vals map[string]string
	ttl  map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{vals: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeRedis) Ping(context.Context) error { return nil }
func (f *fakeRedis) Set(_ context.Context, k string, v interface{}, exp time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[k] = v.(string)
	f.ttl[k] = exp
	return nil
}
func (f *fakeRedis) Get(_ context.Context, k string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[k]
	if !ok {
		return "", ErrNil
	}
	return v, nil
}
func (f *fakeRedis) Append(_ context.Context, k, v string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vals[k]; !ok {
		f.ttl[k] = -1
	}
	f.vals[k] += v
	return nil
}
func (f *fakeRedis) Incr(_ context.Context, k string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.vals[k])) + 1
	f.vals[k] = strings.Repeat("x", int(n))
	return n, nil
}
func (f *fakeRedis) Expire(_ context.Context, k string, exp time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttl[k] = exp
	return nil
}
func (f *fakeRedis) TTL(_ context.Context, k string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vals[k]; !ok {
		return -2, nil
	}
	return f.ttl[k], nil
}
func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.vals, k)
		delete(f.ttl, k)
	}
	return nil
}
func (f *fakeRedis) Keys(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range f.vals {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
func (f *fakeRedis) Close() error { return nil }

func TestResponseStore_AppendRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRedis()
	s := NewResponseStore(fr, "t", 5*time.Minute)

	if err := s.Append(ctx, "job", "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "job", "b"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get(ctx, "job"); got != "ab" {
		t.Fatalf("got %q", got)
	}
	if ttl := fr.ttl["t:response:job"]; ttl != 5*time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestResponseStore_GetMissing(t *testing.T) {
	s := NewResponseStore(newFakeRedis(), "t", time.Minute)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResponseStore_SweepAndClear(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRedis()
	s := NewResponseStore(fr, "t", time.Minute)

	_ = s.Append(ctx, "kept", "x")
	fr.vals["t:response:orphan"] = "y"
	fr.ttl["t:response:orphan"] = -1
	fr.vals["other:key"] = "z"
	fr.ttl["other:key"] = -1

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, ok := fr.vals["t:response:orphan"]; ok {
		t.Fatal("orphan survived")
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := fr.vals["t:response:kept"]; ok {
		t.Fatal("clear left store keys behind")
	}
	if _, ok := fr.vals["other:key"]; !ok {
		t.Fatal("clear removed a foreign key")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(newFakeRedis(), "t", 2, time.Minute)
	for i, want := range []bool{true, true, false} {
		ok, err := rl.Allow(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if ok != want {
			t.Fatalf("call %d: allow=%v want %v", i+1, ok, want)
		}
	}
	if ok, _ := rl.Allow(ctx, "bob"); !ok {
		t.Fatal("subjects must not share a counter")
	}
}
