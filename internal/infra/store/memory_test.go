package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/infra/store"
)

func TestMemory_AppendGetDelete(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(time.Minute, nil)

	for _, c := range []string{"hel", "lo ", "world"} {
		if err := m.Append(ctx, "job-1", c); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := m.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("got %q", got)
	}

	if err := m.Put(ctx, "job-1", "replaced"); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Get(ctx, "job-1"); got != "replaced" {
		t.Fatalf("put did not replace: %q", got)
	}

	_ = m.Delete(ctx, "job-1")
	if _, err := m.Get(ctx, "job-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_SweepDropsStaleEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := func() time.Time { return now }
	m := store.NewMemory(5*time.Minute, clk)

	_ = m.Append(ctx, "old", "a")
	now = now.Add(4 * time.Minute)
	_ = m.Append(ctx, "fresh", "b")
	now = now.Add(2 * time.Minute) // old is 6m idle, fresh is 2m idle

	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, err := m.Get(ctx, "old"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("old entry survived sweep")
	}
	if v, _ := m.Get(ctx, "fresh"); v != "b" {
		t.Fatalf("fresh entry lost: %q", v)
	}
}

func TestMemory_Clear(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(0, nil)
	_ = m.Append(ctx, "a", "1")
	_ = m.Append(ctx, "b", "2")
	_ = m.Clear(ctx)
	if m.Len() != 0 {
		t.Fatalf("len after clear = %d", m.Len())
	}
}
