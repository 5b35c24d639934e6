package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/ports/repository"
)

// accumulator collects the chunks of one attempt.
type accumulator interface {
	Add(ctx context.Context, chunk string) error
	// Finish applies anything still buffered and returns the full text.
	Finish(ctx context.Context) (string, error)
	// Discard drops buffered text without applying it.
	Discard(ctx context.Context)
}

// liveAccumulator flushes to the observable response at most once per
// interval, or as soon as the buffer reaches maxBytes.
type liveAccumulator struct {
	mu       sync.Mutex
	buf      strings.Builder
	full     strings.Builder
	interval time.Duration
	maxBytes int
	timer    *time.Timer
	done     bool
	flush    func(text string)
}

func newLiveAccumulator(interval time.Duration, maxBytes int, flush func(string)) *liveAccumulator {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if maxBytes <= 0 {
		maxBytes = 500
	}
	return &liveAccumulator{interval: interval, maxBytes: maxBytes, flush: flush}
}

func (a *liveAccumulator) Add(_ context.Context, chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return nil
	}
	a.buf.WriteString(chunk)
	a.full.WriteString(chunk)
	if a.buf.Len() >= a.maxBytes {
		a.flushLocked()
		return nil
	}
	if a.timer == nil {
		a.timer = time.AfterFunc(a.interval, a.onTimer)
	}
	return nil
}

func (a *liveAccumulator) onTimer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return
	}
	a.flushLocked()
}

func (a *liveAccumulator) flushLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.buf.Len() == 0 {
		return
	}
	text := a.buf.String()
	a.buf.Reset()
	a.flush(text)
}

func (a *liveAccumulator) Finish(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return a.full.String(), nil
	}
	a.flushLocked()
	a.done = true
	return a.full.String(), nil
}

func (a *liveAccumulator) Discard(context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.buf.Reset()
	a.done = true
}

// storeAccumulator appends chunks to the out-of-band response store; the
// observable response is only set once the attempt ends.
type storeAccumulator struct {
	store repository.ResponseStore
	key   string
}

func (a *storeAccumulator) Add(ctx context.Context, chunk string) error {
	if err := a.store.Append(ctx, a.key, chunk); err != nil {
		return domain.NewJobError(domain.ErrNetworkOrProvider, err)
	}
	return nil
}

func (a *storeAccumulator) Finish(ctx context.Context) (string, error) {
	text, err := a.store.Get(ctx, a.key)
	_ = a.store.Delete(ctx, a.key)
	if err != nil {
		return "", domain.NewJobError(domain.ErrNetworkOrProvider, err)
	}
	return text, nil
}

func (a *storeAccumulator) Discard(ctx context.Context) {
	_ = a.store.Delete(ctx, a.key)
}
