// Package store holds the in-process ResponseStore used when no Redis is
// configured.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/ports/repository"
	"ai-batch-processor/internal/infra/metrics"
)

var _ repository.ResponseStore = (*Memory)(nil)

type entry struct {
	buf     strings.Builder
	touched time.Time
}

// Memory is a mutex-guarded map of response buffers.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	stale   time.Duration
	now     func() time.Time
}

// NewMemory returns a store whose Sweep drops entries untouched for staleAfter.
// A nil clock uses time.Now.
func NewMemory(staleAfter time.Duration, clk func() time.Time) *Memory {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if clk == nil {
		clk = time.Now
	}
	return &Memory{entries: make(map[string]*entry), stale: staleAfter, now: clk}
}

func (m *Memory) Put(_ context.Context, key, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &entry{touched: m.now()}
	e.buf.WriteString(text)
	m.entries[key] = e
	metrics.IncStoreOp("memory", "put", nil)
	return nil
}

func (m *Memory) Append(_ context.Context, key, chunk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil {
		e = &entry{}
		m.entries[key] = e
	}
	e.buf.WriteString(chunk)
	e.touched = m.now()
	metrics.IncStoreOp("memory", "append", nil)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil {
		metrics.IncStoreOp("memory", "get", domain.ErrNotFound)
		return "", domain.ErrNotFound
	}
	metrics.IncStoreOp("memory", "get", nil)
	return e.buf.String(), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	metrics.IncStoreOp("memory", "delete", nil)
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
	metrics.IncStoreOp("memory", "clear", nil)
	return nil
}

func (m *Memory) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.stale)
	n := 0
	for k, e := range m.entries {
		if e.touched.Before(cutoff) {
			delete(m.entries, k)
			n++
		}
	}
	if n > 0 {
		metrics.AddStoreSwept("memory", n)
	}
	return n, nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
