// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Task is one unit of background work.
type Task func(ctx context.Context) error

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// Pool runs every submitted task on its own goroutine. It does not bound
// parallelism (the Scheduler's gate does); it tracks the goroutines so Stop
// can wait for them, and it turns panics into logged errors.
type Pool struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	log     *zerolog.Logger
}

func NewPool(log *zerolog.Logger) *Pool {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Pool{log: log}
}

func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().Str("panic", fmt.Sprint(r)).Msg("worker task panicked")
			}
		}()
		if err := task(ctx); err != nil {
			p.log.Error().Err(err).Msg("worker task error")
		}
	}()
	return nil
}

// Stop refuses new tasks and waits for running ones or for ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
