package repository

import "context"

// ResponseStore buffers streamed response text outside the observable job
// snapshots. Entries untouched for longer than the store's stale age are
// removed by Sweep.
type ResponseStore interface {
	Put(ctx context.Context, key, text string) error
	Append(ctx context.Context, key, chunk string) error
	// Get returns domain.ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Sweep(ctx context.Context) (int, error)
}
