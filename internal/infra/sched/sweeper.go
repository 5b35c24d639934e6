package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ai-batch-processor/internal/domain/ports/repository"
)

// StoreSweeper periodically drops response buffers nobody has touched for a
// while, e.g. those orphaned by a crash mid-stream. The stores count what they
// sweep themselves.
type StoreSweeper struct {
	interval time.Duration
	store    repository.ResponseStore
	backend  string
	log      *zerolog.Logger
}

func NewStoreSweeper(interval time.Duration, store repository.ResponseStore, backend string, logger *zerolog.Logger) *StoreSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	swLog := logger.With().Str("component", "StoreSweeper").Logger()
	return &StoreSweeper{
		interval: interval,
		store:    store,
		backend:  backend,
		log:      &swLog,
	}
}

func (w *StoreSweeper) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting store sweeper")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping store sweeper")
			return ctx.Err()
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *StoreSweeper) sweepOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := w.store.Sweep(runCtx)
	if err != nil {
		w.log.Error().Err(err).Msg("store sweep error")
	}
	if n > 0 {
		w.log.Info().Str("backend", w.backend).Int("count", n).Msg("stale response buffers removed")
	}
}
