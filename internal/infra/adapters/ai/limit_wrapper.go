package ai

import (
	"context"

	"ai-batch-processor/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.StreamingAIClient = (*limitedAI)(nil)

// limitedAI caps open streams process-wide, across sessions and providers.
type limitedAI struct {
	inner adapter.StreamingAIClient
	sem   chan struct{}
}

func NewLimitedAI(inner adapter.StreamingAIClient, maxConcurrent int) adapter.StreamingAIClient {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedAI{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedAI) Stream(ctx context.Context, req adapter.StreamRequest, onChunk adapter.ChunkFunc) (adapter.Usage, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return adapter.Usage{}, ctx.Err()
	}
	defer func() { <-l.sem }()
	return l.inner.Stream(ctx, req, onChunk)
}
