package ai

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ai-batch-processor/internal/domain/ports/adapter"
)

var _ adapter.StreamingAIClient = (*NoopAIAdapter)(nil)

// NoopAIAdapter implements adapter.StreamingAIClient for local/dev testing.
// It streams the document back word by word instead of calling a provider.
type NoopAIAdapter struct {
	delay time.Duration
	log   *zerolog.Logger
}

// NewNoopAIAdapter constructs the noop adapter. delay is the pause between
// chunks.
func NewNoopAIAdapter(delay time.Duration, log *zerolog.Logger) *NoopAIAdapter {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &NoopAIAdapter{delay: delay, log: log}
}

func (a *NoopAIAdapter) Stream(ctx context.Context, req adapter.StreamRequest, onChunk adapter.ChunkFunc) (adapter.Usage, error) {
	a.log.Debug().Str("request_id", req.RequestID).Str("model", req.Model).Msg("noop stream")
	words := strings.Fields(req.Content)
	for i, w := range words {
		if a.delay > 0 {
			select {
			case <-time.After(a.delay):
			case <-ctx.Done():
				return adapter.Usage{}, ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return adapter.Usage{}, err
		}
		if i < len(words)-1 {
			w += " "
		}
		if err := onChunk(w); err != nil {
			return adapter.Usage{}, err
		}
	}
	return adapter.Usage{
		PromptTokens:     len(strings.Fields(req.Instruction)) + len(words),
		CompletionTokens: len(words),
		TotalTokens:      len(strings.Fields(req.Instruction)) + 2*len(words),
	}, nil
}
