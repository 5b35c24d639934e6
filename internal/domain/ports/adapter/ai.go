package adapter

import (
	"context"
	"time"

	"ai-batch-processor/internal/domain/model"
)

// Credentials override the provider's configured key for one job.
type Credentials struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// Usage for a single streamed call, as reported by the provider when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamRequest is everything a provider needs to process one job attempt.
type StreamRequest struct {
	RequestID   string
	Provider    string
	Model       string
	Instruction string
	Content     string
	Credentials Credentials
}

// ChunkFunc receives response text in order. Returning an error stops the stream.
type ChunkFunc func(chunk string) error

// StreamingAIClient is the port for streamed LLM completions.
//
// Stream returns nil once the provider ends the stream. Cancellation of ctx
// must end the call promptly. Implementations return domain.ErrEmptyStream
// (wrapped) when the provider closes without producing any text.
type StreamingAIClient interface {
	Stream(ctx context.Context, req StreamRequest, onChunk ChunkFunc) (Usage, error)
}

// ContentHandle is an opaque reference to a submitted document. It stays
// readable for the whole life of the job.
type ContentHandle interface {
	ID() string
	Name() string
	Size() int64
	ModTime() time.Time
	Read(ctx context.Context) (string, error)
}

// ConfidenceScorer compares the tail of the input with the tail of the output.
type ConfidenceScorer interface {
	Score(original, response string) model.Confidence
}

// ScorerFunc adapts a plain function to ConfidenceScorer.
type ScorerFunc func(original, response string) model.Confidence

func (f ScorerFunc) Score(original, response string) model.Confidence { return f(original, response) }
