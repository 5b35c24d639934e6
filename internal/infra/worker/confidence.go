package worker

import (
	"context"
	"fmt"
	"time"

	"ai-batch-processor/internal/domain/model"
	"ai-batch-processor/internal/domain/ports/adapter"
)

// ConfidenceEvaluator re-reads a job's source and scores the response
// against it.
type ConfidenceEvaluator struct {
	scorer      adapter.ConfidenceScorer
	readTimeout time.Duration
}

// NewConfidenceEvaluator returns nil when scorer is nil; a nil evaluator
// accepts every successful response as final.
func NewConfidenceEvaluator(scorer adapter.ConfidenceScorer, readTimeout time.Duration) *ConfidenceEvaluator {
	if scorer == nil {
		return nil
	}
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	return &ConfidenceEvaluator{scorer: scorer, readTimeout: readTimeout}
}

func (e *ConfidenceEvaluator) Evaluate(ctx context.Context, src adapter.ContentHandle, response string) (model.Confidence, error) {
	ctx, cancel := context.WithTimeout(ctx, e.readTimeout)
	defer cancel()
	original, err := src.Read(ctx)
	if err != nil {
		return model.Confidence{}, fmt.Errorf("re-read %s: %w", src.Name(), err)
	}
	c := e.scorer.Score(original, response)
	if c.Score < 0 {
		c.Score = 0
	} else if c.Score > 1 {
		c.Score = 1
	}
	return c, nil
}
