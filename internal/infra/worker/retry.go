package worker

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ai-batch-processor/internal/domain"
)

// Placement decides where a retried job re-enters the queue.
type Placement string

const (
	PlaceBack  Placement = "back"
	PlaceFront Placement = "front"
)

// RetryPolicy holds the automatic retry rules for error and low-confidence
// outcomes.
type RetryPolicy struct {
	MaxAttempts       int
	MaxLowConfidence  int
	Base              time.Duration
	Max               time.Duration
	ConfidenceBackoff bool
	Placement         Placement
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		MaxLowConfidence: 3,
		Base:             time.Second,
		Max:              30 * time.Second,
		Placement:        PlaceBack,
	}
}

// Backoff returns base × 2^attempt, capped at Max.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.Base
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = p.Max
	if p.Max <= 0 {
		expo.MaxInterval = time.Duration(math.MaxInt64)
	}
	expo.MaxElapsedTime = 0
	expo.Reset()

	d := expo.NextBackOff()
	for i := 0; i < attempt && d < expo.MaxInterval; i++ {
		d = expo.NextBackOff()
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// RetryAfterError reports whether a failed attempt is retried given the
// number of retries already spent.
func (p RetryPolicy) RetryAfterError(err error, attempts int) bool {
	return attempts < p.MaxAttempts && domain.IsRetryable(err)
}

// RetryAfterLowConfidence reports whether a low-confidence result is retried.
func (p RetryPolicy) RetryAfterLowConfidence(retries int) bool {
	return retries < p.MaxLowConfidence
}

// ConfidenceDelay is the wait before a low-confidence retry; zero re-queues
// immediately.
func (p RetryPolicy) ConfidenceDelay(retries int) time.Duration {
	if !p.ConfidenceBackoff {
		return 0
	}
	return p.Backoff(retries)
}
