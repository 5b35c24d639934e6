// Package tokens estimates token counts for usage metrics when a provider
// does not report them.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// Estimator caches one tiktoken encoder per model.
type Estimator struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

func NewEstimator() *Estimator {
	return &Estimator{encs: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count of text for model. When no encoder can be
// loaded it falls back to a four-characters-per-token approximation.
func (e *Estimator) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Approx(text)
}

func (e *Estimator) encoder(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encs[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// non-OpenAI models share the generic encoding
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		enc = nil
	}
	e.encs[model] = enc
	return enc
}

// Approx is the rough estimate used when no encoder is available.
func Approx(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}
