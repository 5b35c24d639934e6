// Package confidence scores how completely a response covers its input by
// comparing the last words of both.
package confidence

import (
	"math"
	"strings"
	"unicode"

	"ai-batch-processor/internal/config"
	"ai-batch-processor/internal/domain/model"
	"ai-batch-processor/internal/domain/ports/adapter"
)

var _ adapter.ConfidenceScorer = (*TailJaccard)(nil)

// TailJaccard computes the Jaccard similarity of the normalized word sets
// found in the trailing window of the original and of the response.
type TailJaccard struct {
	tail     int
	high     float64
	low      float64
	minRatio float64
}

func New(cfg config.ConfidenceConfig) *TailJaccard {
	t := &TailJaccard{tail: cfg.TailWords, high: cfg.HighThreshold, low: cfg.LowThreshold, minRatio: cfg.MinOutputRatio}
	if t.tail <= 0 {
		t.tail = 50
	}
	if t.high <= 0 {
		t.high = 0.6
	}
	if t.low <= 0 {
		t.low = 0.3
	}
	return t
}

func (t *TailJaccard) Score(original, response string) model.Confidence {
	in := words(original)
	out := words(response)
	if len(out) == 0 {
		return model.Confidence{Score: 0, Level: model.ConfidenceLow}
	}
	if len(in) == 0 {
		return model.Confidence{Score: 1, Level: model.ConfidenceHigh}
	}

	score := jaccard(tailSet(in, t.tail), tailSet(out, t.tail))
	score = math.Round(score*1000) / 1000

	level := model.ConfidenceMedium
	switch {
	case score >= t.high:
		level = model.ConfidenceHigh
	case score < t.low:
		level = model.ConfidenceLow
	}
	// a response far shorter than its input is most likely truncated
	if t.minRatio > 0 && float64(len(out)) < t.minRatio*float64(len(in)) {
		level = model.ConfidenceLow
	}
	return model.Confidence{Score: score, Level: level}
}

func words(s string) []string {
	f := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return f
}

func tailSet(ws []string, n int) map[string]struct{} {
	if len(ws) > n {
		ws = ws[len(ws)-n:]
	}
	set := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
