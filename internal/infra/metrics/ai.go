package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		aiTokensIn,
		aiTokensOut,
		aiStreamLatencyMs,
		aiStreamChunks,
	)
}

var (
	aiTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_in",
			Help: "Sum of prompt (input) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	aiTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_out",
			Help: "Sum of completion (output) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	aiStreamLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_stream_latency_ms",
			Help:    "Streamed call duration in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 32000, 64000},
		},
		[]string{"provider", "model", "success"},
	)

	aiStreamChunks = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_stream_chunks",
			Help:    "Chunks received per streamed call.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"provider", "model"},
	)
)

func ObserveStream(provider, model string, tokensIn, tokensOut, chunks int, latencyMs int64, success bool) {
	lbl := []string{norm(provider), norm(model)}
	aiTokensIn.WithLabelValues(lbl...).Add(float64(tokensIn))
	aiTokensOut.WithLabelValues(lbl...).Add(float64(tokensOut))
	aiStreamChunks.WithLabelValues(lbl...).Observe(float64(chunks))
	aiStreamLatencyMs.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}
