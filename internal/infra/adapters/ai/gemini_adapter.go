// File: internal/infra/adapters/ai/gemini_adapter.go
package ai

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/genai"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/ports/adapter"
)

var _ adapter.StreamingAIClient = (*GeminiAdapter)(nil)

type GeminiAdapter struct {
	apiKey string
	base   string
	maxOut int

	mu      sync.Mutex
	clients map[string]*genai.Client // by api key
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, apiKey, baseURL string, maxOut int) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	g := &GeminiAdapter{apiKey: apiKey, base: baseURL, maxOut: maxOut, clients: map[string]*genai.Client{}}
	if _, err := g.client(ctx, adapter.Credentials{}); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *GeminiAdapter) client(ctx context.Context, c adapter.Credentials) (*genai.Client, error) {
	key, base := g.apiKey, g.base
	if c.APIKey != "" {
		key = c.APIKey
	}
	if c.BaseURL != "" {
		base = c.BaseURL
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cl, ok := g.clients[key+"|"+base]; ok {
		return cl, nil
	}
	cl, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: base,
		},
	})
	if err != nil {
		return nil, domain.NewJobError(domain.ErrConfiguration, err)
	}
	g.clients[key+"|"+base] = cl
	return cl, nil
}

func (g *GeminiAdapter) Stream(ctx context.Context, req adapter.StreamRequest, onChunk adapter.ChunkFunc) (adapter.Usage, error) {
	if req.Model == "" {
		return adapter.Usage{}, domain.Configurationf("gemini: model is empty")
	}
	cl, err := g.client(ctx, req.Credentials)
	if err != nil {
		return adapter.Usage{}, err
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.Instruction, genai.RoleUser),
	}
	if g.maxOut > 0 {
		cfg.MaxOutputTokens = int32(g.maxOut)
	}

	var (
		usage adapter.Usage
		got   bool
	)
	for resp, err := range cl.Models.GenerateContentStream(ctx, req.Model, genai.Text(req.Content), cfg) {
		if err != nil {
			return usage, g.classify(ctx, err)
		}
		if resp.UsageMetadata != nil {
			usage = adapter.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		got = true
		if err := onChunk(text); err != nil {
			return usage, err
		}
	}
	if ctx.Err() != nil {
		return usage, ctx.Err()
	}
	if !got {
		return usage, domain.NewJobError(domain.ErrEmptyStream, errors.New("gemini: no content in stream"))
	}
	return usage, nil
}

func (g *GeminiAdapter) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus("gemini", apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return classifyStatus("gemini", apiErrPtr.Code, err)
	}
	return domain.NewJobError(domain.ErrNetworkOrProvider, err)
}
