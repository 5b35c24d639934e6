// File: internal/infra/adapters/ai/multi_adapter.go
package ai

import (
	"context"
	"sort"
	"strings"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/ports/adapter"
)

var _ adapter.StreamingAIClient = (*MultiAIAdapter)(nil)

type MultiAIAdapter struct {
	defaultProvider string // e.g., "openai" or "gemini"
	byProvider      map[string]adapter.StreamingAIClient
	modelToProvider map[string]string // model -> provider
}

// NewMultiAIAdapter routes each request to a provider adapter. It only knows
// a default provider; models come from the request.
func NewMultiAIAdapter(
	defaultProvider string,
	byProvider map[string]adapter.StreamingAIClient,
	modelToProvider map[string]string,
) *MultiAIAdapter {
	bp := make(map[string]adapter.StreamingAIClient, len(byProvider))
	for k, v := range byProvider {
		if v != nil {
			bp[strings.ToLower(k)] = v
		}
	}
	return &MultiAIAdapter{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      bp,
		modelToProvider: modelToProvider,
	}
}

// ResolveProvider returns the provider that serves model: explicit table
// first, then name heuristics, then the default provider.
func (m *MultiAIAdapter) ResolveProvider(model string) string {
	if p := m.modelToProvider[model]; p != "" {
		return strings.ToLower(p)
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return "gemini"
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"), strings.HasPrefix(l, "o4"):
		return "openai"
	default:
		return m.defaultProvider
	}
}

// HasProvider reports whether an adapter is wired for provider.
func (m *MultiAIAdapter) HasProvider(provider string) bool {
	_, ok := m.byProvider[strings.ToLower(provider)]
	return ok
}

// Providers lists the wired provider names.
func (m *MultiAIAdapter) Providers() []string {
	out := make([]string, 0, len(m.byProvider))
	for p := range m.byProvider {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ListModels returns the models explicitly mapped in config.
func (m *MultiAIAdapter) ListModels() []string {
	out := make([]string, 0, len(m.modelToProvider))
	for model := range m.modelToProvider {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}

func (m *MultiAIAdapter) Stream(ctx context.Context, req adapter.StreamRequest, onChunk adapter.ChunkFunc) (adapter.Usage, error) {
	prov := strings.ToLower(req.Provider)
	if prov == "" {
		prov = m.ResolveProvider(req.Model)
	}
	a := m.byProvider[prov]
	if a == nil {
		return adapter.Usage{}, domain.Configurationf("no adapter configured for provider %q (model %q)", prov, req.Model)
	}
	req.Provider = prov
	return a.Stream(ctx, req, onChunk)
}
