package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.StreamingAIClient = (*OpenAIAdapter)(nil)

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter streams Chat Completions from OpenAI or any gateway that
// speaks the same protocol.
type OpenAIAdapter struct {
	provider string
	apiKey   string
	base     string
	maxOut   int
	client   openai.Client
}

func NewOpenAIAdapter(apiKey, base string, maxOut int) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if base == "" {
		base = openAIBaseURL
	}
	return newOpenAICompatible("openai", apiKey, base, maxOut), nil
}

func newOpenAICompatible(provider, apiKey, base string, maxOut int) *OpenAIAdapter {
	base = strings.TrimRight(base, "/")
	return &OpenAIAdapter{
		provider: provider,
		apiKey:   apiKey,
		base:     base,
		maxOut:   maxOut,
		client:   openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(base)),
	}
}

// clientFor honours per-job credentials; without them the shared client is used.
func (o *OpenAIAdapter) clientFor(c adapter.Credentials) openai.Client {
	if c.APIKey == "" && c.BaseURL == "" {
		return o.client
	}
	key, base := o.apiKey, o.base
	if c.APIKey != "" {
		key = c.APIKey
	}
	if c.BaseURL != "" {
		base = strings.TrimRight(c.BaseURL, "/")
	}
	return openai.NewClient(option.WithAPIKey(key), option.WithBaseURL(base))
}

func (o *OpenAIAdapter) Stream(ctx context.Context, req adapter.StreamRequest, onChunk adapter.ChunkFunc) (adapter.Usage, error) {
	if strings.TrimSpace(req.Model) == "" {
		return adapter.Usage{}, domain.Configurationf("%s: model is empty", o.provider)
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.Instruction),
			openai.UserMessage(req.Content),
		},
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if o.maxOut > 0 {
		params.MaxCompletionTokens = openai.Int(int64(o.maxOut))
	}

	client := o.clientFor(req.Credentials)
	stream := client.Chat.Completions.NewStreaming(ctx, params,
		option.WithHeader("X-Request-ID", req.RequestID))
	defer stream.Close()

	var (
		usage adapter.Usage
		got   bool
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = adapter.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			got = true
			if err := onChunk(ch.Delta.Content); err != nil {
				return usage, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return usage, o.classify(ctx, err)
	}
	if !got {
		return usage, domain.NewJobError(domain.ErrEmptyStream, errors.New(o.provider+": no content in stream"))
	}
	return usage, nil
}

func (o *OpenAIAdapter) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(o.provider, apiErr.StatusCode, err)
	}
	return domain.NewJobError(domain.ErrNetworkOrProvider, err)
}
