// Package application wires the configured adapters, store and scheduler
// into a ready Runtime and drives file batches on top of it.
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ai-batch-processor/internal/config"
	"ai-batch-processor/internal/domain/ports/adapter"
	"ai-batch-processor/internal/domain/ports/repository"
	aiAdapters "ai-batch-processor/internal/infra/adapters/ai"
	"ai-batch-processor/internal/infra/confidence"
	red "ai-batch-processor/internal/infra/redis"
	"ai-batch-processor/internal/infra/store"
	"ai-batch-processor/internal/infra/tokens"
	"ai-batch-processor/internal/infra/worker"
	"ai-batch-processor/internal/usecase"
)

// SubmitLimiter throttles submissions per subject. Only the Redis backend
// provides one.
type SubmitLimiter interface {
	Allow(ctx context.Context, subject string) (bool, error)
}

// Runtime is everything a front end needs to serve batches.
type Runtime struct {
	Router    *aiAdapters.MultiAIAdapter
	Store     repository.ResponseStore
	Backend   string // memory | redis
	Limiter   SubmitLimiter
	Scheduler *worker.Scheduler
	Batch     usecase.BatchUseCase

	closers []func() error
	log     *zerolog.Logger
}

// Build wires the runtime from cfg. The caller owns Close.
func Build(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*Runtime, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	rt := &Runtime{log: logger}

	router, err := BuildRouter(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.Router = router
	var client adapter.StreamingAIClient = router
	if cfg.AI.ConcurrentLimit > 0 {
		client = aiAdapters.NewLimitedAI(router, cfg.AI.ConcurrentLimit)
	}

	if cfg.Redis.URL != "" {
		rc, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.closers = append(rt.closers, rc.Close)
		rt.Store = red.NewResponseStore(rc, cfg.Redis.Prefix, cfg.Scheduler.StoreStaleAfter)
		rt.Backend = "redis"
		if cfg.HTTP.SubmitLimit > 0 {
			rt.Limiter = red.NewRateLimiter(rc, cfg.Redis.Prefix, cfg.HTTP.SubmitLimit, cfg.HTTP.SubmitWindow)
		}
		logger.Info().Str("addr", cfg.Redis.URL).Msg("redis response store enabled")
	} else {
		rt.Store = store.NewMemory(cfg.Scheduler.StoreStaleAfter, nil)
		rt.Backend = "memory"
	}

	var evaluator *worker.ConfidenceEvaluator
	if !cfg.Scheduler.ConfidenceDisabled {
		evaluator = worker.NewConfidenceEvaluator(confidence.New(cfg.Confidence), cfg.Scheduler.ConfidenceReadDeadline)
	}

	opts := worker.OptionsFromConfig(cfg)
	opts.Tokens = tokens.NewEstimator()
	rt.Scheduler = worker.NewScheduler(client, rt.Store, evaluator, opts, logger)
	rt.Batch = usecase.NewBatchUseCase(rt.Scheduler, router, cfg, logger)
	return rt, nil
}

// Close aborts in-flight work and releases the store connection.
func (rt *Runtime) Close(ctx context.Context) error {
	err := rt.Scheduler.Close(ctx)
	for _, c := range rt.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// BuildRouter wires every provider that has credentials, plus the noop
// provider for local runs.
func BuildRouter(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*aiAdapters.MultiAIAdapter, error) {
	byProvider := map[string]adapter.StreamingAIClient{
		"noop": aiAdapters.NewNoopAIAdapter(20*time.Millisecond, logger),
	}
	if cfg.AI.OpenAIKey != "" {
		a, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		byProvider["openai"] = a
	}
	if cfg.AI.MetisKey != "" {
		a, err := aiAdapters.NewMetisOpenAIAdapter(cfg.AI.MetisKey, cfg.AI.MetisBaseURL, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("metis adapter: %w", err)
		}
		byProvider["metis"] = a
	}
	if cfg.AI.GeminiKey != "" {
		a, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		byProvider["gemini"] = a
	}

	modelToProvider := make(map[string]string, len(cfg.AI.Models))
	for _, m := range cfg.AI.Models {
		modelToProvider[m.Name] = m.Provider
	}
	router := aiAdapters.NewMultiAIAdapter(cfg.AI.DefaultProvider, byProvider, modelToProvider)
	logger.Info().
		Strs("providers", router.Providers()).
		Str("default_model", cfg.AI.DefaultModel).
		Msg("AI providers wired")
	return router, nil
}
