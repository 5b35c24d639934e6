// File: internal/usecase/batch_uc.go
package usecase

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"ai-batch-processor/internal/config"
	"ai-batch-processor/internal/domain"
	"ai-batch-processor/internal/domain/model"
	"ai-batch-processor/internal/domain/ports/adapter"
	"ai-batch-processor/internal/infra/logging"
	"ai-batch-processor/internal/infra/worker"
)

// Compile-time check
var _ BatchUseCase = (*batchUC)(nil)

// Scheduler is the part of worker.Scheduler the use case drives.
type Scheduler interface {
	Submit(specs []worker.JobSpec) (model.SessionHandle, error)
	RetryJob(id string) error
	RetryAllFailed() int
	AbortJob(id string) error
	AbortAll() int
	AbortSelected(ids []string) int
	ClearAll(ctx context.Context) error
	Pause()
	Resume()
	Snapshot() (model.SessionState, []model.JobSnapshot)
	Job(id string) (model.JobSnapshot, error)
	Subscribe() *worker.Subscription
	SetLimits(limits map[string]worker.Limits, def worker.Limits, maxConcurrent int)
}

// ProviderResolver tells which provider serves a model and whether it is wired.
type ProviderResolver interface {
	ResolveProvider(model string) string
	HasProvider(provider string) bool
}

// Document is one entry of a submission. Model overrides the request model.
type Document struct {
	Source adapter.ContentHandle
	Model  string
}

type SubmitRequest struct {
	Instruction string
	Model       string
	Provider    string
	Documents   []Document
	Credentials adapter.Credentials
}

type BatchUseCase interface {
	Submit(ctx context.Context, req SubmitRequest) (model.SessionHandle, error)
	Session() (model.SessionState, []model.JobSnapshot)
	Job(id string) (model.JobSnapshot, error)
	RetryJob(ctx context.Context, id string) error
	RetryAllFailed(ctx context.Context) int
	AbortJob(ctx context.Context, id string) error
	// AbortJobs aborts the listed jobs, or every job when ids is empty.
	AbortJobs(ctx context.Context, ids []string) int
	ClearAll(ctx context.Context) error
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	Subscribe() *worker.Subscription
	Models() []config.ModelConfig
	// Reload swaps the model table and pushes new limits to the scheduler.
	Reload(cfg *config.Config)
}

type batchUC struct {
	sched     Scheduler
	providers ProviderResolver
	log       *zerolog.Logger

	mu              sync.RWMutex
	models          map[string]config.ModelConfig
	order           []config.ModelConfig
	defaultModel    string
	defaultProvider string
}

func NewBatchUseCase(sched Scheduler, providers ProviderResolver, cfg *config.Config, logger *zerolog.Logger) *batchUC {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "BatchUseCase").Logger()
	uc := &batchUC{sched: sched, providers: providers, log: &l}
	uc.setModels(cfg)
	return uc
}

func (uc *batchUC) setModels(cfg *config.Config) {
	m := make(map[string]config.ModelConfig, len(cfg.AI.Models))
	order := make([]config.ModelConfig, 0, len(cfg.AI.Models))
	for _, mc := range cfg.AI.Models {
		if mc.Provider == "" {
			mc.Provider = cfg.AI.DefaultProvider
		}
		m[mc.Name] = mc
		order = append(order, mc)
	}
	uc.mu.Lock()
	uc.models = m
	uc.order = order
	uc.defaultModel = cfg.AI.DefaultModel
	uc.defaultProvider = cfg.AI.DefaultProvider
	uc.mu.Unlock()
}

func (uc *batchUC) Reload(cfg *config.Config) {
	uc.setModels(cfg)
	uc.sched.SetLimits(worker.LimitsFromConfig(cfg),
		worker.Limits{Limit: cfg.Scheduler.DefaultLimit, Window: cfg.Scheduler.DefaultWindow},
		cfg.Scheduler.MaxConcurrent)
	uc.log.Info().Int("models", len(cfg.AI.Models)).Msg("model table reloaded")
}

func (uc *batchUC) Models() []config.ModelConfig {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return append([]config.ModelConfig(nil), uc.order...)
}

// resolve picks the model and provider for one document. An unknown model
// or an unwired provider is a configuration error reported before any job
// is created.
func (uc *batchUC) resolve(reqModel, reqProvider, docModel string) (string, string, error) {
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	name := strings.TrimSpace(docModel)
	if name == "" {
		name = strings.TrimSpace(reqModel)
	}
	if name == "" {
		name = uc.defaultModel
	}
	if name == "" {
		return "", "", domain.Validationf("model is required")
	}

	provider := strings.ToLower(strings.TrimSpace(reqProvider))
	if mc, ok := uc.models[name]; ok {
		if provider == "" {
			provider = mc.Provider
		}
	} else if len(uc.models) > 0 {
		return "", "", domain.Configurationf("unknown model %q", name)
	}
	if provider == "" && uc.providers != nil {
		provider = uc.providers.ResolveProvider(name)
	}
	if provider == "" {
		provider = uc.defaultProvider
	}
	if uc.providers != nil && !uc.providers.HasProvider(provider) {
		return "", "", domain.Configurationf("provider %q is not configured", provider)
	}
	return name, provider, nil
}

func (uc *batchUC) Submit(ctx context.Context, req SubmitRequest) (model.SessionHandle, error) {
	defer logging.TraceDuration(uc.log, "BatchUC.Submit")()
	log := logging.With(ctx, uc.log)
	if len(req.Documents) == 0 {
		return model.SessionHandle{}, domain.Validationf("no documents submitted")
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return model.SessionHandle{}, domain.Validationf("instruction is empty")
	}

	specs := make([]worker.JobSpec, 0, len(req.Documents))
	for i, d := range req.Documents {
		if d.Source == nil {
			return model.SessionHandle{}, domain.Validationf("document %d: missing content", i+1)
		}
		name, provider, err := uc.resolve(req.Model, req.Provider, d.Model)
		if err != nil {
			log.Warn().Err(err).Str("document", d.Source.Name()).Msg("submit rejected")
			return model.SessionHandle{}, err
		}
		specs = append(specs, worker.JobSpec{
			Source:      d.Source,
			Instruction: req.Instruction,
			Model:       name,
			Provider:    provider,
			Credentials: req.Credentials,
		})
	}

	h, err := uc.sched.Submit(specs)
	if err != nil {
		log.Warn().Err(err).Int("documents", len(specs)).Msg("submit rejected")
		return model.SessionHandle{}, err
	}
	log = logging.With(logging.WithSessID(ctx, h.SessionID), uc.log)
	log.Info().
		Int("jobs", len(h.JobIDs)).
		Str("credentials", logging.Redact(req.Credentials.APIKey, false)).
		Msg("batch submitted")
	return h, nil
}

func (uc *batchUC) Session() (model.SessionState, []model.JobSnapshot) {
	return uc.sched.Snapshot()
}

func (uc *batchUC) Job(id string) (model.JobSnapshot, error) {
	return uc.sched.Job(id)
}

func (uc *batchUC) RetryJob(ctx context.Context, id string) error {
	if err := uc.sched.RetryJob(id); err != nil {
		return err
	}
	logging.With(logging.WithJobID(ctx, id), uc.log).Info().Msg("manual retry")
	return nil
}

func (uc *batchUC) RetryAllFailed(ctx context.Context) int {
	n := uc.sched.RetryAllFailed()
	logging.With(ctx, uc.log).Info().Int("jobs", n).Msg("retry all failed")
	return n
}

func (uc *batchUC) AbortJob(ctx context.Context, id string) error {
	if err := uc.sched.AbortJob(id); err != nil {
		return err
	}
	logging.With(logging.WithJobID(ctx, id), uc.log).Info().Msg("abort requested")
	return nil
}

func (uc *batchUC) AbortJobs(ctx context.Context, ids []string) int {
	var n int
	if len(ids) == 0 {
		n = uc.sched.AbortAll()
	} else {
		n = uc.sched.AbortSelected(ids)
	}
	logging.With(ctx, uc.log).Info().Int("jobs", n).Msg("abort requested")
	return n
}

func (uc *batchUC) ClearAll(ctx context.Context) error {
	return uc.sched.ClearAll(ctx)
}

func (uc *batchUC) Pause(ctx context.Context) {
	uc.sched.Pause()
	logging.With(ctx, uc.log).Info().Msg("session paused")
}

func (uc *batchUC) Resume(ctx context.Context) {
	uc.sched.Resume()
	logging.With(ctx, uc.log).Info().Msg("session resumed")
}

func (uc *batchUC) Subscribe() *worker.Subscription {
	return uc.sched.Subscribe()
}
