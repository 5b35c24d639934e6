package worker

import (
	"ai-batch-processor/internal/config"
)

// OptionsFromConfig maps the scheduler section of the config onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	sc := cfg.Scheduler
	return Options{
		MaxConcurrent: sc.MaxConcurrent,
		MinPoll:       sc.MinPoll,
		MaxPoll:       sc.MaxPoll,
		Retry: RetryPolicy{
			MaxAttempts:       sc.MaxAttempts,
			MaxLowConfidence:  sc.MaxLowConfidence,
			Base:              sc.RetryBase,
			Max:               sc.RetryMax,
			ConfidenceBackoff: sc.ConfidenceBackoff,
			Placement:         Placement(sc.RetryPlacement),
		},
		FlushInterval: sc.FlushInterval,
		FlushBytes:    sc.FlushBytes,
		Limits:        LimitsFromConfig(cfg),
		DefaultLimits: Limits{Limit: sc.DefaultLimit, Window: sc.DefaultWindow},
	}
}

// LimitsFromConfig builds the per-key limit table from the model table.
func LimitsFromConfig(cfg *config.Config) map[string]Limits {
	out := make(map[string]Limits, len(cfg.AI.Models))
	for _, m := range cfg.AI.Models {
		provider := m.Provider
		if provider == "" {
			provider = cfg.AI.DefaultProvider
		}
		out[Key(provider, m.Name)] = Limits{Limit: m.Limit, Window: m.Window}
	}
	return out
}
