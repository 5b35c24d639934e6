// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev  bool
	Path string
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port         int           `yaml:"port"`
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	SubmitLimit  int           `yaml:"submit_limit"`  // submits per submit_window per subject, 0 = off
	SubmitWindow time.Duration `yaml:"submit_window"` // window for submit_limit
}

type RedisConfig struct {
	URL      string `yaml:"url"` // empty keeps everything in-process
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ModelConfig is one row of the model table.
type ModelConfig struct {
	Name     string        `yaml:"name"`
	Provider string        `yaml:"provider"` // openai | gemini | metis | noop
	Limit    int           `yaml:"limit"`    // dispatches per window
	Window   time.Duration `yaml:"window"`
}

type AIConfig struct {
	OpenAIKey       string        `yaml:"openai_key"`
	OpenAIBaseURL   string        `yaml:"openai_base_url"`
	GeminiKey       string        `yaml:"gemini_key"`
	GeminiURL       string        `yaml:"gemini_url"`
	MetisKey        string        `yaml:"metis_key"`
	MetisBaseURL    string        `yaml:"metis_base_url"`
	DefaultModel    string        `yaml:"default_model"`
	DefaultProvider string        `yaml:"default_provider"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	ConcurrentLimit int           `yaml:"concurrent_limit"` // process-wide cap on open streams
	Models          []ModelConfig `yaml:"models"`
}

type SchedulerConfig struct {
	MaxConcurrent          int           `yaml:"max_concurrent"`
	MinPoll                time.Duration `yaml:"min_poll"`
	MaxPoll                time.Duration `yaml:"max_poll"`
	MaxAttempts            int           `yaml:"max_attempts"`
	MaxLowConfidence       int           `yaml:"max_low_confidence_retries"`
	RetryBase              time.Duration `yaml:"retry_base"`
	RetryMax               time.Duration `yaml:"retry_max"`
	ConfidenceBackoff      bool          `yaml:"confidence_backoff"`
	RetryPlacement         string        `yaml:"retry_placement"` // back | front
	FlushInterval          time.Duration `yaml:"flush_interval"`
	FlushBytes             int           `yaml:"flush_bytes"`
	StoreStaleAfter        time.Duration `yaml:"store_stale_after"`
	StoreSweepInterval     time.Duration `yaml:"store_sweep_interval"`
	DefaultLimit           int           `yaml:"default_limit"`
	DefaultWindow          time.Duration `yaml:"default_window"`
	ConfidenceDisabled     bool          `yaml:"confidence_disabled"`
	ConfidenceReadDeadline time.Duration `yaml:"confidence_read_deadline"`
}

type ConfidenceConfig struct {
	TailWords      int     `yaml:"tail_words"`
	HighThreshold  float64 `yaml:"high_threshold"`
	LowThreshold   float64 `yaml:"low_threshold"`
	MinOutputRatio float64 `yaml:"min_output_ratio"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Redis      RedisConfig      `yaml:"redis"`
	AI         AIConfig         `yaml:"ai"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Confidence ConfidenceConfig `yaml:"confidence"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	cfg.Runtime.Path = path
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.TokenTTL <= 0 {
		cfg.HTTP.TokenTTL = 12 * time.Hour
	}
	if cfg.HTTP.SubmitWindow <= 0 {
		cfg.HTTP.SubmitWindow = time.Minute
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "aibatch"
	}
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "gpt-4o-mini"
	}
	if cfg.AI.DefaultProvider == "" {
		cfg.AI.DefaultProvider = "openai"
	}
	if cfg.AI.MetisBaseURL == "" {
		cfg.AI.MetisBaseURL = "https://api.metisai.ir/openai/v1"
	}
	if cfg.AI.MaxOutputTokens <= 0 {
		cfg.AI.MaxOutputTokens = 8192
	}

	s := &cfg.Scheduler
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = 10
	}
	if s.MinPoll <= 0 {
		s.MinPoll = 250 * time.Millisecond
	}
	if s.MaxPoll <= 0 {
		s.MaxPoll = time.Second
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.MaxLowConfidence <= 0 {
		s.MaxLowConfidence = 3
	}
	if s.RetryBase <= 0 {
		s.RetryBase = time.Second
	}
	if s.RetryMax <= 0 {
		s.RetryMax = 30 * time.Second
	}
	if s.RetryPlacement == "" {
		s.RetryPlacement = "back"
	}
	if s.FlushInterval <= 0 {
		s.FlushInterval = 100 * time.Millisecond
	}
	if s.FlushBytes <= 0 {
		s.FlushBytes = 500
	}
	if s.StoreStaleAfter <= 0 {
		s.StoreStaleAfter = 5 * time.Minute
	}
	if s.StoreSweepInterval <= 0 {
		s.StoreSweepInterval = time.Minute
	}
	if s.DefaultLimit <= 0 {
		s.DefaultLimit = 10
	}
	if s.DefaultWindow <= 0 {
		s.DefaultWindow = time.Minute
	}
	if s.ConfidenceReadDeadline <= 0 {
		s.ConfidenceReadDeadline = 10 * time.Second
	}

	c := &cfg.Confidence
	if c.TailWords <= 0 {
		c.TailWords = 50
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = 0.6
	}
	if c.LowThreshold <= 0 {
		c.LowThreshold = 0.3
	}

	for i := range cfg.AI.Models {
		m := &cfg.AI.Models[i]
		m.Name = strings.TrimSpace(m.Name)
		m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
		if m.Provider == "" {
			m.Provider = cfg.AI.DefaultProvider
		}
		if m.Limit <= 0 {
			m.Limit = s.DefaultLimit
		}
		if m.Window <= 0 {
			m.Window = s.DefaultWindow
		}
	}
}

// Validate performs minimal sanity checks after defaults are applied.
func (c *Config) Validate() error {
	if c.Scheduler.MinPoll > c.Scheduler.MaxPoll {
		return errors.New("scheduler.min_poll must not exceed scheduler.max_poll")
	}
	if c.Scheduler.RetryPlacement != "back" && c.Scheduler.RetryPlacement != "front" {
		return fmt.Errorf("scheduler.retry_placement must be back or front, got %q", c.Scheduler.RetryPlacement)
	}
	if c.Confidence.LowThreshold > c.Confidence.HighThreshold {
		return errors.New("confidence.low_threshold must not exceed confidence.high_threshold")
	}
	seen := make(map[string]struct{}, len(c.AI.Models))
	for _, m := range c.AI.Models {
		if m.Name == "" {
			return errors.New("ai.models: name is required")
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("ai.models: duplicate model %q", m.Name)
		}
		seen[m.Name] = struct{}{}
		switch m.Provider {
		case "openai", "gemini", "metis", "noop":
		default:
			return fmt.Errorf("ai.models: unknown provider %q for model %q", m.Provider, m.Name)
		}
	}
	return nil
}

// Model looks up a model row by name.
func (c *Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.AI.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}
