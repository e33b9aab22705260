// Package config resolves the ctoflow home directory and loads daemon
// configuration from config.yaml with environment overrides.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicerr"
	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

// FileName is the config file looked up under the ctoflow home.
const FileName = "config.yaml"

// Store backends.
const (
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config is the full daemon configuration. Zero values fall back to the
// defaults from Default; environment variables prefixed CTOFLOW_ override
// the file.
type Config struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Listen  string `yaml:"listen" envconfig:"LISTEN"`
	APIKey  string `yaml:"api_key" envconfig:"API_KEY"`

	Store   StoreConfig   `yaml:"store" envconfig:"STORE"`
	Agent   AgentConfig   `yaml:"agent" envconfig:"AGENT"`
	Scoring ScoringConfig `yaml:"scoring" envconfig:"SCORE"`
	Sync    SyncConfig    `yaml:"sync" envconfig:"SYNC"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend" envconfig:"BACKEND"`
	DSN     string `yaml:"dsn" envconfig:"DSN"` // postgres only
}

// AgentConfig shapes the per-agent context cache and identity defaults.
type AgentConfig struct {
	ID        string        `yaml:"id" envconfig:"ID"`
	Role      string        `yaml:"role" envconfig:"ROLE"`
	CacheSize int           `yaml:"cache_size" envconfig:"CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL"`
}

// ScoringConfig carries the eligibility threshold and factor weights.
type ScoringConfig struct {
	Threshold float64             `yaml:"threshold" envconfig:"THRESHOLD"`
	Weights   models.ScoreWeights `yaml:"weights"`
}

// SyncConfig shapes the sync engine. RetryAttempts and RetryDelayMs are
// accepted for remote-call retries; the rate-limit guard does not read them.
type SyncConfig struct {
	Direction        string        `yaml:"direction" envconfig:"DIRECTION"`
	Strategy         string        `yaml:"strategy" envconfig:"STRATEGY"`
	Method           string        `yaml:"method" envconfig:"METHOD"`
	EpicLabel        string        `yaml:"epic_label" envconfig:"EPIC_LABEL"`
	RateLimitPerHour int           `yaml:"rate_limit_per_hour" envconfig:"RATE_LIMIT_PER_HOUR"`
	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	RetryAttempts    int           `yaml:"retry_attempts" envconfig:"RETRY_ATTEMPTS"`
	RetryDelayMs     int           `yaml:"retry_delay_ms" envconfig:"RETRY_DELAY_MS"`
}

// Default returns the configuration used when no file or environment is present.
func Default() Config {
	return Config{
		Enabled: true,
		Listen:  "127.0.0.1:0",
		Store:   StoreConfig{Backend: StoreSQLite},
		Agent: AgentConfig{
			Role:      models.RoleDeveloper,
			CacheSize: models.DefaultContextCacheSize,
			CacheTTL:  models.DefaultContextCacheTTL,
		},
		Scoring: ScoringConfig{
			Threshold: models.DefaultScoreThreshold,
			Weights:   models.DefaultScoreWeights,
		},
		Sync: SyncConfig{
			Direction:        models.SyncDirectionBidirectional,
			Strategy:         models.ResolveMerge,
			Method:           models.SyncMethodPolling,
			EpicLabel:        "epic",
			RateLimitPerHour: models.DefaultRateLimitPerHour,
			PollInterval:     models.DefaultPollInterval,
			RetryAttempts:    3,
			RetryDelayMs:     1000,
		},
	}
}

// Load reads home/config.yaml if present, applies CTOFLOW_* environment
// overrides, and validates the result. A missing file is not an error.
func Load(home string) (Config, error) {
	cfg := Default()
	path := filepath.Join(home, FileName)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := envconfig.Process("ctoflow", &cfg); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot safely run with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case StoreFile, StoreSQLite:
	case StorePostgres:
		if c.Store.DSN == "" {
			return &epicerr.ValidationError{Field: "store.dsn", Reason: "required for the postgres backend"}
		}
	default:
		return &epicerr.ValidationError{Field: "store.backend", Reason: fmt.Sprintf("unknown backend %q", c.Store.Backend)}
	}
	if c.Scoring.Threshold < 0 || c.Scoring.Threshold > 100 {
		return &epicerr.ValidationError{Field: "scoring.threshold", Reason: "must be within [0, 100]"}
	}
	if sum := c.Scoring.Weights.Sum(); math.Abs(sum-1.0) > 1e-3 {
		return &epicerr.ValidationError{Field: "scoring.weights", Reason: fmt.Sprintf("must sum to 1.0, got %.4f", sum)}
	}
	if c.Sync.RateLimitPerHour < 0 {
		return &epicerr.ValidationError{Field: "sync.rate_limit_per_hour", Reason: "must not be negative"}
	}
	if c.Sync.PollInterval <= 0 {
		return &epicerr.ValidationError{Field: "sync.poll_interval", Reason: "must be positive"}
	}
	switch c.Sync.Strategy {
	case models.ResolveMerge, models.ResolveLocalWins, models.ResolveRemoteWins:
	default:
		return &epicerr.ValidationError{Field: "sync.strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Sync.Strategy)}
	}
	switch c.Sync.Method {
	case models.SyncMethodPolling, models.SyncMethodWebhook:
	default:
		return &epicerr.ValidationError{Field: "sync.method", Reason: fmt.Sprintf("unknown method %q", c.Sync.Method)}
	}
	return nil
}
