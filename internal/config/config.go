// Package config loads engine configuration from an optional YAML file
// layered under INKWELL_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Provider  ProviderConfig  `koanf:"provider"`
	Engine    EngineConfig    `koanf:"engine"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Broadcast BroadcastConfig `koanf:"broadcast"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type ProviderConfig struct {
	Name    string `koanf:"name"` // logical upstream service name for the breaker
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// EngineConfig carries the round orchestration tuning constants. These are
// deployment-dependent and deliberately not hard-coded.
type EngineConfig struct {
	// MaxRounds caps model invocations per turn.
	MaxRounds int `koanf:"max_rounds"`
	// MaxToolCalls caps cumulative tool executions per turn.
	MaxToolCalls int `koanf:"max_tool_calls"`
	// ToolsPerRound caps how many invocations one round may dispatch;
	// the excess is deferred into a synthetic round.
	ToolsPerRound int `koanf:"tools_per_round"`
	// ToolConcurrency bounds parallel tool execution within a round.
	ToolConcurrency int `koanf:"tool_concurrency"`
	// DedupWindow is the trailing window within which an identical
	// invocation is answered from cache instead of re-executed.
	DedupWindow time.Duration `koanf:"dedup_window"`
	// RecoveryTemperature is the sampling temperature used for the single
	// anti-silence re-invocation.
	RecoveryTemperature float64 `koanf:"recovery_temperature"`
	// HistoryTokenBudget bounds the pruned history shown to the model.
	HistoryTokenBudget int `koanf:"history_token_budget"`
	// ToolResultMaxBytes truncates oversized tool payloads before they
	// enter the history.
	ToolResultMaxBytes int `koanf:"tool_result_max_bytes"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	SuccessThreshold int           `koanf:"success_threshold"`
	OpenTimeout      time.Duration `koanf:"open_timeout"`
	ResetInterval    time.Duration `koanf:"reset_interval"`
}

type RateLimitConfig struct {
	Window       time.Duration  `koanf:"window"`
	DefaultLimit int            `koanf:"default_limit"`
	// TierLimits maps a tier name to its per-window ceiling.
	TierLimits map[string]int `koanf:"tier_limits"`
	// UserTiers statically assigns identities to tiers; identities not
	// listed get the default ceiling.
	UserTiers     map[string]string `koanf:"user_tiers"`
	TierCacheTTL  time.Duration     `koanf:"tier_cache_ttl"`
	SweepInterval time.Duration     `koanf:"sweep_interval"`
}

type BroadcastConfig struct {
	StaleAfter    time.Duration `koanf:"stale_after"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from the given YAML path (missing file is fine)
// and overlays INKWELL_-prefixed environment variables. Double underscores
// in env names map to nesting: INKWELL_SERVER__PORT -> server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider("INKWELL_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "INKWELL_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Provider.APIKey = substituteEnvVars(cfg.Provider.APIKey)
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "./data/assistant.db"
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "model"
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://api.groq.com/openai/v1"
	}
	if c.Provider.Model == "" {
		c.Provider.Model = "openai/gpt-oss-120b"
	}

	if c.Engine.MaxRounds == 0 {
		c.Engine.MaxRounds = 6
	}
	if c.Engine.MaxToolCalls == 0 {
		c.Engine.MaxToolCalls = 12
	}
	if c.Engine.ToolsPerRound == 0 {
		c.Engine.ToolsPerRound = 20
	}
	if c.Engine.ToolConcurrency == 0 {
		c.Engine.ToolConcurrency = 8
	}
	if c.Engine.DedupWindow == 0 {
		c.Engine.DedupWindow = 5 * time.Second
	}
	if c.Engine.RecoveryTemperature == 0 {
		c.Engine.RecoveryTemperature = 0.2
	}
	if c.Engine.HistoryTokenBudget == 0 {
		c.Engine.HistoryTokenBudget = 8000
	}
	if c.Engine.ToolResultMaxBytes == 0 {
		c.Engine.ToolResultMaxBytes = 8192
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 2
	}
	if c.Breaker.OpenTimeout == 0 {
		c.Breaker.OpenTimeout = 30 * time.Second
	}
	if c.Breaker.ResetInterval == 0 {
		c.Breaker.ResetInterval = 5 * time.Minute
	}

	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.DefaultLimit == 0 {
		c.RateLimit.DefaultLimit = 20
	}
	if c.RateLimit.TierCacheTTL == 0 {
		c.RateLimit.TierCacheTTL = time.Minute
	}
	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = time.Minute
	}

	if c.Broadcast.StaleAfter == 0 {
		c.Broadcast.StaleAfter = 5 * time.Minute
	}
	if c.Broadcast.SweepInterval == 0 {
		c.Broadcast.SweepInterval = time.Minute
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
