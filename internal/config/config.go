// Package config defines per-concern configuration for deskpilot and
// loads it from YAML with environment overrides. Defaults match the
// documented engine contracts, so an empty file is a working config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that accepts "90s"-style strings (or raw
// nanosecond integers) in YAML config files. JSON decoding has no string
// form and takes only the nanosecond integer.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML parses either a duration string or an integer.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root configuration.
type Config struct {
	StateDir      string        `yaml:"state_dir" json:"state_dir,omitempty"`
	AllowlistPath string        `yaml:"allowlist_path" json:"allowlist_path,omitempty"`
	Engine        EngineConfig  `yaml:"engine" json:"engine,omitempty"`
	Planner       PlannerConfig `yaml:"planner" json:"planner,omitempty"`
	Memory        MemoryConfig  `yaml:"memory" json:"memory,omitempty"`
	Cache         CacheConfig   `yaml:"cache" json:"cache,omitempty"`
	Model         ModelConfig   `yaml:"model" json:"model,omitempty"`
	Logging       LoggingConfig `yaml:"logging" json:"logging,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		StateDir: ".deskpilot",
		Engine:   DefaultEngineConfig(),
		Planner:  DefaultPlannerConfig(),
		Memory:   DefaultMemoryConfig(),
		Cache:    DefaultCacheConfig(),
		Model:    DefaultModelConfig(),
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. A missing file yields
// the defaults without error; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv applies DESKPILOT_* environment overrides on top of whatever
// the file set.
func (c *Config) applyEnv() {
	if v := os.Getenv("DESKPILOT_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("DESKPILOT_MODEL"); v != "" {
		c.Model.Model = v
	}
	if v := os.Getenv("DESKPILOT_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Debug = b
		}
	}
	if v := os.Getenv("DESKPILOT_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxSteps = n
		}
	}
}

// EngineConfig bounds the step graph.
type EngineConfig struct {
	MaxSteps                int      `yaml:"max_steps" json:"max_steps,omitempty"`
	MaxRetries              int      `yaml:"max_retries" json:"max_retries,omitempty"`
	ConsecutiveFailureLimit int      `yaml:"consecutive_failure_limit" json:"consecutive_failure_limit,omitempty"`
	EnableVerification      bool     `yaml:"enable_verification" json:"enable_verification,omitempty"`
	CheckpointEvery         int      `yaml:"checkpoint_every" json:"checkpoint_every,omitempty"`
	StepTimeout             Duration `yaml:"step_timeout" json:"step_timeout,omitempty"`
	BackoffBase             Duration `yaml:"backoff_base" json:"backoff_base,omitempty"`
	BackoffCap              Duration `yaml:"backoff_cap" json:"backoff_cap,omitempty"`
}

// DefaultEngineConfig matches the documented engine contract: 15 steps,
// 3 retries, backoff 1s doubling to a 16s cap, checkpoint every 5 steps.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxSteps:                15,
		MaxRetries:              3,
		ConsecutiveFailureLimit: 5,
		EnableVerification:      true,
		CheckpointEvery:         5,
		StepTimeout:             Duration(90 * time.Second),
		BackoffBase:             Duration(time.Second),
		BackoffCap:              Duration(16 * time.Second),
	}
}

// PlannerConfig bounds decomposition and re-planning.
type PlannerConfig struct {
	Enabled              bool    `yaml:"enabled" json:"enabled,omitempty"`
	MaxMilestoneAttempts int     `yaml:"max_milestone_attempts" json:"max_milestone_attempts,omitempty"`
	MaxMilestones        int     `yaml:"max_milestones" json:"max_milestones,omitempty"`
	Temperature          float32 `yaml:"temperature" json:"temperature,omitempty"`
	ReplanTemperature    float32 `yaml:"replan_temperature" json:"replan_temperature,omitempty"`
	Parallel             bool    `yaml:"parallel" json:"parallel,omitempty"`
}

// DefaultPlannerConfig plans at low temperature and gives each milestone
// two attempts.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Enabled:              true,
		MaxMilestoneAttempts: 2,
		MaxMilestones:        5,
		Temperature:          0.3,
		ReplanTemperature:    0.5,
	}
}

// MemoryConfig bounds the active context window.
type MemoryConfig struct {
	ActiveBudgetBytes int     `yaml:"active_budget_bytes" json:"active_budget_bytes,omitempty"`
	WeightLRU         float64 `yaml:"weight_lru" json:"weight_lru,omitempty"`
	WeightPriority    float64 `yaml:"weight_priority" json:"weight_priority,omitempty"`
}

// DefaultMemoryConfig allows roughly a 10K-token prompt window.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		ActiveBudgetBytes: 40960,
		WeightLRU:         0.5,
		WeightPriority:    0.5,
	}
}

// CacheConfig bounds the tool result cache.
type CacheConfig struct {
	MaxEntries int      `yaml:"max_entries" json:"max_entries,omitempty"`
	TTL        Duration `yaml:"ttl" json:"ttl,omitempty"`
}

// DefaultCacheConfig keeps 100 entries for five minutes.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries: 100,
		TTL:        Duration(5 * time.Minute),
	}
}

// ModelConfig selects the model backend.
type ModelConfig struct {
	Provider string   `yaml:"provider" json:"provider,omitempty"`
	Model    string   `yaml:"model" json:"model,omitempty"`
	Timeout  Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// DefaultModelConfig uses Gemini Flash.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Provider: "gemini",
		Timeout:  Duration(2 * time.Minute),
	}
}

// LoggingConfig controls category logging.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug" json:"debug,omitempty"`
	Level      string          `yaml:"level" json:"level,omitempty"`
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"`
}
