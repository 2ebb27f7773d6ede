// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	ScenarioDir string

	// SessionIdleTTL is how long a session may sit without activity before
	// the housekeeping sweeper marks it abandoned.
	SessionIdleTTL time.Duration

	LLM          LLMConfig
	Orchestrator OrchestratorConfig

	// RateLimitPerMinute bounds message requests per learner.
	RateLimitPerMinute int
}

// LLMConfig configures the text-generation capability client.
type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// Enabled reports whether a live completion endpoint is configured.
func (l LLMConfig) Enabled() bool {
	return l.BaseURL != ""
}

// OrchestratorConfig holds protocol tuning knobs.
type OrchestratorConfig struct {
	// EvalMinTurns is the number of turns that must elapse in a scene before
	// goal evaluation starts running.
	EvalMinTurns int
	// HintWindowDivisor controls when hints start: hints are offered once
	// remaining turns drop to ceil(max_attempts / divisor).
	HintWindowDivisor int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/casedrill.db"),
		ScenarioDir:    getEnv("SCENARIO_DIR", "./scenarios"),
		SessionIdleTTL: time.Duration(getEnvInt("SESSION_IDLE_TTL_MINUTES", 240)) * time.Minute,
		LLM: LLMConfig{
			BaseURL: getEnv("LLM_BASE_URL", ""),
			Model:   getEnv("LLM_MODEL", "gpt-4o-mini"),
			APIKey:  getEnv("LLM_API_KEY", ""),
			Timeout: time.Duration(getEnvInt("LLM_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			EvalMinTurns:      getEnvInt("EVAL_MIN_TURNS", 2),
			HintWindowDivisor: getEnvInt("HINT_WINDOW_DIVISOR", 3),
		},
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 20),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ScenarioDir == "" {
		return fmt.Errorf("SCENARIO_DIR cannot be empty")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL_MINUTES must be > 0")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT_SECONDS must be > 0")
	}
	if c.Orchestrator.EvalMinTurns < 0 {
		return fmt.Errorf("EVAL_MIN_TURNS cannot be negative")
	}
	if c.Orchestrator.HintWindowDivisor < 1 {
		return fmt.Errorf("HINT_WINDOW_DIVISOR must be >= 1")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
