package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskpilot/internal/otel"
)

// LLMConfig holds configuration for the planner's LLM provider.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	// Model is the model name for the configured provider.
	Model string `yaml:"model"`

	// APIKey is the provider API key. Env vars take precedence (see APIKeyFor).
	APIKey string `yaml:"api_key"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// PlanTimeoutSeconds bounds a single planning or summarize call. Default 30.
	PlanTimeoutSeconds int `yaml:"plan_timeout_seconds"`
}

// CallerEntry maps a bearer token to an owner identity.
// Tokens may be given inline or via an environment variable name.
type CallerEntry struct {
	OwnerID  string `yaml:"owner_id"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DBPath overrides the default SQLite location under HomeDir.
	DBPath string `yaml:"db_path"`

	LLM LLMConfig `yaml:"llm"`

	// Callers lists the bearer credentials accepted by the identity resolver.
	Callers []CallerEntry `yaml:"callers"`

	// HistoryLimit is the number of recent turns loaded as planner context. Default 20.
	HistoryLimit int `yaml:"history_limit"`

	// ToolTimeoutSeconds bounds a single tool call against the store. Default 10.
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds"`

	// MaxMessageChars bounds the inbound caller message. Default 4000.
	MaxMessageChars int `yaml:"max_message_chars"`

	// RecurrenceIntervalSeconds is the recurrence scheduler tick. Default 60.
	RecurrenceIntervalSeconds int `yaml:"recurrence_interval_seconds"`

	// DrainTimeoutSeconds bounds graceful HTTP shutdown. Default 5.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	OTel otel.Config `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// APIKeyFor returns the LLM API key, checking provider env vars first.
func (c Config) APIKeyFor(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	return c.LLM.APIKey
}

// ResolvedCallers returns the caller table with env-var tokens substituted.
// Entries with no resolvable token are skipped.
func (c Config) ResolvedCallers() map[string]string {
	out := make(map[string]string, len(c.Callers))
	for _, entry := range c.Callers {
		token := entry.Token
		if entry.TokenEnv != "" {
			if v := os.Getenv(entry.TokenEnv); v != "" {
				token = v
			}
		}
		if entry.OwnerID == "" || token == "" {
			continue
		}
		out[token] = entry.OwnerID
	}
	return out
}

// PlanTimeout returns the bounded planner call timeout.
func (c Config) PlanTimeout() time.Duration {
	if c.LLM.PlanTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LLM.PlanTimeoutSeconds) * time.Second
}

// ToolTimeout returns the bounded per-tool-call timeout.
func (c Config) ToolTimeout() time.Duration {
	if c.ToolTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|model=%s|callers=%d|history=%d",
		c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model, len(c.Callers), c.HistoryLimit)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:           "google",
			Model:              "gemini-2.5-flash",
			PlanTimeoutSeconds: 30,
		},
		HistoryLimit:              20,
		ToolTimeoutSeconds:        10,
		MaxMessageChars:           4000,
		RecurrenceIntervalSeconds: 60,
		DrainTimeoutSeconds:       5,
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKPILOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskpilot")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home directory, applying
// defaults and normalization. A missing file flags NeedsGenesis so the
// caller can persist the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskpilot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	normalize(&cfg)
	return cfg, nil
}

// Save writes the config back to config.yaml under its home directory.
func (c Config) Save() error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(c.HomeDir), out, 0o644)
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskpilot.db")
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" && cfg.LLM.Provider == "google" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 4000
	}
	if cfg.RecurrenceIntervalSeconds <= 0 {
		cfg.RecurrenceIntervalSeconds = 60
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
}
