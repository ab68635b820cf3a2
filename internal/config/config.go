// Package config loads and manages edumentor configuration.
// Configuration source priority (highest to lowest):
// 1. CLI flags (applied by cmd)
// 2. Environment variables (GEMINI_API_KEY, LLM_API_KEY, EDUMENTOR_PROVIDER, etc.),
//    optionally seeded from a .env file
// 3. Config file path specified via --config flag
// 4. ~/.config/edumentor/config.yaml
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed providers_default.yaml
var defaultProvidersYAML []byte

// ProviderDefaults holds the default base URL and model for a provider.
type ProviderDefaults struct {
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// LoadProviderDefaults parses the embedded defaults and merges any user
// overrides from ~/.config/edumentor/providers.yaml.
func LoadProviderDefaults() map[string]ProviderDefaults {
	defs := make(map[string]ProviderDefaults)
	_ = yaml.Unmarshal(defaultProvidersYAML, &defs)

	if dir, err := Dir(); err == nil {
		if data, err := os.ReadFile(filepath.Join(dir, "providers.yaml")); err == nil {
			userDefs := make(map[string]ProviderDefaults)
			if yaml.Unmarshal(data, &userDefs) == nil {
				for name, ud := range userDefs {
					d := defs[name]
					if ud.BaseURL != "" {
						d.BaseURL = ud.BaseURL
					}
					if ud.DefaultModel != "" {
						d.DefaultModel = ud.DefaultModel
					}
					defs[name] = d
				}
			}
		}
	}
	return defs
}

// ProviderConfig holds configuration for a single provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StoreJSON     = "json"
	StorePebble   = "pebble"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

var storeDrivers = []string{StoreSQLite, StoreJSON, StorePebble, StorePostgres, StoreRedis, StoreMemory}

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	// Driver: "sqlite" (default) | "json" | "pebble" | "postgres" | "redis" | "memory"
	Driver string `yaml:"driver"`

	// Path for file backends. Empty = backend default under ~/.local/share/edumentor.
	Path string `yaml:"path"`

	// DSN for postgres (Supabase connection string works as-is).
	DSN string `yaml:"dsn"`

	// RedisURL for redis, e.g. redis://localhost:6379/0
	RedisURL string `yaml:"redis_url"`

	// MaxOpenConns / MaxIdleConns / ConnMaxLifetime tune the postgres pool.
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DocumentConfig holds PDF extraction settings.
type DocumentConfig struct {
	// Backend: "auto" (default) | "native" | "pdftotext"
	Backend string `yaml:"backend"`

	// MaxBytes caps upload size. 0 = 32MB.
	MaxBytes int64 `yaml:"max_bytes"`
}

// ServerConfig holds settings for `edumentor serve`.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// JWTSecret verifies HS256 bearer tokens (the Supabase project JWT secret).
	JWTSecret string `yaml:"jwt_secret"`

	// AuthDisabled serves every request as a single local user.
	AuthDisabled bool `yaml:"auth_disabled"`

	// RateLimit is message sends per second per user; RateBurst the bucket size.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// SessionIdleTimeout evicts per-user controllers that have been idle this long.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	// Level: debug | info | warn | error
	Level string `yaml:"level"`
	// Format: "console" | "json". Empty picks console for the CLI and json for serve.
	Format string `yaml:"format"`
}

// Config is the complete configuration structure for edumentor.
type Config struct {
	// Provider is the active provider name (e.g. "gemini", "openai", "anthropic")
	Provider string `yaml:"provider"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// Providers holds per-provider configuration.
	Providers map[string]*ProviderConfig `yaml:"providers"`

	// SystemPrompt replaces the built-in tutor persona (empty uses default).
	// Document questions always use the document instruction.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps generated tokens per answer. 0 = provider default.
	MaxTokens int `yaml:"max_tokens"`

	// MaxRetries bounds stream-open retries on transient errors. -1 disables.
	MaxRetries int `yaml:"max_retries"`

	// UserName is shown in the CLI welcome message.
	UserName string `yaml:"user_name"`

	// AutosaveInterval throttles saves triggered by streamed fragments.
	// 0 = save on every fragment. Appends and stream completion always save.
	AutosaveInterval time.Duration `yaml:"autosave_interval"`

	Store    StoreConfig    `yaml:"store"`
	Document DocumentConfig `yaml:"document"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider:         "gemini",
		Providers:        make(map[string]*ProviderConfig),
		AutosaveInterval: 500 * time.Millisecond,
		Store: StoreConfig{
			Driver:          StoreSQLite,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Document: DocumentConfig{Backend: "auto"},
		Server: ServerConfig{
			Addr:               ":8080",
			RateLimit:          1,
			RateBurst:          5,
			SessionIdleTimeout: time.Hour,
			ShutdownTimeout:    10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Dir returns ~/.config/edumentor.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "edumentor"), nil
}

// DefaultPath returns ~/.config/edumentor/config.yaml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LoadDotEnv loads KEY=value pairs from the given files (default ".env")
// into the process environment. Variables already set win, and missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the config file and merges environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Determine config file path
	if configPath == "" {
		if p, err := DefaultPath(); err == nil {
			configPath = p
		}
	}

	// Read config file (use defaults if not found)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]*ProviderConfig)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// GetProviderConfig returns the config for the named provider, or an empty config if not found.
func (c *Config) GetProviderConfig(name string) *ProviderConfig {
	if pc, ok := c.Providers[name]; ok && pc != nil {
		return pc
	}
	return &ProviderConfig{}
}

func (c *Config) providerConfig(name string) *ProviderConfig {
	if c.Providers[name] == nil {
		c.Providers[name] = &ProviderConfig{}
	}
	return c.Providers[name]
}

// ResolveModel picks the model: global override > provider config > defaults YAML.
func (c *Config) ResolveModel() string {
	if c.Model != "" {
		return c.Model
	}
	if m := c.GetProviderConfig(c.Provider).Model; m != "" {
		return m
	}
	return KnownProviderModels[c.Provider]
}

// ResolveBaseURL returns the configured or known base URL for the active provider.
func (c *Config) ResolveBaseURL() string {
	if u := c.GetProviderConfig(c.Provider).BaseURL; u != "" {
		return u
	}
	return KnownProviderBaseURLs[c.Provider]
}

// keylessProviders run locally and accept any API key.
var keylessProviders = []string{"ollama"}

// ConfigurationError reports a setting the process cannot start without.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	name := c.Provider
	if name == "" {
		return &ConfigurationError{Field: "provider", Reason: "no provider selected"}
	}
	pc := c.GetProviderConfig(name)
	if pc.APIKey == "" && !slices.Contains(keylessProviders, name) {
		return &ConfigurationError{
			Field: "providers." + name + ".api_key",
			Reason: fmt.Sprintf("API key not configured for provider %q.\n"+
				"Set it via:\n"+
				"  - config file: providers.%s.api_key\n"+
				"  - environment: %s or LLM_API_KEY\n"+
				"  - run: edumentor init",
				name, name, apiKeyEnv(name)),
		}
	}
	if name != "gemini" && name != "anthropic" && c.ResolveBaseURL() == "" {
		return &ConfigurationError{
			Field:  "providers." + name + ".base_url",
			Reason: fmt.Sprintf("unknown provider %q; set providers.%s.base_url in config", name, name),
		}
	}

	if !slices.Contains(storeDrivers, c.Store.Driver) {
		return &ConfigurationError{
			Field:  "store.driver",
			Reason: fmt.Sprintf("unknown driver %q (want one of %s)", c.Store.Driver, strings.Join(storeDrivers, ", ")),
		}
	}
	switch {
	case c.Store.Driver == StorePostgres && c.Store.DSN == "":
		return &ConfigurationError{Field: "store.dsn", Reason: "postgres store requires a DSN (or DATABASE_URL)"}
	case c.Store.Driver == StoreRedis && c.Store.RedisURL == "":
		return &ConfigurationError{Field: "store.redis_url", Reason: "redis store requires a URL (or REDIS_URL)"}
	}
	if c.AutosaveInterval < 0 {
		return &ConfigurationError{Field: "autosave_interval", Reason: "must not be negative"}
	}
	return nil
}

// ValidateServer adds the checks `serve` needs on top of Validate.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !c.Server.AuthDisabled && c.Server.JWTSecret == "" {
		return &ConfigurationError{
			Field:  "server.jwt_secret",
			Reason: "set SUPABASE_JWT_SECRET or server.jwt_secret, or enable server.auth_disabled",
		}
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		return &ConfigurationError{Field: "server.rate_limit", Reason: "rate_limit and rate_burst must be positive"}
	}
	return nil
}

func apiKeyEnv(provider string) string {
	switch provider {
	case "gemini":
		return "GEMINI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return "LLM_API_KEY"
	}
}

var (
	// KnownProviderBaseURLs maps well-known provider names to their base URLs.
	// Populated from providers_default.yaml (embedded) + user overrides.
	KnownProviderBaseURLs map[string]string

	// KnownProviderModels maps well-known provider names to their default models.
	// Populated from providers_default.yaml (embedded) + user overrides.
	KnownProviderModels map[string]string
)

func init() {
	defs := LoadProviderDefaults()
	KnownProviderBaseURLs = make(map[string]string, len(defs))
	KnownProviderModels = make(map[string]string, len(defs))
	for name, d := range defs {
		if d.BaseURL != "" {
			KnownProviderBaseURLs[name] = d.BaseURL
		}
		if d.DefaultModel != "" {
			KnownProviderModels[name] = d.DefaultModel
		}
	}
}

// KnownProviders lists provider names from the defaults file, sorted.
func KnownProviders() []string {
	names := make([]string, 0, len(KnownProviderModels))
	for name := range KnownProviderModels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SaveProviderToFile persists a single provider's config and the active provider
// name into cfgPath (default ~/.config/edumentor/config.yaml), preserving all
// other user settings.
func SaveProviderToFile(cfgPath, providerName string, pc ProviderConfig) error {
	if cfgPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		cfgPath = p
	}

	// Read existing file into a generic map to preserve unknown fields.
	raw := make(map[string]any)
	if data, err := os.ReadFile(cfgPath); err == nil {
		_ = yaml.Unmarshal(data, &raw) // ignore errors; start fresh if corrupt
	}

	providers, _ := raw["providers"].(map[string]any)
	if providers == nil {
		providers = make(map[string]any)
	}

	entry := map[string]any{
		"api_key": pc.APIKey,
	}
	if pc.BaseURL != "" {
		entry["base_url"] = pc.BaseURL
	}
	if pc.Model != "" {
		entry["model"] = pc.Model
	}
	providers[providerName] = entry
	raw["providers"] = providers

	// Set active provider and clear stale global model override.
	raw["provider"] = providerName
	delete(raw, "model")

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	// Provider selection first so the generic LLM_* variables target it.
	if v := os.Getenv("EDUMENTOR_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("EDUMENTOR_MODEL"); v != "" {
		cfg.Model = v
	}

	// Vendor-specific keys. VITE_GEMINI_API_KEY is accepted so an existing
	// web frontend .env can be reused.
	for _, kv := range []struct{ env, provider string }{
		{"VITE_GEMINI_API_KEY", "gemini"},
		{"GEMINI_API_KEY", "gemini"},
		{"OPENAI_API_KEY", "openai"},
		{"ANTHROPIC_API_KEY", "anthropic"},
	} {
		if v := os.Getenv(kv.env); v != "" {
			cfg.providerConfig(kv.provider).APIKey = v
		}
	}

	// Generic overrides
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.providerConfig(cfg.Provider).APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.providerConfig(cfg.Provider).BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.Model = v
	}

	// Storage
	if v := os.Getenv("EDUMENTOR_STORE"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}

	// Server and logging
	if v := os.Getenv("SUPABASE_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("EDUMENTOR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
