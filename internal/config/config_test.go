package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EDUMENTOR_PROVIDER", "EDUMENTOR_MODEL", "VITE_GEMINI_API_KEY", "GEMINI_API_KEY",
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "LLM_API_KEY", "LLM_BASE_URL", "LLM_MODEL",
		"EDUMENTOR_STORE", "DATABASE_URL", "REDIS_URL", "SUPABASE_JWT_SECRET", "EDUMENTOR_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Provider != "gemini" {
		t.Errorf("expected default provider 'gemini', got %q", cfg.Provider)
	}
	if cfg.Store.Driver != StoreSQLite {
		t.Errorf("expected default store 'sqlite', got %q", cfg.Store.Driver)
	}
	if cfg.AutosaveInterval != 500*time.Millisecond {
		t.Errorf("expected autosave_interval 500ms, got %v", cfg.AutosaveInterval)
	}
	if cfg.Document.Backend != "auto" {
		t.Errorf("expected document backend 'auto', got %q", cfg.Document.Backend)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.RateBurst != 5 {
		t.Errorf("unexpected server defaults: %+v", cfg.Server)
	}
}

func TestKnownProviderDefaults(t *testing.T) {
	if KnownProviderModels["gemini"] != "gemini-2.5-flash" {
		t.Errorf("gemini default model = %q", KnownProviderModels["gemini"])
	}
	if KnownProviderBaseURLs["deepseek"] != "https://api.deepseek.com/v1" {
		t.Errorf("deepseek base url = %q", KnownProviderBaseURLs["deepseek"])
	}
	if _, ok := KnownProviderBaseURLs["gemini"]; ok {
		t.Error("gemini uses the native SDK and should have no base url")
	}
	names := KnownProviders()
	if len(names) == 0 || names[0] != "anthropic" {
		t.Errorf("KnownProviders() = %v, want sorted list starting with anthropic", names)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Provider != "gemini" {
		t.Errorf("expected default provider, got %q", cfg.Provider)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
provider: deepseek
model: deepseek-chat
system_prompt: "You are a patient networking tutor."
max_tokens: 2048
autosave_interval: 2s
providers:
  deepseek:
    api_key: "sk-test"
store:
  driver: pebble
  path: /tmp/edumentor-pebble
document:
  backend: native
  max_bytes: 1048576
server:
  addr: "127.0.0.1:9000"
  rate_limit: 0.5
log:
  level: debug
  format: json
`
	os.WriteFile(path, []byte(data), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider != "deepseek" || cfg.Model != "deepseek-chat" {
		t.Errorf("provider/model = %q/%q", cfg.Provider, cfg.Model)
	}
	if cfg.SystemPrompt != "You are a patient networking tutor." {
		t.Errorf("system_prompt = %q", cfg.SystemPrompt)
	}
	if cfg.MaxTokens != 2048 {
		t.Errorf("max_tokens = %d", cfg.MaxTokens)
	}
	if cfg.AutosaveInterval != 2*time.Second {
		t.Errorf("autosave_interval = %v", cfg.AutosaveInterval)
	}
	if cfg.GetProviderConfig("deepseek").APIKey != "sk-test" {
		t.Errorf("expected api_key 'sk-test'")
	}
	if cfg.Store.Driver != StorePebble || cfg.Store.Path != "/tmp/edumentor-pebble" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Store.MaxOpenConns != 10 {
		t.Errorf("unset store fields should keep defaults, got max_open_conns %d", cfg.Store.MaxOpenConns)
	}
	if cfg.Document.Backend != "native" || cfg.Document.MaxBytes != 1048576 {
		t.Errorf("document = %+v", cfg.Document)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Server.RateLimit != 0.5 || cfg.Server.RateBurst != 5 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("{{invalid yaml"), 0644)

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("provider: gemini\n"), 0644)

	t.Setenv("EDUMENTOR_PROVIDER", "groq")
	t.Setenv("LLM_API_KEY", "env-key-123")
	t.Setenv("LLM_BASE_URL", "https://custom.api.com/v1")
	t.Setenv("LLM_MODEL", "custom-model")
	t.Setenv("EDUMENTOR_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("SUPABASE_JWT_SECRET", "jwt-secret")
	t.Setenv("EDUMENTOR_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider != "groq" {
		t.Errorf("EDUMENTOR_PROVIDER should override, got %q", cfg.Provider)
	}
	if cfg.Model != "custom-model" {
		t.Errorf("LLM_MODEL should override, got %q", cfg.Model)
	}
	// Provider selection is applied first, so LLM_* land on groq.
	pc := cfg.GetProviderConfig("groq")
	if pc.APIKey != "env-key-123" || pc.BaseURL != "https://custom.api.com/v1" {
		t.Errorf("groq provider config = %+v", pc)
	}
	if cfg.Store.Driver != "redis" || cfg.Store.RedisURL != "redis://localhost:6379/2" || cfg.Store.DSN != "postgres://u:p@localhost/db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Server.JWTSecret != "jwt-secret" {
		t.Errorf("jwt secret = %q", cfg.Server.JWTSecret)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoad_VendorKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("VITE_GEMINI_API_KEY", "vite-key")
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load("/nonexistent/config.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.GetProviderConfig("gemini").APIKey; got != "vite-key" {
		t.Errorf("gemini key = %q", got)
	}
	if got := cfg.GetProviderConfig("openai").APIKey; got != "sk-openai" {
		t.Errorf("openai key = %q", got)
	}
	if got := cfg.GetProviderConfig("anthropic").APIKey; got != "sk-ant-test" {
		t.Errorf("anthropic key = %q", got)
	}

	// GEMINI_API_KEY wins over the Vite-prefixed name.
	t.Setenv("GEMINI_API_KEY", "plain-key")
	cfg, _ = Load("/nonexistent/config.yaml")
	if got := cfg.GetProviderConfig("gemini").APIKey; got != "plain-key" {
		t.Errorf("gemini key = %q, want plain-key", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	os.WriteFile(path, []byte("GEMINI_API_KEY=from-dotenv\nEDUMENTOR_MODEL=gemini-2.0-flash\n"), 0644)
	// An explicitly set variable wins over the file.
	t.Setenv("EDUMENTOR_MODEL", "from-shell")
	os.Unsetenv("GEMINI_API_KEY")
	t.Cleanup(func() { os.Unsetenv("GEMINI_API_KEY") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg, err := Load("/nonexistent/config.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.GetProviderConfig("gemini").APIKey; got != "from-dotenv" {
		t.Errorf("gemini key = %q", got)
	}
	if cfg.Model != "from-shell" {
		t.Errorf("model = %q, shell value should win", cfg.Model)
	}
}

func TestResolveModelAndBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ResolveModel(); got != "gemini-2.5-flash" {
		t.Errorf("default model = %q", got)
	}
	cfg.Providers["gemini"] = &ProviderConfig{Model: "gemini-2.0-flash"}
	if got := cfg.ResolveModel(); got != "gemini-2.0-flash" {
		t.Errorf("provider model = %q", got)
	}
	cfg.Model = "override"
	if got := cfg.ResolveModel(); got != "override" {
		t.Errorf("global model = %q", got)
	}

	cfg.Provider = "deepseek"
	if got := cfg.ResolveBaseURL(); got != "https://api.deepseek.com/v1" {
		t.Errorf("known base url = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
	}{
		{"ok", func(c *Config) { c.Providers["gemini"] = &ProviderConfig{APIKey: "k"} }, ""},
		{"missing key", func(c *Config) {}, "providers.gemini.api_key"},
		{"ollama needs no key", func(c *Config) { c.Provider = "ollama" }, ""},
		{"unknown provider", func(c *Config) {
			c.Provider = "acme"
			c.Providers["acme"] = &ProviderConfig{APIKey: "k"}
		}, "providers.acme.base_url"},
		{"bad store", func(c *Config) {
			c.Providers["gemini"] = &ProviderConfig{APIKey: "k"}
			c.Store.Driver = "mongo"
		}, "store.driver"},
		{"postgres without dsn", func(c *Config) {
			c.Providers["gemini"] = &ProviderConfig{APIKey: "k"}
			c.Store.Driver = StorePostgres
		}, "store.dsn"},
		{"redis without url", func(c *Config) {
			c.Providers["gemini"] = &ProviderConfig{APIKey: "k"}
			c.Store.Driver = StoreRedis
		}, "store.redis_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate() = %v, want *ConfigurationError", err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("field = %q, want %q", ce.Field, tt.wantField)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers["gemini"] = &ProviderConfig{APIKey: "k"}

	var ce *ConfigurationError
	if err := cfg.ValidateServer(); !errors.As(err, &ce) || ce.Field != "server.jwt_secret" {
		t.Fatalf("ValidateServer() = %v, want jwt_secret error", err)
	}
	cfg.Server.JWTSecret = "s"
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("ValidateServer() = %v", err)
	}
	cfg.Server.JWTSecret = ""
	cfg.Server.AuthDisabled = true
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("auth disabled: ValidateServer() = %v", err)
	}
}

func TestSaveProviderToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("model: stale\nstore:\n  driver: json\n"), 0600)

	if err := SaveProviderToFile(path, "anthropic", ProviderConfig{APIKey: "sk-ant"}); err != nil {
		t.Fatalf("SaveProviderToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["provider"] != "anthropic" {
		t.Errorf("provider = %v", raw["provider"])
	}
	if _, ok := raw["model"]; ok {
		t.Error("stale model override should be removed")
	}
	if !strings.Contains(string(data), "driver: json") {
		t.Errorf("unrelated settings lost:\n%s", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("config perms = %v, want 0600", info.Mode().Perm())
	}
}
