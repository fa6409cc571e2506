package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate keeps the developer's environment out of Load.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, key := range []string{"ANTHROPIC_API_KEY", "GEMINI_API_KEY", "DATABASE_URL", "PGBOLT_ORACLE_DSN", "PGBOLT_SESSION_MAX_ATTEMPTS"} {
		t.Setenv(key, "")
	}
	t.Chdir(t.TempDir())
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Transformer.Provider != ProviderAnthropic {
		t.Errorf("expected default provider 'anthropic', got %q", cfg.Transformer.Provider)
	}
	if cfg.Session.MaxAttempts != 15 {
		t.Errorf("expected default max attempts 15, got %d", cfg.Session.MaxAttempts)
	}
	if cfg.Session.CallTimeout != 60*time.Second {
		t.Errorf("expected call timeout 60s, got %v", cfg.Session.CallTimeout)
	}
	if cfg.Session.CategoryEscalation != 0 {
		t.Errorf("expected category escalation disabled, got %d", cfg.Session.CategoryEscalation)
	}
	if cfg.Oracle.Driver != "sqlite" || cfg.Oracle.Mode != "execute" {
		t.Errorf("expected sqlite/execute oracle, got %s/%s", cfg.Oracle.Driver, cfg.Oracle.Mode)
	}
	if !cfg.Store.Enabled {
		t.Error("expected store to be enabled")
	}
	if !cfg.Transformer.Rewrite {
		t.Error("expected rule-based rewrite to be enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	isolate(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	writeConfig(t, configPath, `
transformer:
  provider: gemini
  model: gemini-2.5-pro
  temperature: 0.2
  rewrite: false
gemini:
  api_key: test-key
oracle:
  driver: postgres
  dsn: postgres://localhost/bolt
  mode: explain
  acquire_timeout: 2s
session:
  max_attempts: 8
  call_timeout: 90s
  category_escalation: 3
server:
  addr: 127.0.0.1:9090
`)

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Transformer.Provider != ProviderGemini {
		t.Errorf("expected provider 'gemini', got %q", cfg.Transformer.Provider)
	}
	if cfg.Gemini.APIKey != "test-key" {
		t.Errorf("expected gemini api_key 'test-key', got %q", cfg.Gemini.APIKey)
	}
	if cfg.Transformer.Temperature != 0.2 {
		t.Errorf("expected temperature 0.2, got %v", cfg.Transformer.Temperature)
	}
	if cfg.Transformer.Rewrite {
		t.Error("expected rewrite disabled by the file")
	}
	if cfg.Transformer.MaxTokens != 3000 {
		t.Errorf("expected default max_tokens 3000, got %d", cfg.Transformer.MaxTokens)
	}
	if cfg.Oracle.Mode != "explain" {
		t.Errorf("expected oracle mode 'explain', got %q", cfg.Oracle.Mode)
	}
	if cfg.Oracle.AcquireTimeout != 2*time.Second {
		t.Errorf("expected acquire timeout 2s, got %v", cfg.Oracle.AcquireTimeout)
	}
	if cfg.Oracle.RowLimit != 100 {
		t.Errorf("expected default row limit 100, got %d", cfg.Oracle.RowLimit)
	}
	if cfg.Session.MaxAttempts != 8 {
		t.Errorf("expected max attempts 8, got %d", cfg.Session.MaxAttempts)
	}
	if cfg.Session.CallTimeout != 90*time.Second {
		t.Errorf("expected call timeout 90s, got %v", cfg.Session.CallTimeout)
	}
	if cfg.Server.Addr != "127.0.0.1:9090" {
		t.Errorf("expected server addr '127.0.0.1:9090', got %q", cfg.Server.Addr)
	}

	sc := cfg.SessionConfig()
	if sc.MaxAttempts != 8 || sc.CategoryEscalation != 3 {
		t.Errorf("SessionConfig() = %+v", sc)
	}
	oc := cfg.OracleConfig()
	if oc.DSN != "postgres://localhost/bolt" || string(oc.Mode) != "explain" {
		t.Errorf("OracleConfig() = %+v", oc)
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	isolate(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, configPath, "oracle:\n  dsn: from-file\n")

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")
	t.Setenv("DATABASE_URL", "postgres://env/bolt")
	t.Setenv("PGBOLT_SESSION_MAX_ATTEMPTS", "4")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Transformer.APIKey != "sk-ant-from-env" {
		t.Errorf("expected api key from env, got %q", cfg.Transformer.APIKey)
	}
	if cfg.Oracle.DSN != "postgres://env/bolt" {
		t.Errorf("expected dsn from env, got %q", cfg.Oracle.DSN)
	}
	if cfg.Session.MaxAttempts != 4 {
		t.Errorf("expected max attempts 4 from env, got %d", cfg.Session.MaxAttempts)
	}
}

func TestLoad_ProjectConfigOverridesUser(t *testing.T) {
	isolate(t)

	userDir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "pgbolt")
	if err := os.MkdirAll(userDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, filepath.Join(userDir, "config.yaml"), "session:\n  max_attempts: 5\nlog:\n  level: debug\n")

	project := t.TempDir()
	nested := filepath.Join(project, "queries", "reports")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, filepath.Join(project, ".pgbolt.yaml"), "session:\n  max_attempts: 9\n")
	t.Chdir(nested)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.MaxAttempts != 9 {
		t.Errorf("expected project max attempts 9, got %d", cfg.Session.MaxAttempts)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected user log level 'debug', got %q", cfg.Log.Level)
	}
	if got := GetProjectConfigPath(); !strings.HasSuffix(got, ".pgbolt.yaml") {
		t.Errorf("GetProjectConfigPath() = %q", got)
	}
}

func TestLoad_NoFiles(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.MaxAttempts != 15 {
		t.Errorf("expected default max attempts, got %d", cfg.Session.MaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown provider", func(c *Config) { c.Transformer.Provider = "openai" }, "transformer.provider"},
		{"zero attempts", func(c *Config) { c.Session.MaxAttempts = 0 }, "max attempts"},
		{"zero call timeout", func(c *Config) { c.Session.CallTimeout = 0 }, "call_timeout"},
		{"bad oracle mode", func(c *Config) { c.Oracle.Mode = "dry" }, "oracle mode"},
		{"limit below default", func(c *Config) { c.Server.MaxAttemptsLimit = 3 }, "max_attempts_limit"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "expanded-value")

	if result := expandEnv("${TEST_VAR}"); result != "expanded-value" {
		t.Errorf("expected 'expanded-value', got %q", result)
	}
	if result := expandEnv("prefix-${TEST_VAR}-suffix"); result != "prefix-expanded-value-suffix" {
		t.Errorf("expected 'prefix-expanded-value-suffix', got %q", result)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	if dir := getUserConfigDir(); dir != "/custom/config/pgbolt" {
		t.Errorf("expected %q, got %q", "/custom/config/pgbolt", dir)
	}
	if path := GetUserConfigPath(); path != "/custom/config/pgbolt/config.yaml" {
		t.Errorf("GetUserConfigPath() = %q", path)
	}
}
