// Package config handles configuration loading and management for pgbolt.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/pgbolt/internal/oracle"
	"github.com/ShayCichocki/pgbolt/internal/session"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Providers accepted in transformer.provider.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Config holds all configuration for pgbolt.
type Config struct {
	Transformer TransformerConfig `mapstructure:"transformer"`
	Gemini      GeminiConfig      `mapstructure:"gemini"`
	Oracle      OracleConfig      `mapstructure:"oracle"`
	Session     SessionConfig     `mapstructure:"session"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Store       StoreConfig       `mapstructure:"store"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
}

// TransformerConfig selects and tunes the language model.
type TransformerConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Bedrock     BedrockConfig `mapstructure:"bedrock"`
	// Rewrite runs the rule-based rewriter before the first model call.
	Rewrite bool `mapstructure:"rewrite"`
}

// BedrockConfig routes Anthropic requests through AWS Bedrock.
type BedrockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// OracleConfig holds the validation database settings.
type OracleConfig struct {
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	Mode           string        `mapstructure:"mode"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	RowLimit       int           `mapstructure:"row_limit"`
}

// SessionConfig holds correction loop settings.
type SessionConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	CategoryEscalation int           `mapstructure:"category_escalation"`
}

// RulesConfig points at an error-category rule file. Empty uses the
// built-in rules.
type RulesConfig struct {
	Path string `mapstructure:"path"`
}

// StoreConfig holds session archive settings.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr             string `mapstructure:"addr"`
	MaxAttemptsLimit int    `mapstructure:"max_attempts_limit"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, GEMINI_API_KEY, PGBOLT_ORACLE_DSN, PGBOLT_*)
// 2. Project config (.pgbolt.yaml in current directory or parent)
// 3. User config (~/.config/pgbolt/config.yaml), or explicitPath when set
// 4. Built-in defaults
func Load(explicitPath string) (*Config, error) {
	v := newViper()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", explicitPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(getUserConfigDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading user config: %w", err)
			}
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path only (no project
// config lookup).
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PGBOLT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("transformer.api_key", "PGBOLT_TRANSFORMER_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("gemini.api_key", "PGBOLT_GEMINI_API_KEY", "GEMINI_API_KEY")
	v.BindEnv("oracle.dsn", "PGBOLT_ORACLE_DSN", "DATABASE_URL")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in secrets and paths.
	cfg.Transformer.APIKey = expandEnv(cfg.Transformer.APIKey)
	cfg.Gemini.APIKey = expandEnv(cfg.Gemini.APIKey)
	cfg.Oracle.DSN = expandEnv(cfg.Oracle.DSN)
	cfg.Rules.Path = expandEnv(cfg.Rules.Path)
	cfg.Store.Path = expandEnv(cfg.Store.Path)

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("transformer.provider", d.Transformer.Provider)
	v.SetDefault("transformer.model", d.Transformer.Model)
	v.SetDefault("transformer.api_key", "")
	v.SetDefault("transformer.max_tokens", d.Transformer.MaxTokens)
	v.SetDefault("transformer.temperature", d.Transformer.Temperature)
	v.SetDefault("transformer.bedrock.enabled", false)
	v.SetDefault("transformer.bedrock.region", "")
	v.SetDefault("transformer.bedrock.profile", "")
	v.SetDefault("transformer.rewrite", d.Transformer.Rewrite)
	v.SetDefault("gemini.api_key", "")

	v.SetDefault("oracle.driver", d.Oracle.Driver)
	v.SetDefault("oracle.dsn", d.Oracle.DSN)
	v.SetDefault("oracle.mode", d.Oracle.Mode)
	v.SetDefault("oracle.max_open_conns", d.Oracle.MaxOpenConns)
	v.SetDefault("oracle.acquire_timeout", d.Oracle.AcquireTimeout.String())
	v.SetDefault("oracle.row_limit", d.Oracle.RowLimit)

	v.SetDefault("session.max_attempts", d.Session.MaxAttempts)
	v.SetDefault("session.call_timeout", d.Session.CallTimeout.String())
	v.SetDefault("session.category_escalation", d.Session.CategoryEscalation)

	v.SetDefault("rules.path", "")
	v.SetDefault("store.enabled", d.Store.Enabled)
	v.SetDefault("store.path", "")

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.max_attempts_limit", d.Server.MaxAttemptsLimit)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

// Default returns a Config with default values.
func Default() *Config {
	sess := session.DefaultConfig()
	orc := oracle.DefaultConfig()
	return &Config{
		Transformer: TransformerConfig{
			Provider:    ProviderAnthropic,
			MaxTokens:   3000,
			Temperature: 0.7,
			Rewrite:     true,
		},
		Oracle: OracleConfig{
			Driver:         orc.Driver,
			DSN:            ":memory:",
			Mode:           string(orc.Mode),
			MaxOpenConns:   orc.MaxOpenConns,
			AcquireTimeout: orc.AcquireTimeout,
			RowLimit:       orc.RowLimit,
		},
		Session: SessionConfig{
			MaxAttempts: sess.MaxAttempts,
			CallTimeout: sess.CallTimeout,
		},
		Store: StoreConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			Addr:             ":8080",
			MaxAttemptsLimit: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var problems []string
	switch c.Transformer.Provider {
	case ProviderAnthropic, ProviderGemini:
	default:
		problems = append(problems, fmt.Sprintf("transformer.provider %q (want %s or %s)", c.Transformer.Provider, ProviderAnthropic, ProviderGemini))
	}
	if c.Transformer.MaxTokens <= 0 {
		problems = append(problems, "transformer.max_tokens must be positive")
	}
	if c.Transformer.Temperature < 0 || c.Transformer.Temperature > 2 {
		problems = append(problems, "transformer.temperature must be within [0, 2]")
	}
	if err := c.OracleConfig().Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	sess := c.SessionConfig()
	if err := sess.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Session.CallTimeout <= 0 {
		problems = append(problems, "session.call_timeout must be positive")
	}
	if c.Session.CategoryEscalation < 0 {
		problems = append(problems, "session.category_escalation must not be negative")
	}
	if c.Server.MaxAttemptsLimit < c.Session.MaxAttempts {
		problems = append(problems, fmt.Sprintf("server.max_attempts_limit (%d) is below session.max_attempts (%d)", c.Server.MaxAttemptsLimit, c.Session.MaxAttempts))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q", c.Log.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// SessionConfig returns the session settings in the form the runner takes.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		MaxAttempts:        c.Session.MaxAttempts,
		CallTimeout:        c.Session.CallTimeout,
		CategoryEscalation: c.Session.CategoryEscalation,
	}
}

// OracleConfig returns the oracle settings in the form oracle.Open takes.
func (c *Config) OracleConfig() oracle.Config {
	return oracle.Config{
		Driver:         c.Oracle.Driver,
		DSN:            c.Oracle.DSN,
		Mode:           oracle.Mode(c.Oracle.Mode),
		MaxOpenConns:   c.Oracle.MaxOpenConns,
		AcquireTimeout: c.Oracle.AcquireTimeout,
		RowLimit:       c.Oracle.RowLimit,
	}
}

// StorePath returns the archive location, falling back to the XDG data dir.
func (c *Config) StorePath(defaultPath string) string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return defaultPath
}

// getUserConfigDir returns the XDG config directory for pgbolt.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pgbolt")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "pgbolt")
	}
	return filepath.Join(home, ".config", "pgbolt")
}

// findProjectConfig searches for .pgbolt.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".pgbolt.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}
