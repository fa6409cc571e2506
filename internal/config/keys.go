package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when the selected provider has no API key.
var ErrNoAPIKey = errors.New("no API key configured")

// envKey returns the conventional environment variable for a provider.
func envKey(provider string) string {
	if provider == ProviderGemini {
		return "GEMINI_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}

func configuredKey(cfg *Config) string {
	if cfg == nil {
		return ""
	}
	key := cfg.Transformer.APIKey
	if cfg.Transformer.Provider == ProviderGemini {
		key = cfg.Gemini.APIKey
	}
	key = os.ExpandEnv(key)
	if strings.HasPrefix(key, "${") {
		return ""
	}
	return key
}

func provider(cfg *Config) string {
	if cfg == nil || cfg.Transformer.Provider == "" {
		return ProviderAnthropic
	}
	return cfg.Transformer.Provider
}

// GetAPIKey returns the API key for the configured provider.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config) (string, error) {
	p := provider(cfg)
	if key := os.Getenv(envKey(p)); key != "" {
		return key, nil
	}
	if key := configuredKey(cfg); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w for %s (set %s)", ErrNoAPIKey, p, envKey(p))
}

// ValidateAPIKey performs a format check on a key for the given provider.
// It does not contact the provider.
func ValidateAPIKey(providerName, key string) error {
	if key == "" {
		return ErrNoAPIKey
	}

	switch providerName {
	case ProviderAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return errors.New("invalid API key format: expected 'sk-ant-' prefix")
		}
	case ProviderGemini:
		if !strings.HasPrefix(key, "AIza") {
			return errors.New("invalid API key format: expected 'AIza' prefix")
		}
	}

	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:7] + "..." + key[len(key)-4:]
}

// MaskDSN hides the password in a connection string.
func MaskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return dsn
	}
	return dsn[:scheme+3] + userinfo[:colon] + ":***" + dsn[at:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKeySource returns where the API key was sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	if os.Getenv(envKey(provider(cfg))) != "" {
		return KeySourceEnv
	}
	if configuredKey(cfg) != "" {
		return KeySourceConfig
	}
	return KeySourceNone
}
