package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/pgbolt/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show the effective configuration",
	Long: `Display the effective pgbolt configuration after defaults, the user config,
the project .pgbolt.yaml and environment variables are merged.

Without arguments, displays every key. With one argument, displays that key.
Secrets are masked.

User configuration is read from ~/.config/pgbolt/config.yaml.
Project-specific overrides can be placed in .pgbolt.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		}
		displayAllConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

// configKeys lists the keys displayAllConfig prints, in order.
var configKeys = []string{
	"transformer.provider",
	"transformer.model",
	"transformer.api_key",
	"transformer.max_tokens",
	"transformer.temperature",
	"transformer.bedrock.enabled",
	"transformer.bedrock.region",
	"transformer.bedrock.profile",
	"transformer.rewrite",
	"gemini.api_key",
	"oracle.driver",
	"oracle.dsn",
	"oracle.mode",
	"oracle.max_open_conns",
	"oracle.acquire_timeout",
	"oracle.row_limit",
	"session.max_attempts",
	"session.call_timeout",
	"session.category_escalation",
	"rules.path",
	"store.enabled",
	"store.path",
	"server.addr",
	"server.max_attempts_limit",
	"log.level",
	"log.development",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(w io.Writer, c *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(c, key)
		fmt.Fprintf(w, "%s: %s\n", key, value)
	}
	if p := config.GetProjectConfigPath(); p != "" {
		fmt.Fprintf(w, "\n# project config: %s\n", p)
	}
	fmt.Fprintf(w, "# api key source: %s\n", config.GetAPIKeySource(c))
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(c *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "transformer.provider":
		return c.Transformer.Provider, nil
	case "transformer.model":
		return orDefault(c.Transformer.Model), nil
	case "transformer.api_key":
		return config.MaskAPIKey(c.Transformer.APIKey), nil
	case "transformer.max_tokens":
		return strconv.Itoa(c.Transformer.MaxTokens), nil
	case "transformer.temperature":
		return strconv.FormatFloat(c.Transformer.Temperature, 'g', -1, 64), nil
	case "transformer.bedrock.enabled":
		return strconv.FormatBool(c.Transformer.Bedrock.Enabled), nil
	case "transformer.bedrock.region":
		return orDefault(c.Transformer.Bedrock.Region), nil
	case "transformer.bedrock.profile":
		return orDefault(c.Transformer.Bedrock.Profile), nil
	case "transformer.rewrite":
		return strconv.FormatBool(c.Transformer.Rewrite), nil
	case "gemini.api_key":
		return config.MaskAPIKey(c.Gemini.APIKey), nil
	case "oracle.driver":
		return c.Oracle.Driver, nil
	case "oracle.dsn":
		return config.MaskDSN(c.Oracle.DSN), nil
	case "oracle.mode":
		return c.Oracle.Mode, nil
	case "oracle.max_open_conns":
		return strconv.Itoa(c.Oracle.MaxOpenConns), nil
	case "oracle.acquire_timeout":
		return c.Oracle.AcquireTimeout.String(), nil
	case "oracle.row_limit":
		return strconv.Itoa(c.Oracle.RowLimit), nil
	case "session.max_attempts":
		return strconv.Itoa(c.Session.MaxAttempts), nil
	case "session.call_timeout":
		return c.Session.CallTimeout.String(), nil
	case "session.category_escalation":
		return strconv.Itoa(c.Session.CategoryEscalation), nil
	case "rules.path":
		if c.Rules.Path == "" {
			return "(built-in)", nil
		}
		return c.Rules.Path, nil
	case "store.enabled":
		return strconv.FormatBool(c.Store.Enabled), nil
	case "store.path":
		return orDefault(c.Store.Path), nil
	case "server.addr":
		return c.Server.Addr, nil
	case "server.max_attempts_limit":
		return strconv.Itoa(c.Server.MaxAttemptsLimit), nil
	case "log.level":
		return c.Log.Level, nil
	case "log.development":
		return strconv.FormatBool(c.Log.Development), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}
