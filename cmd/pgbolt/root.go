package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/pgbolt/internal/config"
	"github.com/ShayCichocki/pgbolt/internal/logging"
)

var (
	configPath string
	verbose    bool

	// cfg and logger are set by the root PersistentPreRunE.
	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "pgbolt",
	Short: "PostgreSQL to Firebolt SQL converter with self-correction",
	Long: `pgbolt converts PostgreSQL statements into Firebolt SQL with an LLM,
validates every candidate against a live database and feeds failures back
into the next attempt until a candidate validates or the attempt budget runs
out.

Repeated errors are detected by fingerprint, so the model is told when it is
going around in circles and asked for a structurally different rewrite.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		l, err := logging.New(logging.Options{
			Level:       cfg.Log.Level,
			Development: cfg.Log.Development,
			Verbose:     verbose,
		})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if !errors.As(err, &exit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// exitError fails the process without printing; the command has already
// reported the outcome.
type exitError struct{ msg string }

func (e exitError) Error() string { return e.msg }

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/pgbolt/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
