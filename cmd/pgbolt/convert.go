package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/pgbolt/internal/session"
)

var (
	convertInput       string
	convertOutput      string
	convertMaxAttempts int
	convertTimeout     time.Duration
	convertJSON        bool
	convertLedger      bool
)

var convertCmd = &cobra.Command{
	Use:   "convert [sql]",
	Short: "Convert one PostgreSQL statement",
	Long: `Convert a PostgreSQL statement to Firebolt SQL and correct it against the
configured database until it validates.

The statement is read from the argument, from --input, or from stdin. The
final statement goes to --output or stdout; the report goes to stderr.

Exit status is 0 when a candidate validated and 1 otherwise.`,
	Example: `  pgbolt convert "SELECT id::text FROM users"
  pgbolt convert -i query.sql -o query.firebolt.sql --ledger
  cat query.sql | pgbolt convert --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVarP(&convertInput, "input", "i", "", "Read the statement from a file (- for stdin)")
	convertCmd.Flags().StringVarP(&convertOutput, "output", "o", "", "Write the final statement to a file")
	convertCmd.Flags().IntVar(&convertMaxAttempts, "max-attempts", 0, "Attempt budget (default session.max_attempts)")
	convertCmd.Flags().DurationVar(&convertTimeout, "timeout", 0, "Abort the whole session after this long")
	convertCmd.Flags().BoolVar(&convertJSON, "json", false, "Print the full result as JSON")
	convertCmd.Flags().BoolVar(&convertLedger, "ledger", false, "Print every attempt")
}

func runConvert(cmd *cobra.Command, args []string) error {
	original, err := readStatement(cmd.InOrStdin(), args, convertInput)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if convertTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, convertTimeout)
		defer cancel()
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	maxAttempts := convertMaxAttempts
	if maxAttempts == 0 {
		maxAttempts = cfg.Session.MaxAttempts
	}

	res, runErr := a.runner.Run(ctx, original, maxAttempts)
	if res == nil {
		return runErr
	}
	if runErr != nil {
		logger.Warn("session interrupted", zap.String("session_id", res.ID), zap.Error(runErr))
	}

	if err := writeConvertOutput(cmd, res); err != nil {
		return err
	}

	in, out := a.tracker.Total()
	logger.Debug("token usage", zap.Int64("input_tokens", in), zap.Int64("output_tokens", out), zap.Int("calls", a.tracker.Calls()))

	if !res.Succeeded() {
		return exitError{msg: string(res.Verdict)}
	}
	return nil
}

// writeConvertOutput prints the result in the requested shape.
func writeConvertOutput(cmd *cobra.Command, res *session.Result) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	if convertJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprint(stderr, renderResult(res, convertLedger))

	if convertOutput != "" {
		if err := os.WriteFile(convertOutput, []byte(res.FinalArtifact+"\n"), 0644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		return nil
	}
	fmt.Fprintln(stdout, res.FinalArtifact)
	return nil
}

// readStatement picks the statement from args, a file, or stdin.
func readStatement(stdin io.Reader, args []string, input string) (string, error) {
	if len(args) > 0 && input != "" {
		return "", errors.New("pass the statement as an argument or with --input, not both")
	}

	var raw []byte
	var err error
	switch {
	case len(args) > 0:
		raw = []byte(args[0])
	case input == "" || input == "-":
		if stdin == nil {
			return "", errors.New("no standard input to read the statement from")
		}
		raw, err = io.ReadAll(stdin)
	default:
		raw, err = os.ReadFile(input)
	}
	if err != nil {
		return "", fmt.Errorf("read statement: %w", err)
	}

	sql := strings.TrimSpace(string(raw))
	if sql == "" {
		return "", session.ErrEmptyArtifact
	}
	return sql, nil
}
