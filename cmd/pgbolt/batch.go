package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/pgbolt/internal/session"
)

var (
	batchParallel int
	batchOutDir   string
)

var batchCmd = &cobra.Command{
	Use:   "batch <file>...",
	Short: "Convert many statement files concurrently",
	Long: `Convert every given file as an independent session. Sessions share one
oracle connection pool; --parallel bounds how many run at once.

With --out-dir each validated statement is written under the input's base
name. Sessions that did not validate write their last candidate to the same
name with the verdict appended, for example q.sql.exhausted. Inputs that share
a base name are rejected before any session starts. Exit status is 1 if any
session did not validate.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().IntVarP(&batchParallel, "parallel", "p", 4, "Maximum concurrent sessions")
	batchCmd.Flags().StringVar(&batchOutDir, "out-dir", "", "Directory for converted statements")
}

// batchItem is one file's session.
type batchItem struct {
	path string
	res  *session.Result
	err  error
}

// errBatchStdin rejects "-" among batch inputs.
var errBatchStdin = errors.New("batch reads files; use convert to read a statement from standard input")

// planOutputs returns the output path of each input under dir. Two inputs
// that would write the same file are an error.
func planOutputs(paths []string, dir string) ([]string, error) {
	outs := make([]string, len(paths))
	owner := make(map[string]string, len(paths))
	for i, p := range paths {
		if p == "-" {
			return nil, errBatchStdin
		}
		if dir == "" {
			continue
		}
		out := filepath.Join(dir, filepath.Base(p))
		if prev, ok := owner[out]; ok {
			return nil, fmt.Errorf("%s and %s both write %s", prev, p, out)
		}
		owner[out] = p
		outs[i] = out
	}
	return outs, nil
}

// outputPath is where res is written for a planned output. Statements that
// did not validate carry the verdict as an extra extension.
func outputPath(out string, res *session.Result) string {
	if res.Succeeded() {
		return out
	}
	return out + "." + string(res.Verdict)
}

func runBatch(cmd *cobra.Command, args []string) error {
	if batchParallel <= 0 {
		return fmt.Errorf("--parallel must be positive, got %d", batchParallel)
	}
	outs, err := planOutputs(args, batchOutDir)
	if err != nil {
		return err
	}
	if batchOutDir != "" {
		if err := os.MkdirAll(batchOutDir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	items := make([]batchItem, len(args))
	// Sessions are independent: one failure must not cancel the others, so
	// the group carries no derived context.
	var g errgroup.Group
	g.SetLimit(batchParallel)
	for i, path := range args {
		items[i].path = path
		g.Go(func() error {
			items[i].res, items[i].err = convertFile(ctx, a, path, outs[i])
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, it := range items {
		switch {
		case it.err != nil:
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", it.path, it.err)
		case it.res != nil:
			if !it.res.Succeeded() {
				failed++
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", it.path, verdictLine(it.res))
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "\n%d of %d converted\n", len(items)-failed, len(items))

	if failed > 0 {
		return exitError{msg: fmt.Sprintf("%d of %d sessions did not validate", failed, len(items))}
	}
	return nil
}

// convertFile runs one session for path and, when out is set, writes its
// final statement.
func convertFile(ctx context.Context, a *app, path, out string) (*session.Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read statement: %w", err)
	}
	original := strings.TrimSpace(string(raw))
	if original == "" {
		return nil, session.ErrEmptyArtifact
	}

	res, err := a.runner.Run(ctx, original, cfg.Session.MaxAttempts)
	if res == nil {
		return nil, err
	}
	if err != nil {
		logger.Warn("session interrupted", zap.String("path", path), zap.String("session_id", res.ID), zap.Error(err))
	}

	if out != "" && res.FinalArtifact != "" {
		out = outputPath(out, res)
		if werr := os.WriteFile(out, []byte(res.FinalArtifact+"\n"), 0644); werr != nil {
			return res, fmt.Errorf("write %s: %w", out, werr)
		}
	}
	return res, nil
}
