package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/pgbolt/internal/server"
	"github.com/ShayCichocki/pgbolt/internal/signature"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve conversions over HTTP",
	Long: `Start the HTTP server:

  POST /v1/conversions        run a session ({"sql": "...", "max_attempts": n})
  GET  /v1/conversions        list archived sessions (?verdict=&limit=)
  GET  /v1/conversions/{id}   show one archived session
  GET  /healthz               ping the oracle database

When rules.path is set the rule file is watched and reloaded on change.
SIGINT or SIGTERM shuts the server down gracefully.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	opts := server.Options{
		Runner:           a.runner,
		Oracle:           a.oracle,
		MaxAttemptsLimit: cfg.Server.MaxAttemptsLimit,
		Logger:           logger,
	}
	if a.archive != nil {
		opts.Archive = a.archive
	}
	srv := server.New(opts)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Rules.Path != "" {
		watcher, err := signature.NewRuleWatcher(cfg.Rules.Path, a.extractor, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error { return srv.ListenAndServe(gctx, addr) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped", zap.String("addr", addr))
	return nil
}
