// Package server exposes correction sessions and the session archive over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ShayCichocki/pgbolt/internal/session"
	"github.com/ShayCichocki/pgbolt/internal/state"
)

const (
	maxBodyBytes    = 1 << 20
	healthTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Runner runs correction sessions.
type Runner interface {
	Run(ctx context.Context, original string, maxAttempts int) (*session.Result, error)
	Config() session.Config
}

// Archive reads finished sessions.
type Archive interface {
	GetSession(ctx context.Context, id string) (*state.SessionRecord, error)
	ListSessions(ctx context.Context, opts state.ListOptions) ([]state.SessionRecord, error)
}

// Pinger checks that the oracle database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server. Archive and Oracle may be nil.
// MaxAttemptsLimit caps per-request max_attempts overrides; zero means the
// runner's default is also the cap.
type Options struct {
	Runner           Runner
	Archive          Archive
	Oracle           Pinger
	MaxAttemptsLimit int
	Logger           *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	router           *chi.Mux
	runner           Runner
	archive          Archive
	oracle           Pinger
	maxAttemptsLimit int
	logger           *zap.Logger
}

// New builds a Server with its routes installed.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := opts.MaxAttemptsLimit
	if limit <= 0 {
		limit = opts.Runner.Config().MaxAttempts
	}

	s := &Server{
		router:           chi.NewRouter(),
		runner:           opts.Runner,
		archive:          opts.Archive,
		oracle:           opts.Oracle,
		maxAttemptsLimit: limit,
		logger:           logger.Named("http"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/v1/conversions", func(r chi.Router) {
		r.Post("/", s.handleConvert)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully. In-flight sessions see their request contexts canceled only
// if shutdown outlasts its grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errCh
	return nil
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
