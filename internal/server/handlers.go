package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ShayCichocki/pgbolt/internal/session"
	"github.com/ShayCichocki/pgbolt/internal/state"
)

type convertRequest struct {
	SQL         string `json:"sql"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		writeError(w, http.StatusBadRequest, "sql is required")
		return
	}

	maxAttempts, err := s.attemptBudget(req.MaxAttempts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The session is bound to the request: a client disconnect cancels it.
	res, err := s.runner.Run(r.Context(), req.SQL, maxAttempts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, session.ErrInvalidConfig), errors.Is(err, session.ErrEmptyArtifact):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Info("session canceled by client", zap.Error(err))
		if res != nil {
			writeJSON(w, http.StatusRequestTimeout, res)
			return
		}
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// attemptBudget applies the default and the cap to a requested budget.
func (s *Server) attemptBudget(requested int) (int, error) {
	switch {
	case requested < 0:
		return 0, errors.New("max_attempts must be positive")
	case requested == 0:
		return s.runner.Config().MaxAttempts, nil
	case requested > s.maxAttemptsLimit:
		return s.maxAttemptsLimit, nil
	default:
		return requested, nil
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "session archive is disabled")
		return
	}

	opts := state.ListOptions{}
	q := r.URL.Query()
	if v := q.Get("verdict"); v != "" {
		verdict := session.Verdict(v)
		switch verdict {
		case session.VerdictSucceeded, session.VerdictExhausted, session.VerdictCanceled:
			opts.Verdict = verdict
		default:
			writeError(w, http.StatusBadRequest, "unknown verdict "+strconv.Quote(v))
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = n
	}

	recs, err := s.archive.ListSessions(r.Context(), opts)
	if err != nil {
		s.logger.Error("list sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": recs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "session archive is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := s.archive.GetSession(r.Context(), id)
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session "+id+" not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.oracle == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.oracle.Ping(ctx); err != nil {
		s.logger.Warn("oracle ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
