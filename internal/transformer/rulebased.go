package transformer

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/ShayCichocki/pgbolt/internal/session"
	"github.com/ShayCichocki/pgbolt/internal/strategy"
)

// RuleBased rewrites the statement with the deterministic Rewriter before the
// first model call and hands the result to the wrapped transformer. Retry
// attempts go to the wrapped transformer untouched.
//
// When the model is unavailable on the first pass and the rewriter changed
// the statement, the rewritten statement is returned so the oracle can still
// judge it.
type RuleBased struct {
	next     session.Transformer
	rewriter *Rewriter
	logger   *zap.Logger
}

// NewRuleBased wraps next.
func NewRuleBased(next session.Transformer, logger *zap.Logger) *RuleBased {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleBased{next: next, rewriter: NewRewriter(), logger: logger}
}

// Transform implements session.Transformer.
func (r *RuleBased) Transform(ctx context.Context, req session.Request) (string, error) {
	c, err := r.Convert(ctx, req)
	return c.SQL, err
}

// Convert implements session.Converter.
func (r *RuleBased) Convert(ctx context.Context, req session.Request) (session.Candidate, error) {
	if req.Strategy.Kind != strategy.KindInitial {
		return candidate(ctx, r.next, req)
	}

	rw := r.rewriter.Rewrite(req.Artifact)
	notes := slices.Concat(rw.Applied, rw.Warnings)
	if rw.Changed() {
		r.logger.Debug("rule-based rewrite",
			zap.String("session_id", req.SessionID),
			zap.Strings("applied", rw.Applied),
			zap.Strings("warnings", rw.Warnings))
		req.Artifact = rw.SQL
	}

	c, err := candidate(ctx, r.next, req)
	switch {
	case err == nil:
		if rw.Changed() {
			c.Method = MethodRulesLLM
		}
		c.Notes = slices.Concat(notes, c.Notes)
		return c, nil
	case rw.Changed() && errors.Is(err, ErrUnavailable) && ctx.Err() == nil:
		r.logger.Warn("model unavailable, using rule-based rewrite",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		return session.Candidate{
			SQL:    rw.SQL,
			Method: MethodRules,
			Notes:  append(notes, "model unavailable: "+err.Error()),
		}, nil
	default:
		return session.Candidate{}, err
	}
}

// candidate asks t for a candidate, through Convert when t reports methods.
func candidate(ctx context.Context, t session.Transformer, req session.Request) (session.Candidate, error) {
	if c, ok := t.(session.Converter); ok {
		return c.Convert(ctx, req)
	}
	sql, err := t.Transform(ctx, req)
	if err != nil {
		return session.Candidate{}, err
	}
	return session.Candidate{SQL: sql, Method: MethodLLM}, nil
}

var (
	_ session.Converter = (*LLM)(nil)
	_ session.Converter = (*RuleBased)(nil)
)
