// Package transformer turns a PostgreSQL statement plus correction guidance
// into a Firebolt candidate using a language model.
package transformer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/pgbolt/internal/session"
	"github.com/ShayCichocki/pgbolt/internal/signature"
	"github.com/ShayCichocki/pgbolt/internal/strategy"
)

var (
	// ErrUnavailable means the model could not be reached or refused the
	// request.
	ErrUnavailable = errors.New("transformer unavailable")
	// ErrMalformedResponse means the model answered with nothing usable: an
	// empty statement, or the input unchanged when asked to fix an error.
	ErrMalformedResponse = session.ErrMalformedResponse
)

// Reasons reported with ErrMalformedResponse.
const (
	ReasonEmpty     = "empty answer"
	ReasonUnchanged = "answer identical to input"
)

// Conversion methods recorded on each attempt.
const (
	MethodLLM      = "llm"
	MethodRules    = "rules"
	MethodRulesLLM = "rules+llm"
)

// Completer sends one system+user prompt pair to a model and returns the
// raw text answer.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, system, prompt string) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

// LLM is a session.Transformer backed by a Completer.
type LLM struct {
	completer Completer
	prompts   *PromptBuilder
	logger    *zap.Logger
}

// NewLLM creates an LLM transformer. rules supplies per-category guidance
// for retry prompts and may be nil.
func NewLLM(c Completer, rules func() *signature.RuleSet, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{
		completer: c,
		prompts:   NewPromptBuilder(rules),
		logger:    logger,
	}
}

// Transform implements session.Transformer.
func (l *LLM) Transform(ctx context.Context, req session.Request) (string, error) {
	prompt := l.prompts.Build(req)
	l.logger.Debug("transformer prompt",
		zap.String("session_id", req.SessionID),
		zap.Int("attempt", req.Strategy.Attempt),
		zap.String("strategy", req.Strategy.Kind.String()),
		zap.String("prompt", prompt))

	raw, err := l.completer.Complete(ctx, SystemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	candidate := CleanResponse(raw)
	switch {
	case candidate == "":
		return "", &session.MalformedResponseError{Reason: ReasonEmpty}
	case req.Strategy.Kind != strategy.KindInitial && SameStatement(candidate, req.Artifact):
		// Unchanged answers are accepted on the first pass only.
		return "", &session.MalformedResponseError{Answer: candidate, Reason: ReasonUnchanged}
	}
	return candidate, nil
}

// Convert implements session.Converter.
func (l *LLM) Convert(ctx context.Context, req session.Request) (session.Candidate, error) {
	sql, err := l.Transform(ctx, req)
	if err != nil {
		return session.Candidate{}, err
	}
	return session.Candidate{SQL: sql, Method: MethodLLM}, nil
}

// fenceLanguages are the info strings accepted after an opening fence.
var fenceLanguages = map[string]bool{
	"":           true,
	"sql":        true,
	"postgresql": true,
	"firebolt":   true,
}

// CleanResponse strips markdown code fences and surrounding whitespace from
// a model answer.
func CleanResponse(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && fenceLanguages[strings.ToLower(strings.TrimSpace(s[:i]))] {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// SameStatement reports whether a and b differ only in whitespace, case and
// trailing semicolons.
func SameStatement(a, b string) bool {
	return normalizeStatement(a) == normalizeStatement(b)
}

func normalizeStatement(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, "; ")
	return strings.ToLower(s)
}
