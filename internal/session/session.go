// Package session runs the adaptive correction loop.
//
// A session repeatedly asks a Transformer for a candidate statement, asks
// an Oracle to validate it and, on failure, feeds the failure back through
// the signature extractor, the repetition detector and the strategy
// selector before the next attempt. It ends when a candidate validates,
// the attempt budget is spent or the caller cancels.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/pgbolt/internal/ledger"
	"github.com/ShayCichocki/pgbolt/internal/strategy"
)

// DefaultMaxAttempts is the attempt budget used when callers do not pick one.
const DefaultMaxAttempts = 15

var (
	// ErrInvalidConfig is returned before any attempt when the session
	// configuration cannot be used.
	ErrInvalidConfig = errors.New("invalid session configuration")
	// ErrEmptyArtifact is returned when there is nothing to convert.
	ErrEmptyArtifact = errors.New("empty statement")
	// ErrMalformedResponse means the transformer answered with nothing that
	// can be validated.
	ErrMalformedResponse = errors.New("malformed transformer response")
)

// MalformedResponseError carries a transformer answer that was rejected
// before validation. It matches ErrMalformedResponse.
type MalformedResponseError struct {
	// Answer is the rejected statement, empty when the answer was empty.
	Answer string
	// Reason is shown to the transformer on the next attempt.
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return ErrMalformedResponse.Error() + ": " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error {
	return ErrMalformedResponse
}

// Verdict is the state of a session.
type Verdict string

const (
	VerdictPending   Verdict = "pending"
	VerdictSucceeded Verdict = "succeeded"
	VerdictExhausted Verdict = "exhausted"
	// VerdictCanceled marks a session aborted by its caller. The partial
	// ledger is kept.
	VerdictCanceled Verdict = "canceled"
)

// Terminal reports whether no further attempts can happen.
func (v Verdict) Terminal() bool {
	return v != VerdictPending
}

// Request is everything a Transformer receives for one attempt.
type Request struct {
	SessionID string
	// Original is the statement the session started from.
	Original string
	// Artifact is the statement to transform: the original on attempt 1,
	// afterwards the latest candidate the oracle judged.
	Artifact string
	Strategy strategy.Strategy
	// History is a copy of the ledger so far.
	History []ledger.Attempt
}

// Transformer proposes a candidate statement. Errors mean the transformer
// could not produce a usable candidate; an unusable answer is reported as a
// *MalformedResponseError so the next attempt can name it.
type Transformer interface {
	Transform(ctx context.Context, req Request) (string, error)
}

// Candidate is a transformer answer together with how it was produced.
type Candidate struct {
	SQL string
	// Method names the conversion path, for example "llm" or "rules+llm".
	Method string
	// Notes are remarks about the conversion, such as constructs that may
	// need manual review.
	Notes []string
}

// Converter is implemented by transformers that report how each candidate
// was produced. The runner calls Convert instead of Transform when a
// Transformer implements it.
type Converter interface {
	Convert(ctx context.Context, req Request) (Candidate, error)
}

func convert(ctx context.Context, t Transformer, req Request) (Candidate, error) {
	if c, ok := t.(Converter); ok {
		return c.Convert(ctx, req)
	}
	sql, err := t.Transform(ctx, req)
	return Candidate{SQL: sql}, err
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(ctx context.Context, req Request) (string, error)

// Transform calls f.
func (f TransformerFunc) Transform(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Oracle validates a candidate. A rejected candidate is an ordinary failure
// Outcome; the error return is reserved for an oracle that could not judge
// at all (unreachable, authentication, pool exhausted).
type Oracle interface {
	Validate(ctx context.Context, candidate string) (ledger.Outcome, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, candidate string) (ledger.Outcome, error)

// Validate calls f.
func (f OracleFunc) Validate(ctx context.Context, candidate string) (ledger.Outcome, error) {
	return f(ctx, candidate)
}

// Archiver stores finished sessions.
type Archiver interface {
	Archive(ctx context.Context, res *Result) error
}

// Config holds the knobs the caller controls.
type Config struct {
	// MaxAttempts is the default attempt budget for Run callers that do not
	// choose one themselves.
	MaxAttempts int
	// CallTimeout bounds every transformer and oracle call. Zero means no
	// per-call bound.
	CallTimeout time.Duration
	// CategoryEscalation enables category-level repeated-error escalation
	// when > 0. See strategy.Selector.
	CategoryEscalation int
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		CallTimeout: 60 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrInvalidConfig, c.MaxAttempts)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("%w: call timeout must not be negative, got %s", ErrInvalidConfig, c.CallTimeout)
	}
	return nil
}

// Result is the outcome of a session: its verdict and frozen ledger.
type Result struct {
	ID          string           `json:"id"`
	Original    string           `json:"original"`
	Verdict     Verdict          `json:"verdict"`
	MaxAttempts int              `json:"max_attempts"`
	Attempts    []ledger.Attempt `json:"attempts"`
	// FinalArtifact is the validated statement on success, otherwise the
	// latest candidate produced (or the original if none was).
	FinalArtifact string `json:"final_artifact"`
	// Suggestions are manual-fix hints, filled when the session is
	// exhausted.
	Suggestions []string  `json:"suggestions,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Succeeded reports whether the final candidate validated.
func (r *Result) Succeeded() bool {
	return r.Verdict == VerdictSucceeded
}

// Duration returns the wall-clock time the session took.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
