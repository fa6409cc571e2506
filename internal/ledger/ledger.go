// Package ledger records the attempts of a correction session.
//
// A Ledger is append-only: attempts are numbered 1..n in insertion order,
// never modified after Append, and once frozen no further attempts are
// accepted. Readers always receive copies.
package ledger

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ShayCichocki/pgbolt/internal/signature"
)

var (
	// ErrFrozen is returned when appending to a frozen ledger.
	ErrFrozen = errors.New("ledger is frozen")
	// ErrCapacity is returned when the ledger already holds max attempts.
	ErrCapacity = errors.New("ledger capacity reached")
	// ErrOutOfOrder is returned when an attempt index is not the next one.
	ErrOutOfOrder = errors.New("attempt index out of order")
	// ErrInvalidAttempt is returned when outcome and signature disagree.
	ErrInvalidAttempt = errors.New("invalid attempt")
)

// Status tags an Outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome is the result of validating one candidate.
type Outcome struct {
	Status Status `json:"status"`
	// Artifact is the validated statement; set on success only.
	Artifact string `json:"artifact,omitempty"`
	// Error is the raw failure text; set on failure only.
	Error string `json:"error,omitempty"`
	// Category is the failure category; set on failure only.
	Category signature.Category `json:"category,omitempty"`
	// Rows is the number of rows the oracle read on success.
	Rows int `json:"rows,omitempty"`
}

// Succeeded returns a success outcome for artifact.
func Succeeded(artifact string) Outcome {
	return Outcome{Status: StatusSuccess, Artifact: artifact}
}

// Failed returns a failure outcome carrying the raw error text. The
// category is filled in once a signature has been extracted.
func Failed(errText string) Outcome {
	return Outcome{Status: StatusFailure, Error: errText}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// Attempt is one transform+validate round.
type Attempt struct {
	Index    int    `json:"index"`
	Strategy string `json:"strategy"`
	// Method is how the transformer produced Artifact, when it says.
	Method    string               `json:"method,omitempty"`
	Artifact  string               `json:"artifact"`
	Notes     []string             `json:"notes,omitempty"`
	Outcome   Outcome              `json:"outcome"`
	Signature *signature.Signature `json:"signature"`
	// Repetition is how this failure relates to earlier attempts. Nil on
	// success and for failures that are not classified.
	Repetition *Repetition   `json:"repetition,omitempty"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Failed reports whether the attempt's outcome is a failure.
func (a Attempt) Failed() bool {
	return a.Outcome.Status == StatusFailure
}

func (a Attempt) clone() Attempt {
	a.Notes = slices.Clone(a.Notes)
	if a.Signature != nil {
		sig := *a.Signature
		a.Signature = &sig
	}
	if a.Repetition != nil {
		rep := a.Repetition.clone()
		a.Repetition = &rep
	}
	return a
}

// Ledger is the ordered attempt history of one session. It is owned by a
// single session goroutine and is not safe for concurrent mutation.
type Ledger struct {
	attempts []Attempt
	capacity int
	frozen   bool
}

// New creates a ledger that accepts at most capacity attempts.
func New(capacity int) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	return &Ledger{
		attempts: make([]Attempt, 0, capacity),
		capacity: capacity,
	}
}

// Append adds the next attempt. The attempt's index must be Len()+1, a
// failure must carry a signature and a success must not.
func (l *Ledger) Append(a Attempt) error {
	if l.frozen {
		return ErrFrozen
	}
	if len(l.attempts) >= l.capacity {
		return fmt.Errorf("%w: %d attempts", ErrCapacity, l.capacity)
	}
	if want := len(l.attempts) + 1; a.Index != want {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, a.Index, want)
	}
	switch a.Outcome.Status {
	case StatusSuccess:
		if a.Signature != nil {
			return fmt.Errorf("%w: success with signature", ErrInvalidAttempt)
		}
	case StatusFailure:
		if a.Signature == nil {
			return fmt.Errorf("%w: failure without signature", ErrInvalidAttempt)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAttempt, a.Outcome.Status)
	}

	l.attempts = append(l.attempts, a.clone())
	return nil
}

// Freeze stops the ledger from accepting further attempts.
func (l *Ledger) Freeze() {
	l.frozen = true
}

// Len returns the number of attempts recorded.
func (l *Ledger) Len() int {
	return len(l.attempts)
}

// Cap returns the maximum number of attempts.
func (l *Ledger) Cap() int {
	return l.capacity
}

// Attempts returns a copy of the attempts in insertion order.
func (l *Ledger) Attempts() []Attempt {
	out := make([]Attempt, len(l.attempts))
	for i, a := range l.attempts {
		out[i] = a.clone()
	}
	return out
}

// Get returns the attempt with the given 1-based index.
func (l *Ledger) Get(index int) (Attempt, bool) {
	if index < 1 || index > len(l.attempts) {
		return Attempt{}, false
	}
	return l.attempts[index-1].clone(), true
}

// Classify reports how sig relates to every recorded attempt.
func (l *Ledger) Classify(sig signature.Signature) Repetition {
	return Classify(l.attempts, sig)
}
