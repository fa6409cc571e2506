// Package strategy decides what guidance the transformer receives on each
// attempt.
//
// Selection is a pure function of the attempt number, the latest failed
// attempt and the ledger history:
//   - no failure yet: Initial
//   - a failure never seen before: NewError
//   - a failure whose fingerprint already occurred: RepeatedError, naming
//     the attempts that failed this way and demanding a structurally
//     different approach
package strategy

import (
	"fmt"
	"slices"

	"github.com/ShayCichocki/pgbolt/internal/ledger"
	"github.com/ShayCichocki/pgbolt/internal/signature"
)

// Kind tags a Strategy.
type Kind string

const (
	// KindInitial asks for a first-pass conversion without error context.
	KindInitial Kind = "initial"
	// KindNewError asks to fix one specific, previously unseen error.
	KindNewError Kind = "new_error"
	// KindRepeatedError reports that earlier fixes failed the same way.
	KindRepeatedError Kind = "repeated_error"
)

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// forbidLevel is the repeat count at which previous rewrites are forbidden
// verbatim.
const forbidLevel = 2

// maxForbidden caps how many earlier rewrites are quoted back.
const maxForbidden = 2

// Strategy is the guidance for one transformer call.
type Strategy struct {
	Kind Kind `json:"kind"`
	// Attempt is the attempt number this strategy drives.
	Attempt int `json:"attempt"`

	// Error, Category, FailedAttempt and FailedArtifact describe the failure
	// being corrected. Empty for Initial.
	Error          string             `json:"error,omitempty"`
	Category       signature.Category `json:"category,omitempty"`
	FailedAttempt  int                `json:"failed_attempt,omitempty"`
	FailedArtifact string             `json:"failed_artifact,omitempty"`

	// PriorAttempts lists, ascending, every attempt that failed with this
	// error, including FailedAttempt. RepeatedError only.
	PriorAttempts []int `json:"prior_attempts,omitempty"`
	// Level is the number of times this error was seen before the latest
	// failure. RepeatedError only.
	Level int `json:"level,omitempty"`
	// ByCategory is set when escalation was triggered by repeated
	// categories rather than an exact fingerprint.
	ByCategory bool `json:"by_category,omitempty"`
	// Forbidden holds earlier rewrites that must not be produced again.
	Forbidden []string `json:"forbidden,omitempty"`
	// Unusable explains why the transformer's previous answer to this same
	// guidance was rejected before validation.
	Unusable string `json:"unusable,omitempty"`
}

// Initial returns the first-pass strategy for attempt.
func Initial(attempt int) Strategy {
	return Strategy{Kind: KindInitial, Attempt: attempt}
}

// String summarizes the strategy for logs.
func (s Strategy) String() string {
	switch s.Kind {
	case KindNewError:
		return fmt.Sprintf("%s(attempt %d, %s)", s.Kind, s.FailedAttempt, s.Category)
	case KindRepeatedError:
		return fmt.Sprintf("%s(attempts %v, level %d)", s.Kind, s.PriorAttempts, s.Level)
	default:
		return s.Kind.String()
	}
}

// Selector chooses strategies. The zero value selects on exact fingerprints
// only.
type Selector struct {
	// CategoryEscalation, when > 0, escalates a new fingerprint to
	// RepeatedError once its category has failed at least this many times
	// before. Zero disables category-level escalation.
	CategoryEscalation int
}

// NewSelector creates a selector. categoryEscalation <= 0 disables
// category-level escalation.
func NewSelector(categoryEscalation int) *Selector {
	if categoryEscalation < 0 {
		categoryEscalation = 0
	}
	return &Selector{CategoryEscalation: categoryEscalation}
}

// Select returns the strategy for attempt next. failed is the attempt that
// just failed (nil before any attempt) and history is the ledger content,
// which may include failed itself.
func (s *Selector) Select(next int, failed *ledger.Attempt, history []ledger.Attempt) Strategy {
	if failed == nil || !failed.Failed() {
		return Initial(next)
	}

	st := Strategy{
		Kind:           KindNewError,
		Attempt:        next,
		Error:          failed.Outcome.Error,
		Category:       failed.Outcome.Category,
		FailedAttempt:  failed.Index,
		FailedArtifact: failed.Artifact,
	}

	rep := failed.Repetition
	if rep == nil {
		return st
	}

	switch {
	case rep.IsRepeat:
		st.Kind = KindRepeatedError
		st.Level = rep.SameFingerprintCount
		st.PriorAttempts = withLatest(rep.PriorAttempts, failed.Index)
	case s.CategoryEscalation > 0 && rep.SameCategoryCount >= s.CategoryEscalation:
		st.Kind = KindRepeatedError
		st.ByCategory = true
		st.Level = rep.SameCategoryCount
		st.PriorAttempts = withLatest(rep.CategoryAttempts, failed.Index)
	default:
		return st
	}

	if st.Level >= forbidLevel {
		st.Forbidden = forbiddenRewrites(st.PriorAttempts, history, failed)
	}
	return st
}

// Reissue returns st for attempt next after the transformer answered it
// with something unusable. The failure context is kept; reason is recorded
// in Unusable and a non-empty answer is forbidden from now on.
func Reissue(st Strategy, next int, answer, reason string) Strategy {
	st.Attempt = next
	st.Unusable = reason
	if answer == "" || slices.Contains(st.Forbidden, answer) {
		return st
	}
	forbidden := make([]string, 0, len(st.Forbidden)+1)
	forbidden = append(forbidden, answer)
	forbidden = append(forbidden, st.Forbidden...)
	if len(forbidden) > maxForbidden+1 {
		forbidden = forbidden[:maxForbidden+1]
	}
	st.Forbidden = forbidden
	return st
}

func withLatest(prior []int, latest int) []int {
	out := make([]int, 0, len(prior)+1)
	out = append(out, prior...)
	if len(out) == 0 || out[len(out)-1] != latest {
		out = append(out, latest)
	}
	return out
}

// forbiddenRewrites returns the most recent distinct artifacts produced by
// the given attempts, newest first.
func forbiddenRewrites(indices []int, history []ledger.Attempt, failed *ledger.Attempt) []string {
	byIndex := make(map[int]string, len(history)+1)
	for _, a := range history {
		byIndex[a.Index] = a.Artifact
	}
	byIndex[failed.Index] = failed.Artifact

	var out []string
	seen := make(map[string]bool)
	for i := len(indices) - 1; i >= 0 && len(out) < maxForbidden; i-- {
		artifact, ok := byIndex[indices[i]]
		if !ok || artifact == "" || seen[artifact] {
			continue
		}
		seen[artifact] = true
		out = append(out, artifact)
	}
	return out
}
