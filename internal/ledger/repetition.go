package ledger

import (
	"github.com/ShayCichocki/pgbolt/internal/signature"
)

// Repetition describes whether a failure has happened before.
type Repetition struct {
	// IsRepeat is true when the exact fingerprint failed before.
	IsRepeat bool `json:"is_repeat"`
	// SameFingerprintCount is the number of earlier failures with the same
	// fingerprint.
	SameFingerprintCount int `json:"same_fingerprint_count"`
	// SameCategoryCount is the number of earlier failures in the same
	// category, including exact repeats.
	SameCategoryCount int `json:"same_category_count"`
	// PriorAttempts lists, ascending, the attempts with the same
	// fingerprint.
	PriorAttempts []int `json:"prior_attempts,omitempty"`
	// CategoryAttempts lists, ascending, the attempts in the same category.
	CategoryAttempts []int `json:"category_attempts,omitempty"`
}

func (r Repetition) clone() Repetition {
	r.PriorAttempts = append([]int(nil), r.PriorAttempts...)
	r.CategoryAttempts = append([]int(nil), r.CategoryAttempts...)
	return r
}

// Classify scans the failures in history and reports how sig relates to
// them. Successes are ignored. It never modifies history.
func Classify(history []Attempt, sig signature.Signature) Repetition {
	var rep Repetition
	for _, a := range history {
		if !a.Failed() || a.Signature == nil {
			continue
		}
		if a.Signature.Category == sig.Category {
			rep.SameCategoryCount++
			rep.CategoryAttempts = append(rep.CategoryAttempts, a.Index)
		}
		if a.Signature.Fingerprint == sig.Fingerprint {
			rep.SameFingerprintCount++
			rep.PriorAttempts = append(rep.PriorAttempts, a.Index)
		}
	}
	rep.IsRepeat = rep.SameFingerprintCount >= 1
	return rep
}
