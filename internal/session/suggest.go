package session

import (
	"github.com/ShayCichocki/pgbolt/internal/ledger"
	"github.com/ShayCichocki/pgbolt/internal/signature"
)

var suggestionByCategory = map[signature.Category]string{
	signature.CategorySyntax:             "Review the statement for PostgreSQL-only syntax (casts with ::, RETURNING, ON CONFLICT) and rewrite it by hand.",
	signature.CategoryUnknownFunction:    "Look up the Firebolt equivalent of the PostgreSQL function named in the error, or rewrite the expression without it.",
	signature.CategoryTypeMismatch:       "Add explicit CAST calls so argument types match the Firebolt function signature.",
	signature.CategoryUnknownIdentifier:  "Check that referenced tables and columns exist in the target Firebolt schema and match their case.",
	signature.CategoryUnsupportedFeature: "The statement uses a feature Firebolt does not support; split it up or move that logic into the application.",
	signature.CategoryOther:              "Inspect the last validation error manually; it did not match a known failure pattern.",
	signature.CategoryTimeout:            "Calls timed out; simplify the statement or raise session.call_timeout.",
	signature.CategoryTransformerError:   "The transformer kept failing; check the API key, model name and provider status.",
	signature.CategoryOracleUnavailable:  "The validation database was unreachable; check oracle.dsn and database health.",
}

// Suggestions derives manual-fix hints from the failures recorded in
// attempts, one per category, in order of first occurrence.
func Suggestions(attempts []ledger.Attempt) []string {
	var out []string
	seen := make(map[signature.Category]bool)
	for _, a := range attempts {
		if !a.Failed() || a.Signature == nil {
			continue
		}
		c := a.Signature.Category
		if seen[c] {
			continue
		}
		seen[c] = true
		if s, ok := suggestionByCategory[c]; ok {
			out = append(out, s)
		}
	}
	return out
}
