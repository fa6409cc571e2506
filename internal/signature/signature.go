// Package signature turns raw failure messages into comparable fingerprints
// and coarse categories.
//
// Two failures that differ only in quoted literals, line/column numbers or
// byte offsets produce the same fingerprint. Categories come from an ordered
// RuleSet (first match wins); text no rule matches is CategoryOther.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync/atomic"
)

// Category is a coarse classification of a failure.
type Category string

// Rule-assigned categories.
const (
	CategorySyntax             Category = "syntax"
	CategoryUnknownFunction    Category = "unknown-function"
	CategoryTypeMismatch       Category = "type-mismatch"
	CategoryUnknownIdentifier  Category = "unknown-identifier"
	CategoryUnsupportedFeature Category = "unsupported-feature"
	CategoryOther              Category = "other"
)

// Synthetic categories are assigned by the session for collaborator
// failures. Rules may never produce them.
const (
	CategoryTransformerError  Category = "transformer-error"
	CategoryTimeout           Category = "timeout"
	CategoryOracleUnavailable Category = "oracle-unavailable"
)

// Synthetic reports whether c is reserved for collaborator failures.
func (c Category) Synthetic() bool {
	switch c {
	case CategoryTransformerError, CategoryTimeout, CategoryOracleUnavailable:
		return true
	default:
		return false
	}
}

// String returns the category name.
func (c Category) String() string {
	return string(c)
}

// Signature identifies "the same error" across attempts.
type Signature struct {
	Fingerprint string   `json:"fingerprint"`
	Category    Category `json:"category"`
}

// fingerprintLen is the number of hex characters kept from the digest.
const fingerprintLen = 16

var (
	quotedPattern     = regexp.MustCompile(`'(?:[^']|'')*'|"[^"]*"|` + "`[^`]*`")
	numberPattern     = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Normalize lower-cases raw, replaces quoted literals with '?' and numbers
// with '#', and collapses whitespace.
func Normalize(raw string) string {
	s := strings.ToLower(raw)
	s = quotedPattern.ReplaceAllString(s, "?")
	s = numberPattern.ReplaceAllString(s, "#")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Fingerprint hashes already-normalized text.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// Extractor computes signatures against a swappable rule set. It is safe
// for concurrent use; SetRules takes effect for subsequent calls.
type Extractor struct {
	rules atomic.Pointer[RuleSet]
}

// NewExtractor creates an extractor. A nil rule set selects DefaultRules.
func NewExtractor(rules *RuleSet) *Extractor {
	if rules == nil {
		rules = DefaultRules()
	}
	e := &Extractor{}
	e.rules.Store(rules)
	return e
}

// Extract normalizes raw, fingerprints it and assigns a category. Empty
// input yields CategoryOther and the fingerprint of the empty string.
func (e *Extractor) Extract(raw string) Signature {
	normalized := Normalize(raw)
	return Signature{
		Fingerprint: Fingerprint(normalized),
		Category:    e.Rules().Categorize(normalized),
	}
}

// Synthetic builds a signature for a collaborator failure. The category is
// fixed by the caller; the fingerprint is still derived from the message so
// identical collaborator failures repeat.
func (e *Extractor) Synthetic(category Category, raw string) Signature {
	return Signature{
		Fingerprint: Fingerprint(string(category) + ":" + Normalize(raw)),
		Category:    category,
	}
}

// Rules returns the active rule set.
func (e *Extractor) Rules() *RuleSet {
	return e.rules.Load()
}

// SetRules swaps the active rule set. Nil is ignored.
func (e *Extractor) SetRules(rules *RuleSet) {
	if rules == nil {
		return
	}
	e.rules.Store(rules)
}

var defaultExtractor = NewExtractor(nil)

// Extract computes a signature with the default rules.
func Extract(raw string) Signature {
	return defaultExtractor.Extract(raw)
}
