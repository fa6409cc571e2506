package transformer

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/pgbolt/internal/ledger"
	"github.com/ShayCichocki/pgbolt/internal/session"
	"github.com/ShayCichocki/pgbolt/internal/signature"
	"github.com/ShayCichocki/pgbolt/internal/strategy"
)

// SystemPrompt is sent with every request.
const SystemPrompt = `You are a Firebolt SQL expert converting PostgreSQL queries to Firebolt SQL.
When given an error you MUST modify the query to fix it. Never return a failing query unchanged.
A query that is already valid Firebolt SQL may be returned as it is.
Answer with the SQL statement only: no explanation, no markdown.`

// historyWindow is how many recent attempts are summarized in retry prompts.
const historyWindow = 5

// maxErrorLen truncates error text quoted in history summaries.
const maxErrorLen = 200

// PromptBuilder renders a strategy into a user prompt.
type PromptBuilder struct {
	rules func() *signature.RuleSet
}

// NewPromptBuilder creates a builder. rules returns the active rule set used
// for category guidance; nil falls back to the built-in rules.
func NewPromptBuilder(rules func() *signature.RuleSet) *PromptBuilder {
	if rules == nil {
		def := signature.DefaultRules()
		rules = func() *signature.RuleSet { return def }
	}
	return &PromptBuilder{rules: rules}
}

// Build renders the prompt for req.
func (b *PromptBuilder) Build(req session.Request) string {
	switch req.Strategy.Kind {
	case strategy.KindNewError:
		return b.newError(req)
	case strategy.KindRepeatedError:
		return b.repeatedError(req)
	default:
		return initialPrompt(req)
	}
}

func initialPrompt(req session.Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `Convert this PostgreSQL query to Firebolt SQL.

Firebolt differences to account for:
- Use CAST(x AS type) instead of the :: operator.
- Aggregate FILTER (WHERE ...) clauses are not supported; use CASE WHEN inside the aggregate.
- JSON operators (->, ->>) become JSON_POINTER_EXTRACT_TEXT(column, '/path') on TEXT columns.
- EXTRACT and DATE_TRUNC require DATE, TIMESTAMP or TIMESTAMPTZ input; cast other types first.
- Scalar subqueries inside function arguments are not supported; move them to a join or CTE.

POSTGRESQL QUERY:
%s

`, req.Artifact)
	writeRejected(&sb, req.Strategy)
	sb.WriteString("Provide ONLY the Firebolt SQL:")
	return sb.String()
}

func (b *PromptBuilder) newError(req session.Request) string {
	st := req.Strategy
	var sb strings.Builder
	sb.WriteString("This Firebolt query failed with a specific error. Fix the exact issue.\n\n")
	fmt.Fprintf(&sb, "ERROR MESSAGE: %s\n\n", st.Error)
	fmt.Fprintf(&sb, "FAILING QUERY:\n%s\n\n", req.Artifact)
	writeRejected(&sb, st)
	b.writeGuidance(&sb, st.Category)
	writeHistory(&sb, req.History)
	sb.WriteString("Provide ONLY the corrected Firebolt SQL that fixes this specific error:")
	return sb.String()
}

func (b *PromptBuilder) repeatedError(req session.Request) string {
	st := req.Strategy
	var sb strings.Builder
	if st.ByCategory {
		fmt.Fprintf(&sb, "CRITICAL: this query has FAILED %d times with %s errors.\n\n", len(st.PriorAttempts), st.Category)
	} else {
		fmt.Fprintf(&sb, "CRITICAL: this query has FAILED %d times with the SAME ERROR.\n\n", len(st.PriorAttempts))
	}
	fmt.Fprintf(&sb, "ERROR MESSAGE (REPEATED): %s\n", st.Error)
	fmt.Fprintf(&sb, "Previous failed attempts: %s\n", joinInts(st.PriorAttempts))
	fmt.Fprintf(&sb, "Current attempt: %d\n\n", st.Attempt)
	fmt.Fprintf(&sb, "FAILING QUERY:\n%s\n\n", req.Artifact)
	fmt.Fprintf(&sb, "Your previous %d attempts to fix this error failed. ", len(st.PriorAttempts))
	sb.WriteString("You MUST take a structurally different approach: do not make another small edit to the same expression.\n\n")
	writeRejected(&sb, st)
	b.writeGuidance(&sb, st.Category)
	writeHistory(&sb, req.History)
	sb.WriteString("Provide ONLY the corrected Firebolt SQL that will NOT produce this error:")
	return sb.String()
}

// writeRejected names the previous unusable answer and the rewrites that
// must not be produced again.
func writeRejected(sb *strings.Builder, st strategy.Strategy) {
	if st.Unusable != "" {
		fmt.Fprintf(sb, "Your previous answer was rejected before it could be tested: %s.\n", st.Unusable)
		if st.Kind != strategy.KindInitial {
			sb.WriteString("Returning the failing query unchanged does not fix the error.\n")
		}
		sb.WriteString("\n")
	}
	if len(st.Forbidden) == 0 {
		return
	}
	sb.WriteString("Do NOT produce any of these previous rewrites again:\n")
	for i, f := range st.Forbidden {
		fmt.Fprintf(sb, "--- rejected rewrite %d ---\n%s\n", i+1, f)
	}
	sb.WriteString("\n")
}

func (b *PromptBuilder) writeGuidance(sb *strings.Builder, c signature.Category) {
	guidance := "Read the error message carefully and fix the exact issue it names. Make targeted changes and leave unrelated parts of the query alone."
	if rs := b.rules(); rs != nil {
		if g := rs.Guidance(c); g != "" {
			guidance = g
		}
	}
	fmt.Fprintf(sb, "GUIDANCE:\n%s\n\n", strings.TrimSpace(guidance))
}

func writeHistory(sb *strings.Builder, history []ledger.Attempt) {
	if len(history) == 0 {
		return
	}
	start := max(len(history)-historyWindow, 0)
	sb.WriteString("RECENT ATTEMPTS:\n")
	for _, a := range history[start:] {
		status := "ok"
		if a.Failed() {
			status = fmt.Sprintf("%s: %s", a.Outcome.Category, truncate(a.Outcome.Error, maxErrorLen))
		}
		fmt.Fprintf(sb, "- attempt %d (%s): %s\n", a.Index, a.Strategy, status)
	}
	sb.WriteString("\n")
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
