package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/ShayCichocki/pgbolt/internal/ledger"
	"github.com/ShayCichocki/pgbolt/internal/session"
	"github.com/ShayCichocki/pgbolt/internal/state"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	repeatStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	sqlStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// maxErrorWidth truncates error text in ledger rows.
const maxErrorWidth = 90

func cell(s string, width int) string {
	return lipgloss.NewStyle().Width(width).Render(s)
}

// verdictLine is the one-line summary printed after a session.
func verdictLine(res *session.Result) string {
	n := len(res.Attempts)
	d := res.Duration().Round(time.Millisecond)
	switch res.Verdict {
	case session.VerdictSucceeded:
		return fmt.Sprintf("%s converted in %s (%s)", color.GreenString("✓"), plural(n, "attempt"), d)
	case session.VerdictExhausted:
		return fmt.Sprintf("%s no valid conversion after %s (%s)", color.RedString("✗"), plural(n, "attempt"), d)
	case session.VerdictCanceled:
		return fmt.Sprintf("%s canceled after %s (%s)", color.YellowString("⚠"), plural(n, "attempt"), d)
	default:
		return fmt.Sprintf("? %s after %s", res.Verdict, plural(n, "attempt"))
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// renderLedger renders one row per attempt.
func renderLedger(attempts []ledger.Attempt) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(
		cell("#", 4) + cell("strategy", 16) + cell("method", 10) + cell("status", 9) + cell("category", 22) + "detail"))
	sb.WriteString("\n")

	for _, a := range attempts {
		status := successStyle.Render(cell(string(a.Outcome.Status), 9))
		detail := ""
		if a.Failed() {
			status = failureStyle.Render(cell(string(a.Outcome.Status), 9))
			detail = truncate(oneLine(a.Outcome.Error), maxErrorWidth)
			if a.Repetition != nil && a.Repetition.IsRepeat {
				detail = repeatStyle.Render(fmt.Sprintf("[repeats %s] ", joinInts(a.Repetition.PriorAttempts))) + detail
			}
		}
		sb.WriteString(cell(fmt.Sprintf("%d", a.Index), 4))
		sb.WriteString(cell(a.Strategy, 16))
		sb.WriteString(cell(a.Method, 10))
		sb.WriteString(status)
		sb.WriteString(cell(string(a.Outcome.Category), 22))
		sb.WriteString(detail)
		sb.WriteString("\n")
		writeNotes(&sb, a.Notes)
	}
	return sb.String()
}

// writeNotes lists what the rule-based rewriter did under an attempt row.
func writeNotes(sb *strings.Builder, notes []string) {
	for _, n := range notes {
		sb.WriteString(labelStyle.Render("    note: " + n))
		sb.WriteString("\n")
	}
}

// renderResult renders the full human report for one session.
func renderResult(res *session.Result, withLedger bool) string {
	var sb strings.Builder
	sb.WriteString(verdictLine(res))
	sb.WriteString("\n")
	sb.WriteString(labelStyle.Render("session " + res.ID))
	sb.WriteString("\n")

	if withLedger && len(res.Attempts) > 0 {
		sb.WriteString("\n")
		sb.WriteString(renderLedger(res.Attempts))
	}

	if len(res.Suggestions) > 0 {
		sb.WriteString("\n")
		sb.WriteString(headerStyle.Render("Manual fixes to try:"))
		sb.WriteString("\n")
		for _, s := range res.Suggestions {
			sb.WriteString("  - ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// renderHistory renders archived sessions, one per line.
func renderHistory(recs []state.SessionRecord) string {
	if len(recs) == 0 {
		return "No archived sessions.\n"
	}

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(
		cell("id", 38) + cell("verdict", 11) + cell("attempts", 10) + cell("started", 21) + "statement"))
	sb.WriteString("\n")
	for _, r := range recs {
		sb.WriteString(cell(r.ID, 38))
		sb.WriteString(verdictStyle(r.Verdict).Render(cell(string(r.Verdict), 11)))
		sb.WriteString(cell(fmt.Sprintf("%d/%d", r.AttemptCount, r.MaxAttempts), 10))
		sb.WriteString(cell(r.StartedAt.Local().Format("2006-01-02 15:04:05"), 21))
		sb.WriteString(truncate(oneLine(r.Original), 60))
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderRecord renders one archived session with its attempts.
func renderRecord(rec *state.SessionRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", headerStyle.Render("Session"), rec.ID)
	fmt.Fprintf(&sb, "%s %s\n", labelStyle.Render("verdict: "), verdictStyle(rec.Verdict).Render(string(rec.Verdict)))
	fmt.Fprintf(&sb, "%s %d/%d\n", labelStyle.Render("attempts:"), rec.AttemptCount, rec.MaxAttempts)
	fmt.Fprintf(&sb, "%s %s\n", labelStyle.Render("duration:"), rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	sb.WriteString("\n")
	sb.WriteString(labelStyle.Render("original"))
	sb.WriteString("\n")
	sb.WriteString(sqlStyle.Render(rec.Original))
	sb.WriteString("\n")
	if rec.FinalSQL != "" {
		sb.WriteString(labelStyle.Render("final"))
		sb.WriteString("\n")
		sb.WriteString(sqlStyle.Render(rec.FinalSQL))
		sb.WriteString("\n")
	}

	if len(rec.Attempts) > 0 {
		sb.WriteString("\n")
		for _, a := range rec.Attempts {
			line := fmt.Sprintf("%-3d %-16s %-9s %-8s %-22s", a.Index, a.Strategy, a.Method, a.Status, a.Category)
			if a.IsRepeat {
				line += repeatStyle.Render(fmt.Sprintf(" [repeats %s]", joinInts(a.PriorAttempts)))
			}
			if a.Error != "" {
				line += " " + truncate(oneLine(a.Error), maxErrorWidth)
			}
			sb.WriteString(line)
			sb.WriteString("\n")
			writeNotes(&sb, a.Notes)
		}
	}
	return sb.String()
}

func verdictStyle(v session.Verdict) lipgloss.Style {
	switch v {
	case session.VerdictSucceeded:
		return successStyle
	case session.VerdictExhausted:
		return failureStyle
	default:
		return repeatStyle
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprintf("%d", x)
	}
	return strings.Join(parts, ", ")
}
