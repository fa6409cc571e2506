package signature

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases and collapses whitespace",
			in:   "  Syntax   ERROR\n\tnear  FROM ",
			want: "syntax error near from",
		},
		{
			name: "strips single quoted literals",
			in:   "invalid input syntax for type date: '2024-13-01'",
			want: "invalid input syntax for type date: ?",
		},
		{
			name: "strips double quoted identifiers",
			in:   `column "Amount" does not exist`,
			want: "column ? does not exist",
		},
		{
			name: "strips escaped quotes inside literal",
			in:   "bad value 'it''s' here",
			want: "bad value ? here",
		},
		{
			name: "replaces positions",
			in:   "syntax error at line 3, column 14 (offset 220)",
			want: "syntax error at line #, column # (offset #)",
		},
		{
			name: "keeps digits inside identifiers",
			in:   "unknown column col1",
			want: "unknown column col1",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestExtract_Deterministic(t *testing.T) {
	raw := "Line 1, Column 12: function 'JSONExtract' not found"
	assert.Equal(t, Extract(raw), Extract(raw))
}

func TestExtract_StableUnderPositionChanges(t *testing.T) {
	a := Extract("syntax error: unexpected token at line 1, column 45 (byte offset 44)")
	b := Extract("Syntax error:  unexpected token at line 7, column 3 (byte offset 301)")

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, CategorySyntax, a.Category)
}

func TestExtract_DistinctErrorsDiffer(t *testing.T) {
	a := Extract("syntax error near FROM")
	b := Extract("syntax error near WHERE")

	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, a.Category, b.Category)
}

func TestExtract_Empty(t *testing.T) {
	sig := Extract("")

	assert.Equal(t, CategoryOther, sig.Category)
	assert.Equal(t, Fingerprint(""), sig.Fingerprint)
	assert.Len(t, sig.Fingerprint, fingerprintLen)
}

func TestExtract_DefaultCategories(t *testing.T) {
	tests := []struct {
		raw  string
		want Category
	}{
		{"syntax error near X", CategorySyntax},
		{"unknown function now()", CategoryUnknownFunction},
		{"Function 'position' not found", CategoryUnknownFunction},
		{"no such function: date_trunc", CategoryUnknownFunction},
		{"Function signature JSON_POINTER_EXTRACT_TEXT(double precision, text) not found", CategoryTypeMismatch},
		{"EXTRACT() requires DATE, TIMESTAMP, or TIMESTAMPTZ input", CategoryTypeMismatch},
		{`column "foo" does not exist`, CategoryUnknownIdentifier},
		{"no such table: orders", CategoryUnknownIdentifier},
		{"FILTER clause is not supported", CategoryUnsupportedFeature},
		{"scalar subquery produced more than one row", CategoryUnsupportedFeature},
		{"engine is shutting down", CategoryOther},
	}

	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.want, Extract(tc.raw).Category)
		})
	}
}

func TestExtractor_Synthetic(t *testing.T) {
	ext := NewExtractor(nil)

	a := ext.Synthetic(CategoryTimeout, "oracle call exceeded 30 seconds")
	b := ext.Synthetic(CategoryTimeout, "oracle call exceeded 45 seconds")
	c := ext.Synthetic(CategoryTransformerError, "oracle call exceeded 30 seconds")

	assert.Equal(t, CategoryTimeout, a.Category)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint, "category is part of synthetic fingerprints")
}

func TestNewRuleSet_FirstMatchWins(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Name: "broad", Category: CategorySyntax, Pattern: "error"},
		{Name: "narrow", Category: CategoryUnknownFunction, Pattern: "function error"},
	})
	require.NoError(t, err)

	r, ok := rs.Match("function error")
	require.True(t, ok)
	assert.Equal(t, "broad", r.Name)
}

func TestNewRuleSet_Validation(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"missing pattern", Rule{Category: CategorySyntax}},
		{"missing category", Rule{Pattern: "x"}},
		{"reserved category", Rule{Category: CategoryTimeout, Pattern: "x"}},
		{"bad regex", Rule{Category: CategorySyntax, Pattern: "("}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRuleSet([]Rule{tc.rule})
			assert.ErrorIs(t, err, ErrInvalidRules)
		})
	}
}

func TestNewRuleSet_DefaultsName(t *testing.T) {
	rs, err := NewRuleSet([]Rule{{Category: CategorySyntax, Pattern: "oops"}})
	require.NoError(t, err)
	assert.Equal(t, "syntax-1", rs.Rules()[0].Name)
}

func TestParseRules_RoundTripsDump(t *testing.T) {
	data, err := DefaultRules().Dump()
	require.NoError(t, err)

	rs, err := ParseRules(data)
	require.NoError(t, err)
	assert.Equal(t, DefaultRules().Len(), rs.Len())
	assert.Equal(t, CategoryUnknownFunction, rs.Categorize(Normalize("unknown function now()")))
}

func TestParseRules_Empty(t *testing.T) {
	_, err := ParseRules([]byte("rules: []\n"))
	assert.ErrorIs(t, err, ErrInvalidRules)
}

func TestRuleSet_Guidance(t *testing.T) {
	rs := DefaultRules()

	assert.Contains(t, rs.Guidance(CategoryUnsupportedFeature), "CASE WHEN")
	assert.Empty(t, rs.Guidance(CategoryOther))
}

func TestExtractor_SetRules(t *testing.T) {
	ext := NewExtractor(nil)
	custom, err := NewRuleSet([]Rule{{Category: CategorySyntax, Pattern: "engine"}})
	require.NoError(t, err)

	ext.SetRules(custom)
	assert.Equal(t, CategorySyntax, ext.Extract("engine is shutting down").Category)

	ext.SetRules(nil)
	assert.Same(t, custom, ext.Rules())
}

func TestLoadRules_Missing(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRuleWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeRules(t, path, "first")

	initial, err := LoadRules(path)
	require.NoError(t, err)
	ext := NewExtractor(initial)

	rw, err := NewRuleWatcher(path, ext, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	assert.Equal(t, CategoryOther, ext.Extract("second").Category)

	writeRules(t, path, "second")
	require.Eventually(t, func() bool {
		return ext.Extract("second").Category == CategorySyntax
	}, 5*time.Second, 20*time.Millisecond)

	// A broken file keeps the last good rules.
	require.NoError(t, os.WriteFile(path, []byte("rules: [[["), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, CategorySyntax, ext.Extract("second").Category)
}

func writeRules(t *testing.T, path, pattern string) {
	t.Helper()
	content := "rules:\n  - name: test\n    category: syntax\n    pattern: " + pattern + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}
