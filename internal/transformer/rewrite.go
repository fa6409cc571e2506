package transformer

import (
	"fmt"
	"regexp"
	"strings"
)

// maxRewriteRounds bounds how often one rule is re-applied to its own
// output, for nested constructs such as x::int::text.
const maxRewriteRounds = 8

// Rewrite is the result of the deterministic rewrite pass.
type Rewrite struct {
	SQL string
	// Applied names the rewrites that changed the statement, in order.
	Applied []string
	// Warnings name constructs left in place that Firebolt may reject.
	Warnings []string
}

// Changed reports whether any rewrite applied.
func (r Rewrite) Changed() bool {
	return len(r.Applied) > 0
}

type rewriteRule struct {
	note    string
	re      *regexp.Regexp
	replace func(m []string) string
}

// apply rewrites every match of the rule until the statement stops
// changing.
func (r rewriteRule) apply(sql string) (string, bool) {
	changed := false
	for range maxRewriteRounds {
		out := r.re.ReplaceAllStringFunc(sql, func(match string) string {
			return r.replace(r.re.FindStringSubmatch(match))
		})
		if out == sql {
			break
		}
		sql, changed = out, true
	}
	return sql, changed
}

// Rewriter applies PostgreSQL to Firebolt rewrites that need no model:
// aggregate FILTER clauses, JSON operators, :: casts, POSITION, DATE_PART,
// renamed functions and scalar subqueries inside EXTRACT.
type Rewriter struct {
	rules    []rewriteRule
	warnings []unsupportedFeature
}

type unsupportedFeature struct {
	re   *regexp.Regexp
	desc string
}

// NewRewriter creates a rewriter with the built-in rules.
func NewRewriter() *Rewriter {
	return &Rewriter{rules: rewriteRules, warnings: unsupportedFeatures}
}

// Rewrite runs every rule over sql in order and reports what changed.
func (w *Rewriter) Rewrite(sql string) Rewrite {
	res := Rewrite{SQL: strings.TrimSpace(sql)}
	for _, r := range w.rules {
		out, changed := r.apply(res.SQL)
		if changed {
			res.SQL = out
			res.Applied = append(res.Applied, r.note)
		}
	}
	if out, ok := liftExtractSubqueries(res.SQL); ok {
		res.SQL = out
		res.Applied = append(res.Applied, "moved scalar subqueries out of EXTRACT into derived tables")
	}
	for _, f := range w.warnings {
		if f.re.MatchString(res.SQL) {
			res.Warnings = append(res.Warnings, "needs review: "+f.desc)
		}
	}
	return res
}

var rewriteRules = []rewriteRule{
	{
		note:    "rewrote aggregate FILTER clauses as CASE WHEN",
		re:      regexp.MustCompile(`(?i)\b(\w+)\s*\(\s*([^()]+?)\s*\)\s*FILTER\s*\(\s*WHERE\s+((?:[^()]|\([^()]*\))+?)\s*\)`),
		replace: filterToCase,
	},
	{
		note:    "removed ::json casts",
		re:      regexp.MustCompile(`(?i)\s*::\s*jsonb?\b`),
		replace: func([]string) string { return "" },
	},
	{
		note: "rewrote POSITION(... IN ...) as STRPOS",
		re:   regexp.MustCompile(`(?i)\bPOSITION\s*\(\s*('(?:[^']|'')*')\s+IN\s+([^()]+?|[\w.]+\([^()]*\))\s*\)`),
		replace: func(m []string) string {
			return fmt.Sprintf("STRPOS(%s, %s)", m[2], m[1])
		},
	},
	{
		note: "rewrote DATE_PART as EXTRACT",
		re:   regexp.MustCompile(`(?i)\bDATE_PART\s*\(\s*'(\w+)'\s*,\s*([^()]+?|[\w.]+\([^()]*\))\s*\)`),
		replace: func(m []string) string {
			return fmt.Sprintf("EXTRACT(%s FROM %s)", strings.ToUpper(m[1]), m[2])
		},
	},
	{
		note: "renamed functions Firebolt spells differently",
		re:   regexp.MustCompile(`(?i)\b(char_length|character_length|regexp_match)\s*\(`),
		replace: func(m []string) string {
			return renamedFunctions[strings.ToLower(m[1])] + "("
		},
	},
	{
		note:    "rewrote JSON operators as JSON_POINTER_EXTRACT_TEXT",
		re:      regexp.MustCompile(`([\w.]+)\s*(?:->>|->)\s*'([^']+)'`),
		replace: func(m []string) string { return jsonPointer(m[1], []string{m[2]}) },
	},
	{
		note: "rewrote JSON path operators as JSON_POINTER_EXTRACT_TEXT",
		re:   regexp.MustCompile(`([\w.]+)\s*(?:#>>|#>)\s*'\{([^}]+)\}'`),
		replace: func(m []string) string {
			return jsonPointer(m[1], strings.Split(m[2], ","))
		},
	},
	{
		note: "rewrote :: casts as CAST",
		re: regexp.MustCompile(`(?i)(\b\w+\([^()]*\)|\([^()]*\)|'(?:[^']|'')*'|\b[\w.]+)\s*::\s*` +
			`(double\s+precision|character\s+varying|timestamptz|timestamp|varchar|text|integer|int8|int4|int2|int|bigint|smallint|numeric|decimal|real|float8|float4|float|boolean|bool|date)\b` +
			`(\s*\(\s*\d+(?:\s*,\s*\d+)?\s*\))?(\[\])?`),
		replace: castToFirebolt,
	},
}

var renamedFunctions = map[string]string{
	"char_length":      "LENGTH",
	"character_length": "LENGTH",
	"regexp_match":     "REGEXP_EXTRACT",
}

// fireboltTypes maps PostgreSQL type names to Firebolt ones.
var fireboltTypes = map[string]string{
	"double precision":  "DOUBLE",
	"float8":            "DOUBLE",
	"float":             "DOUBLE",
	"real":              "REAL",
	"float4":            "REAL",
	"character varying": "TEXT",
	"varchar":           "TEXT",
	"text":              "TEXT",
	"integer":           "INT",
	"int":               "INT",
	"int4":              "INT",
	"int2":              "INT",
	"smallint":          "INT",
	"int8":              "BIGINT",
	"bigint":            "BIGINT",
	"numeric":           "DECIMAL",
	"decimal":           "DECIMAL",
	"boolean":           "BOOLEAN",
	"bool":              "BOOLEAN",
	"date":              "DATE",
	"timestamp":         "TIMESTAMP",
	"timestamptz":       "TIMESTAMPTZ",
}

func filterToCase(m []string) string {
	fn, arg, cond := m[1], m[2], m[3]
	distinct := ""
	if fields := strings.Fields(arg); len(fields) > 1 && strings.EqualFold(fields[0], "DISTINCT") {
		distinct = "DISTINCT "
		arg = strings.TrimSpace(arg[len(fields[0]):])
	}
	if arg == "*" {
		arg = "1"
	}
	return fmt.Sprintf("%s(%sCASE WHEN %s THEN %s END)", fn, distinct, cond, arg)
}

func castToFirebolt(m []string) string {
	operand, name, modifier, array := m[1], m[2], m[3], m[4]
	typ := fireboltTypes[strings.ToLower(strings.Join(strings.Fields(name), " "))]
	if typ == "DECIMAL" {
		typ += strings.ReplaceAll(modifier, " ", "")
	}
	return fmt.Sprintf("CAST(%s AS %s%s)", operand, typ, array)
}

// jsonPointer builds a Firebolt JSON pointer lookup. Keys are escaped per
// RFC 6901.
func jsonPointer(column string, keys []string) string {
	escape := strings.NewReplacer("~", "~0", "/", "~1")
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString("/")
		sb.WriteString(escape.Replace(strings.TrimSpace(k)))
	}
	return fmt.Sprintf("JSON_VALUE(JSON_POINTER_EXTRACT_TEXT(%s, '%s'))", column, sb.String())
}

var unsupportedFeatures = []unsupportedFeature{
	{regexp.MustCompile(`(?i)\bFILTER\s*\(\s*WHERE\b`), "aggregate FILTER clause"},
	{regexp.MustCompile(`::`), ":: cast to a type without a known Firebolt equivalent"},
	{regexp.MustCompile(`(?:->>?|#>>?)\s*'`), "JSON operator on a complex expression"},
	{regexp.MustCompile(`@>|<@`), "containment operator (@>, <@)"},
	{regexp.MustCompile(`(?i)\b(?:EXTRACT|CAST|COALESCE|DATE_TRUNC)\s*\([^()]*\(\s*SELECT\b`), "scalar subquery inside a function argument"},
	{regexp.MustCompile(`(?i)\bLATERAL\b`), "LATERAL join"},
	{regexp.MustCompile(`(?i)\bTABLESAMPLE\b`), "TABLESAMPLE"},
	{regexp.MustCompile(`(?i)\bDISTINCT\s+ON\b`), "DISTINCT ON"},
	{regexp.MustCompile(`\$\w*\$`), "dollar-quoted string"},
}

var (
	extractSubquery = regexp.MustCompile(`(?i)EXTRACT\s*\(\s*(\w+)\s+FROM\s*\(\s*SELECT\s+(MAX|MIN)\s*\(\s*((?:[^()]|\([^()]*\))+?)\s*\)\s+FROM\s+([^()]+?)\s*\)\s*\)`)
	fromKeyword     = regexp.MustCompile(`(?i)\bFROM\b`)
	clauseEnd       = regexp.MustCompile(`(?i)\b(?:WHERE|GROUP\s+BY|HAVING|ORDER\s+BY|LIMIT|QUALIFY|UNION|WINDOW)\b|;`)
)

// liftExtractSubqueries rewrites EXTRACT(part FROM (SELECT MAX(expr) FROM t))
// into EXTRACT(part FROM sub.max_value) and joins
// (SELECT MAX(expr) AS max_value FROM t) AS sub to the outer FROM clause.
// Identical subqueries share one derived table.
func liftExtractSubqueries(sql string) (string, bool) {
	matches := extractSubquery.FindAllStringSubmatchIndex(sql, -1)
	if len(matches) == 0 {
		return sql, false
	}

	type derived struct{ alias, column string }
	seen := make(map[string]derived)
	var tables []string
	var sb strings.Builder
	last := 0
	for _, loc := range matches {
		part := sql[loc[2]:loc[3]]
		agg := strings.ToUpper(sql[loc[4]:loc[5]])
		expr := strings.TrimSpace(sql[loc[6]:loc[7]])
		from := strings.TrimSpace(sql[loc[8]:loc[9]])

		inner := fmt.Sprintf("SELECT %s(%s) FROM %s", agg, expr, from)
		d, ok := seen[inner]
		if !ok {
			d = derived{alias: "sub", column: strings.ToLower(agg) + "_value"}
			if n := len(seen); n > 0 {
				d.alias = fmt.Sprintf("sub_%d", n+1)
			}
			seen[inner] = d
			tables = append(tables, fmt.Sprintf("(SELECT %s(%s) AS %s FROM %s) AS %s", agg, expr, d.column, from, d.alias))
		}
		sb.WriteString(sql[last:loc[0]])
		fmt.Fprintf(&sb, "EXTRACT(%s FROM %s.%s)", strings.ToUpper(part), d.alias, d.column)
		last = loc[1]
	}
	sb.WriteString(sql[last:])
	return joinDerived(sb.String(), strings.Join(tables, ", ")), true
}

// joinDerived appends tables to the top-level FROM clause of sql, or adds a
// FROM clause when there is none.
func joinDerived(sql, tables string) string {
	depth := parenDepths(sql)
	prefix := ", "
	start := topLevel(sql, depth, fromKeyword, 0)
	if start < 0 {
		prefix = " FROM "
		start = 0
	}
	end := topLevel(sql, depth, clauseEnd, start)
	if end < 0 {
		end = len(sql)
	}

	before := strings.TrimRight(sql[:end], " \t\r\n")
	after := sql[end:]
	sep := ""
	if after != "" && !strings.HasPrefix(after, ";") {
		sep = " "
	}
	return before + prefix + tables + sep + after
}

// parenDepths returns the parenthesis depth of every byte of sql, or -1 for
// bytes inside quoted literals and identifiers.
func parenDepths(sql string) []int {
	out := make([]int, len(sql))
	depth := 0
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			out[i] = -1
			if c == quote {
				quote = 0
			}
			continue
		case c == '\'' || c == '"':
			quote = c
			out[i] = -1
			continue
		case c == ')':
			depth--
		}
		out[i] = depth
		if c == '(' {
			depth++
		}
	}
	return out
}

// topLevel returns the offset of the first match of re at or after from that
// sits outside any parentheses and literals, or -1.
func topLevel(sql string, depth []int, re *regexp.Regexp, from int) int {
	for _, loc := range re.FindAllStringIndex(sql[from:], -1) {
		if i := from + loc[0]; depth[i] == 0 {
			return i
		}
	}
	return -1
}
