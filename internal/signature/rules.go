package signature

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"go.yaml.in/yaml/v3"
)

// ErrInvalidRules is returned when a rule file or rule list cannot be used.
var ErrInvalidRules = errors.New("invalid category rules")

// Rule maps a pattern over normalized error text to a category.
type Rule struct {
	// Name identifies the rule in logs and dumps.
	Name string `yaml:"name"`
	// Category is assigned when Pattern matches.
	Category Category `yaml:"category"`
	// Pattern is a regular expression matched against normalized text.
	// Matching is case-insensitive.
	Pattern string `yaml:"pattern"`
	// Guidance is optional dialect advice handed to the transformer when
	// a failure lands in this rule's category.
	Guidance string `yaml:"guidance,omitempty"`

	re *regexp.Regexp
}

// RuleSet is an immutable, ordered list of compiled rules.
type RuleSet struct {
	rules []Rule
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleSet compiles rules in order. Rules must have a pattern and a
// non-synthetic category.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	compiled := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("%w: rule %d (%s) has no pattern", ErrInvalidRules, i, r.Name)
		}
		if r.Category == "" {
			return nil, fmt.Errorf("%w: rule %d (%s) has no category", ErrInvalidRules, i, r.Name)
		}
		if r.Category.Synthetic() {
			return nil, fmt.Errorf("%w: rule %d (%s) uses reserved category %q", ErrInvalidRules, i, r.Name, r.Category)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidRules, i, r.Name, err)
		}
		r.re = re
		if r.Name == "" {
			r.Name = fmt.Sprintf("%s-%d", r.Category, i+1)
		}
		compiled = append(compiled, r)
	}
	return &RuleSet{rules: compiled}, nil
}

// ParseRules reads a YAML rule document of the form
//
//	rules:
//	  - name: missing-function
//	    category: unknown-function
//	    pattern: 'function .* not found'
//	    guidance: ...
func ParseRules(data []byte) (*RuleSet, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules defined", ErrInvalidRules)
	}
	return NewRuleSet(f.Rules)
}

// LoadRules reads a YAML rule file from disk.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	rs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return rs, nil
}

// Match returns the first rule matching normalized text.
func (rs *RuleSet) Match(normalized string) (Rule, bool) {
	for _, r := range rs.rules {
		if r.re.MatchString(normalized) {
			return r, true
		}
	}
	return Rule{}, false
}

// Categorize returns the category of the first matching rule, or
// CategoryOther.
func (rs *RuleSet) Categorize(normalized string) Category {
	if r, ok := rs.Match(normalized); ok {
		return r.Category
	}
	return CategoryOther
}

// Guidance returns the guidance of the first rule in category c that has
// any, or "".
func (rs *RuleSet) Guidance(c Category) string {
	for _, r := range rs.rules {
		if r.Category == c && r.Guidance != "" {
			return r.Guidance
		}
	}
	return ""
}

// Rules returns a copy of the rules in match order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Dump renders the rule set in the format ParseRules accepts.
func (rs *RuleSet) Dump() ([]byte, error) {
	return yaml.Marshal(ruleFile{Rules: rs.Rules()})
}

// DefaultRules returns the built-in rule set tuned to Firebolt and
// PostgreSQL error wording.
func DefaultRules() *RuleSet {
	rs, err := NewRuleSet(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("signature: built-in rules do not compile: %v", err))
	}
	return rs
}

var defaultRules = []Rule{
	{
		Name:     "function-signature",
		Category: CategoryTypeMismatch,
		Pattern:  `function signature|cannot (be )?cast|type mismatch|invalid input syntax for type|operator does not exist|requires .*(date|timestamp)|incompatible types?|datatype mismatch`,
		Guidance: `The error is about argument or value types.
- Cast inputs explicitly: CAST(expr AS TIMESTAMP), CAST(expr AS TEXT).
- EXTRACT() requires DATE, TIMESTAMP or TIMESTAMPTZ input: EXTRACT(YEAR FROM CAST(col AS TIMESTAMP)).
- JSON_POINTER_EXTRACT_TEXT only accepts TEXT containing JSON; never wrap numeric columns in it.
- Convert PostgreSQL casts (col::type) to CAST(col AS type).`,
	},
	{
		Name:     "unknown-function",
		Category: CategoryUnknownFunction,
		Pattern:  `function .*(not found|does not exist)|unknown function|no such function|undefined function|no function matches`,
		Guidance: `The function does not exist in Firebolt.
- Replace it with the Firebolt equivalent (POSITION -> STRPOS, LENGTH -> LENGTH/OCTET_LENGTH, now() -> CURRENT_TIMESTAMP).
- JSONExtract / JSON_EXTRACT_TEXT do not exist: use JSON_VALUE(JSON_POINTER_EXTRACT_TEXT(col, '/path')).
- generate_series is not available: use a VALUES list or a join against a numbers table.`,
	},
	{
		Name:     "unknown-identifier",
		Category: CategoryUnknownIdentifier,
		Pattern:  `(column|table|relation|identifier|schema|database) .*(does not exist|not found)|no such (column|table)|unknown (column|table|identifier)|ambiguous column`,
		Guidance: `A referenced column or table cannot be resolved.
- Do not invent names; keep the identifiers from the original statement.
- Check aliases introduced by subqueries and CTEs are still in scope after rewriting.
- Quote identifiers that are case sensitive.`,
	},
	{
		Name:     "unsupported-feature",
		Category: CategoryUnsupportedFeature,
		Pattern:  `not supported|unsupported|not implemented|scalar subquery`,
		Guidance: `The construct is not supported by Firebolt.
- FILTER (WHERE cond) on aggregates: SUM(x) FILTER (WHERE c) -> SUM(CASE WHEN c THEN x ELSE 0 END).
- LATERAL joins: rewrite as a regular JOIN against a derived table.
- Scalar subqueries inside EXTRACT or other expressions: move them into a derived table in FROM and reference its column.`,
	},
	{
		Name:     "syntax",
		Category: CategorySyntax,
		Pattern:  `syntax error|parse error|unexpected (token|end|keyword|symbol)|mismatched input|incomplete input`,
		Guidance: `The statement does not parse.
- Check parentheses balance and subquery structure.
- Remove PostgreSQL-only syntax: :: casts, ->> JSON operators, FILTER clauses.
- Return one complete statement without commentary.`,
	},
}
