package intent

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuleKind selects how a pattern rule is evaluated.
type RuleKind string

const (
	// RuleLiteral matches the whole normalized query exactly
	RuleLiteral RuleKind = "literal"
	// RuleSubstring matches anywhere in the normalized query
	RuleSubstring RuleKind = "substring"
	// RuleRegex matches a compiled regular expression
	RuleRegex RuleKind = "regex"
)

// Rule maps one recognizer to an intent. Rules are evaluated in order;
// the first match wins.
type Rule struct {
	Kind   RuleKind `json:"kind" yaml:"kind"`
	Expr   string   `json:"expr" yaml:"expr"`
	Intent string   `json:"intent" yaml:"intent"`

	re *regexp.Regexp
}

// PatternMatcher recognizes known high-frequency phrasings with an
// ordered deterministic rule list. No match is a pass-through signal,
// never an error.
type PatternMatcher struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewPatternMatcher compiles an ordered rule list. Rules with invalid
// regular expressions are rejected up front rather than skipped at
// match time.
func NewPatternMatcher(rules []Rule) (*PatternMatcher, error) {
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Intent == "" || r.Expr == "" {
			return nil, fmt.Errorf("pattern rule needs both expr and intent (got %+v)", r)
		}
		if r.Kind == RuleRegex {
			re, err := regexp.Compile(r.Expr)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", r.Expr, err)
			}
			r.re = re
		}
		compiled = append(compiled, r)
	}
	return &PatternMatcher{rules: compiled}, nil
}

// patternsFile is the YAML seed format for rule lists.
type patternsFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadPatternFile reads pattern rules from a YAML seed file.
func LoadPatternFile(path string) (*PatternMatcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}
	var file patternsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pattern file: %w", err)
	}
	return NewPatternMatcher(file.Rules)
}

// DefaultRules returns the built-in rule list for the commerce domain.
// Expressions are written against Normalize output: lowercase, no
// punctuation, single spaces.
func DefaultRules() []Rule {
	return []Rule{
		// Greetings first: short, exact, very high frequency.
		{Kind: RuleLiteral, Expr: "hello", Intent: "greeting"},
		{Kind: RuleLiteral, Expr: "hi", Intent: "greeting"},
		{Kind: RuleLiteral, Expr: "hey", Intent: "greeting"},
		{Kind: RuleRegex, Expr: `^good (morning|afternoon|evening|day)\b`, Intent: "greeting"},
		{Kind: RuleRegex, Expr: `^how are you\b`, Intent: "greeting"},

		{Kind: RuleRegex, Expr: `^how many active products`, Intent: "active_products"},
		{Kind: RuleRegex, Expr: `^count.*active products`, Intent: "active_products"},
		{Kind: RuleRegex, Expr: `^active products count`, Intent: "active_products"},
		{Kind: RuleRegex, Expr: `^what s? ?(is )?the (number|count) of active products`, Intent: "active_products"},
		{Kind: RuleRegex, Expr: `^list.*active products`, Intent: "active_products"},
		{Kind: RuleRegex, Expr: `products.*marked.*active`, Intent: "active_products"},

		{Kind: RuleRegex, Expr: `^products.*in stock`, Intent: "products_in_stock"},
		{Kind: RuleRegex, Expr: `^available inventory`, Intent: "products_in_stock"},
		{Kind: RuleRegex, Expr: `^items with quantity`, Intent: "products_in_stock"},
		{Kind: RuleRegex, Expr: `products.*available.*warehouse`, Intent: "products_in_stock"},

		{Kind: RuleRegex, Expr: `^total products`, Intent: "total_products"},
		{Kind: RuleRegex, Expr: `^how many products(?:\s+(?:do|does|are)\b.*)?$`, Intent: "total_products"},
		{Kind: RuleRegex, Expr: `^all products count`, Intent: "total_products"},
		{Kind: RuleRegex, Expr: `^(complete|entire).*(catalog|inventory).*(size|count)`, Intent: "total_products"},

		{Kind: RuleRegex, Expr: `sales.*last (month|week|year)`, Intent: "sales_analysis"},
		{Kind: RuleRegex, Expr: `revenue.*(this|last) (week|month|year)`, Intent: "sales_analysis"},
		{Kind: RuleSubstring, Expr: "sales report", Intent: "sales_analysis"},
		{Kind: RuleSubstring, Expr: "total sales", Intent: "sales_analysis"},
		{Kind: RuleRegex, Expr: `how much.*earn`, Intent: "sales_analysis"},

		{Kind: RuleRegex, Expr: `orders.*today`, Intent: "order_tracking"},
		{Kind: RuleSubstring, Expr: "pending orders", Intent: "order_tracking"},
		{Kind: RuleSubstring, Expr: "recent orders", Intent: "order_tracking"},
		{Kind: RuleRegex, Expr: `order.*status`, Intent: "order_tracking"},
		{Kind: RuleSubstring, Expr: "unfulfilled orders", Intent: "order_tracking"},
	}
}

// Match evaluates the rule list against normalized text. It returns the
// first matching rule's intent, or ok=false to signal pass-through.
func (m *PatternMatcher) Match(normalized string) (label string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		switch r.Kind {
		case RuleLiteral:
			if normalized == r.Expr {
				return r.Intent, true
			}
		case RuleSubstring:
			if strings.Contains(normalized, r.Expr) {
				return r.Intent, true
			}
		case RuleRegex:
			if r.re.MatchString(normalized) {
				return r.Intent, true
			}
		}
	}
	return "", false
}

// AddRule appends a rule to the end of the list. Used by the control
// surface to teach new phrasings without a restart.
func (m *PatternMatcher) AddRule(r Rule) error {
	if r.Kind == RuleRegex {
		re, err := regexp.Compile(r.Expr)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", r.Expr, err)
		}
		r.re = re
	}
	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
	return nil
}

// keywordRule scores a candidate intent by required/excluded keywords.
type keywordRule struct {
	intent   string
	required []string
	excluded []string
}

var keywordRules = []keywordRule{
	{"active_products", []string{"active", "products"}, []string{"inactive", "stock"}},
	{"products_in_stock", []string{"stock", "inventory", "available"}, []string{"active"}},
	{"total_products", []string{"total", "all", "products"}, []string{"active", "stock"}},
	{"sales_analysis", []string{"sales", "revenue", "earnings"}, nil},
	{"order_tracking", []string{"order", "orders"}, nil},
}

// KeywordGuess is a cheap last-resort guess used when every scoring
// layer is unavailable or exhausted. Requires at least two keyword hits
// and no excluded term; returns ok=false otherwise.
func KeywordGuess(normalized string) (label string, ok bool) {
	words := make(map[string]bool)
	for _, w := range strings.Fields(normalized) {
		words[w] = true
	}

	best := ""
	bestScore := 0
	for _, kr := range keywordRules {
		excluded := false
		for _, w := range kr.excluded {
			if words[w] {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		score := 0
		for _, w := range kr.required {
			if words[w] {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = kr.intent
		}
	}

	if bestScore >= 2 {
		return best, true
	}
	return "", false
}
