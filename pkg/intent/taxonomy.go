// Package intent implements the hybrid query classification pipeline:
// cache, deterministic rules, a trained few-shot classifier, an
// embedding-similarity fallback, and a large-model fallback, with a
// confidence router and an online-learning loop that retrains and
// atomically swaps the fast model in the background.
package intent

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FallbackIntent is the generic label used when no layer produces a
// trustworthy match.
const FallbackIntent = "general_inquiry"

// Taxonomy errors
var (
	ErrIntentNotFound  = errors.New("intent not found")
	ErrIntentExists    = errors.New("intent already exists")
	ErrNotPendingLabel = errors.New("label is not pending review")
)

// Intent defines one business intent in the taxonomy.
type Intent struct {
	Label       string   `json:"label" yaml:"label"`
	Description string   `json:"description" yaml:"description"`
	Examples    []string `json:"examples" yaml:"examples"`
	// Action names the downstream handler for this intent
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
	// DataPreparation hints how much business data the consumer should
	// assemble: minimal, moderate, full
	DataPreparation string `json:"data_preparation,omitempty" yaml:"data_preparation,omitempty"`
	// TokenLimit bounds downstream context assembly for this intent
	TokenLimit int `json:"token_limit,omitempty" yaml:"token_limit,omitempty"`
	// Deterministic marks intents answerable without generation
	Deterministic bool `json:"deterministic,omitempty" yaml:"deterministic,omitempty"`
}

// pendingLabel tracks a novel label surfaced by the LLM fallback that
// has not been reviewed yet.
type pendingLabel struct {
	Label     string
	Sightings int
	Examples  []string
	FirstSeen time.Time
}

// Taxonomy is the registry of known intents. The canonical set is
// immutable from the serving path; novel labels discovered by the LLM
// fallback are parked for review and only become first-class through
// an explicit Promote call.
type Taxonomy struct {
	mu      sync.RWMutex
	intents map[string]*Intent
	order   []string
	pending map[string]*pendingLabel
}

// NewTaxonomy creates an empty taxonomy.
func NewTaxonomy() *Taxonomy {
	return &Taxonomy{
		intents: make(map[string]*Intent),
		pending: make(map[string]*pendingLabel),
	}
}

// taxonomyFile is the YAML seed format.
type taxonomyFile struct {
	Intents []Intent `yaml:"intents"`
}

// LoadTaxonomyFile reads intent definitions from a YAML seed file.
func LoadTaxonomyFile(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy file: %w", err)
	}

	var file taxonomyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy file: %w", err)
	}

	t := NewTaxonomy()
	for i := range file.Intents {
		if err := t.Register(&file.Intents[i]); err != nil {
			return nil, fmt.Errorf("taxonomy file %s: %w", path, err)
		}
	}
	return t, nil
}

// DefaultTaxonomy returns the built-in commerce intent set used when no
// seed file is configured.
func DefaultTaxonomy() *Taxonomy {
	t := NewTaxonomy()
	for _, in := range []*Intent{
		{
			Label:           "active_products",
			Description:     "Products with status='active'",
			DataPreparation: "minimal",
			TokenLimit:      2000,
			Deterministic:   true,
			Examples: []string{
				"how many active products", "count active products",
				"list active products", "products marked active",
			},
		},
		{
			Label:           "products_in_stock",
			Description:     "Products with inventory greater than zero",
			DataPreparation: "moderate",
			TokenLimit:      10000,
			Deterministic:   true,
			Examples: []string{
				"products in stock", "available inventory",
				"items with quantity", "what products have stock",
			},
		},
		{
			Label:           "total_products",
			Description:     "All products count",
			DataPreparation: "minimal",
			TokenLimit:      5000,
			Deterministic:   true,
			Examples: []string{
				"total products", "how many products",
				"complete catalog size", "entire inventory count",
			},
		},
		{
			Label:           "sales_analysis",
			Description:     "Sales and revenue analysis",
			DataPreparation: "full",
			TokenLimit:      25000,
			Examples: []string{
				"sales last month", "revenue this week", "sales report",
				"total sales", "how much did we earn", "sales performance",
			},
		},
		{
			Label:           "order_tracking",
			Description:     "Order management queries",
			DataPreparation: "full",
			TokenLimit:      20000,
			Examples: []string{
				"orders today", "pending orders", "recent orders",
				"order status", "unfulfilled orders",
			},
		},
		{
			Label:           "customer_inquiry",
			Description:     "Customer data and analytics",
			DataPreparation: "full",
			TokenLimit:      15000,
			Examples: []string{
				"top customers", "customer analytics", "client info",
				"customer demographics", "customer behavior",
			},
		},
		{
			Label:       "greeting",
			Description: "Greetings and small talk openers",
			Examples: []string{
				"hello", "hi", "hey", "good morning", "how are you",
			},
		},
		{
			Label:       FallbackIntent,
			Description: "General conversation and anything unclassified",
			Examples: []string{
				"thank you", "help", "what can you do", "okay",
			},
		},
	} {
		_ = t.Register(in)
	}
	return t
}

// Register adds an intent to the taxonomy.
func (t *Taxonomy) Register(in *Intent) error {
	if in.Label == "" {
		return fmt.Errorf("intent label must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.intents[in.Label]; exists {
		return fmt.Errorf("%w: %s", ErrIntentExists, in.Label)
	}
	t.intents[in.Label] = in
	t.order = append(t.order, in.Label)
	return nil
}

// Get returns the intent for a label.
func (t *Taxonomy) Get(label string) (*Intent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	in, ok := t.intents[label]
	return in, ok
}

// Has reports whether the label is a first-class intent.
func (t *Taxonomy) Has(label string) bool {
	_, ok := t.Get(label)
	return ok
}

// Labels returns intent labels in registration order.
func (t *Taxonomy) Labels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Describe returns label/description pairs for prompting the LLM
// fallback with the known taxonomy.
func (t *Taxonomy) Describe() []Option {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Option, 0, len(t.order))
	for _, label := range t.order {
		out = append(out, Option{Label: label, Description: t.intents[label].Description})
	}
	return out
}

// RecordNovel parks a label the LLM fallback named outside the taxonomy.
// It accumulates sightings and sample texts for later review; it never
// makes the label matchable by the fast layers.
func (t *Taxonomy) RecordNovel(label, exampleText string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.intents[label]; exists {
		return
	}

	p, ok := t.pending[label]
	if !ok {
		p = &pendingLabel{Label: label, FirstSeen: time.Now()}
		t.pending[label] = p
	}
	p.Sightings++
	if len(p.Examples) < 10 {
		p.Examples = append(p.Examples, exampleText)
	}
}

// PendingLabels returns labels awaiting review, most-seen first.
func (t *Taxonomy) PendingLabels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	labels := make([]string, 0, len(t.pending))
	for l := range t.pending {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		return t.pending[labels[i]].Sightings > t.pending[labels[j]].Sightings
	})
	return labels
}

// Promote activates a pending novel label as a first-class intent.
// The collected sightings become its canonical examples.
func (t *Taxonomy) Promote(label, description string) (*Intent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPendingLabel, label)
	}

	in := &Intent{
		Label:       label,
		Description: description,
		Examples:    p.Examples,
	}
	t.intents[label] = in
	t.order = append(t.order, label)
	delete(t.pending, label)
	return in, nil
}
