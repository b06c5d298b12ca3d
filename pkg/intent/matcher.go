package intent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Matcher errors
var (
	// ErrMatcherUnavailable signals pass-through: the embedding layer
	// cannot serve (no embedder, or centroids not built yet).
	ErrMatcherUnavailable = errors.New("embedding matcher unavailable")
)

// SimilarityMatch is the outcome of a centroid similarity lookup.
type SimilarityMatch struct {
	Label      string
	Similarity float64
	// RunnerUp is the second-closest intent, used to build
	// disambiguation options.
	RunnerUp           string
	RunnerUpSimilarity float64
}

// Matcher is the embedding-similarity fallback layer. Each intent is
// represented by the centroid of its canonical example embeddings;
// queries are matched by cosine similarity against those centroids,
// searched through a chromem-go collection.
type Matcher struct {
	embedder EmbeddingProvider
	taxonomy *Taxonomy

	mu    sync.RWMutex
	db    *chromem.DB
	coll  *chromem.Collection
	built bool
}

const centroidCollection = "intent-centroids"

// NewMatcher creates a similarity matcher. If persistPath is non-empty
// the centroid collection is persisted to disk and survives restarts;
// Rebuild still runs at startup so centroids track the current taxonomy.
func NewMatcher(embedder EmbeddingProvider, taxonomy *Taxonomy, persistPath string) (*Matcher, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open centroid store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	m := &Matcher{
		embedder: embedder,
		taxonomy: taxonomy,
		db:       db,
	}
	return m, nil
}

// Rebuild recomputes every intent centroid from the taxonomy's
// canonical examples and replaces the collection contents. Safe to call
// while Match is serving: lookups use the previous collection until the
// swap completes.
func (m *Matcher) Rebuild(ctx context.Context) error {
	if m.embedder == nil {
		return ErrMatcherUnavailable
	}

	docs := make([]chromem.Document, 0)
	for _, label := range m.taxonomy.Labels() {
		in, _ := m.taxonomy.Get(label)
		if len(in.Examples) == 0 {
			continue
		}

		normalized := make([]string, len(in.Examples))
		for i, ex := range in.Examples {
			normalized[i] = Normalize(ex)
		}
		embeddings, err := m.embedder.EmbedBatch(ctx, normalized)
		if err != nil {
			return fmt.Errorf("failed to embed examples for %s: %w", label, err)
		}

		centroid := meanVector(embeddings)
		if centroid == nil {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        label,
			Embedding: centroid,
			Content:   in.Description,
			Metadata:  map[string]string{"label": label},
		})
	}

	if len(docs) == 0 {
		return fmt.Errorf("no intent examples to build centroids from")
	}

	// Build into a fresh collection, then swap. All documents and
	// queries carry precomputed embeddings, but the collection still
	// gets a real embedding func so it never falls back to chromem's
	// default remote provider.
	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return m.embedder.Embed(ctx, Normalize(text))
	}
	name := centroidCollection
	_ = m.db.DeleteCollection(name)
	coll, err := m.db.CreateCollection(name, nil, embedFn)
	if err != nil {
		return fmt.Errorf("failed to create centroid collection: %w", err)
	}
	if err := coll.AddDocuments(ctx, docs, 4); err != nil {
		return fmt.Errorf("failed to store centroids: %w", err)
	}

	m.mu.Lock()
	m.coll = coll
	m.built = true
	m.mu.Unlock()

	log.Printf("[matcher] rebuilt %d intent centroids", len(docs))
	return nil
}

// Ready reports whether Match can serve.
func (m *Matcher) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.built && m.embedder != nil
}

// Match embeds normalized text and returns the best-matching intent and
// its cosine similarity, plus the runner-up for disambiguation. Callers
// apply the similarity thresholds; Match itself never forces the
// fallback intent.
func (m *Matcher) Match(ctx context.Context, normalized string) (*SimilarityMatch, error) {
	m.mu.RLock()
	coll := m.coll
	built := m.built
	m.mu.RUnlock()

	if !built || m.embedder == nil {
		return nil, ErrMatcherUnavailable
	}

	embedding, err := m.embedder.Embed(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMatcherUnavailable, err)
	}

	n := 2
	if count := coll.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, ErrMatcherUnavailable
	}

	results, err := coll.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("centroid query failed: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrMatcherUnavailable
	}

	match := &SimilarityMatch{
		Label:      results[0].ID,
		Similarity: float64(results[0].Similarity),
	}
	if len(results) > 1 {
		match.RunnerUp = results[1].ID
		match.RunnerUpSimilarity = float64(results[1].Similarity)
	}
	return match, nil
}
