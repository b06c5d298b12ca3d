package intent

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Layer names one stage of the classification pipeline. Layers can be
// disabled at runtime; a disabled layer behaves exactly like an
// unavailable one (pass-through).
type Layer string

const (
	LayerCache     Layer = "cache"
	LayerPatterns  Layer = "patterns"
	LayerFastModel Layer = "fast-model"
	LayerEmbedding Layer = "embedding"
	LayerLLM       Layer = "llm"
)

// layerSet tracks per-layer enable flags. Reads are on the hot path,
// so each flag is an atomic bool rather than one shared lock.
type layerSet struct {
	cache     atomic.Bool
	patterns  atomic.Bool
	fastModel atomic.Bool
	embedding atomic.Bool
	llm       atomic.Bool
}

func newLayerSet() *layerSet {
	s := &layerSet{}
	s.cache.Store(true)
	s.patterns.Store(true)
	s.fastModel.Store(true)
	s.embedding.Store(true)
	s.llm.Store(true)
	return s
}

func (s *layerSet) flag(layer Layer) (*atomic.Bool, error) {
	switch layer {
	case LayerCache:
		return &s.cache, nil
	case LayerPatterns:
		return &s.patterns, nil
	case LayerFastModel:
		return &s.fastModel, nil
	case LayerEmbedding:
		return &s.embedding, nil
	case LayerLLM:
		return &s.llm, nil
	}
	return nil, fmt.Errorf("unknown pipeline layer %q", layer)
}

// Enabled reports whether the layer participates in routing. Unknown
// layers report false.
func (s *layerSet) Enabled(layer Layer) bool {
	f, err := s.flag(layer)
	if err != nil {
		return false
	}
	return f.Load()
}

// SetEnabled flips one layer's flag.
func (s *layerSet) SetEnabled(layer Layer, enabled bool) error {
	f, err := s.flag(layer)
	if err != nil {
		return err
	}
	f.Store(enabled)
	return nil
}

// States returns a copy of all flags for the control surface.
func (s *layerSet) States() map[Layer]bool {
	return map[Layer]bool{
		LayerCache:     s.cache.Load(),
		LayerPatterns:  s.patterns.Load(),
		LayerFastModel: s.fastModel.Load(),
		LayerEmbedding: s.embedding.Load(),
		LayerLLM:       s.llm.Load(),
	}
}

// ValidateThresholds rejects band configurations the router cannot
// route with.
func ValidateThresholds(t Thresholds) error {
	for name, v := range map[string]float64{
		"t_high":             t.High,
		"t_mid":              t.Mid,
		"pattern_confidence": t.PatternConfidence,
		"similarity_accept":  t.SimilarityAccept,
		"similarity_min":     t.SimilarityMin,
		"confirmed":          t.Confirmed,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold %s=%.2f outside [0,1]", name, v)
		}
	}
	if t.High <= t.Mid {
		return fmt.Errorf("t_high (%.2f) must exceed t_mid (%.2f)", t.High, t.Mid)
	}
	if t.SimilarityAccept <= t.SimilarityMin {
		return fmt.Errorf("similarity_accept (%.2f) must exceed similarity_min (%.2f)",
			t.SimilarityAccept, t.SimilarityMin)
	}
	return nil
}

// thresholdStore holds the live routing bands. Each classification
// reads one consistent copy up front; an update mid-flight affects only
// later requests.
type thresholdStore struct {
	mu sync.RWMutex
	t  Thresholds
}

func newThresholdStore(t Thresholds) *thresholdStore {
	return &thresholdStore{t: t}
}

// Load returns a copy of the current bands.
func (s *thresholdStore) Load() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t
}

// Update replaces the bands after validation.
func (s *thresholdStore) Update(t Thresholds) error {
	if err := ValidateThresholds(t); err != nil {
		return err
	}
	s.mu.Lock()
	s.t = t
	s.mu.Unlock()
	return nil
}
