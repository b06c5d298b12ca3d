package intent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
)

// ErrModelUnavailable signals that no trained model is active. This is
// a first-class pass-through state, distinct from a low-confidence
// result: the router skips to the next layer without treating it as a
// rejected classification.
var ErrModelUnavailable = errors.New("no trained model available")

// Prediction is the fast classifier's output for one query.
type Prediction struct {
	Label        string
	Confidence   float64
	RunnerUp     string
	RunnerUpConf float64
	// Version identifies the model snapshot that produced this
	// prediction.
	Version string
}

// FewShotClassifier serves the currently active ModelVersion. The
// active version is an atomically-replaceable immutable reference: the
// serving path dereferences it once per request and uses that snapshot
// for the whole classification, so a swap mid-flight never mixes two
// models. The background trainer is the sole writer.
type FewShotClassifier struct {
	embedder EmbeddingProvider
	active   atomic.Pointer[ModelVersion]
}

// NewFewShotClassifier creates a classifier with no active model.
func NewFewShotClassifier(embedder EmbeddingProvider) *FewShotClassifier {
	return &FewShotClassifier{embedder: embedder}
}

// Active returns the current model snapshot, or nil if none is loaded.
func (c *FewShotClassifier) Active() *ModelVersion {
	return c.active.Load()
}

// IsAvailable reports whether Classify can serve.
func (c *FewShotClassifier) IsAvailable() bool {
	return c.embedder != nil && c.active.Load() != nil
}

// Publish atomically swaps the active model to v. Concurrent readers
// see either the old or the new version, never a partial state.
func (c *FewShotClassifier) Publish(v *ModelVersion) {
	old := c.active.Swap(v)
	if old != nil {
		log.Printf("[classifier] model swapped %s -> %s (validation %.2f, %d labels)",
			old.ID, v.ID, v.ValidationScore, len(v.Labels))
	} else {
		log.Printf("[classifier] model published %s (validation %.2f, %d labels)",
			v.ID, v.ValidationScore, len(v.Labels))
	}
}

// Classify predicts the intent for normalized text using the active
// model snapshot. Returns ErrModelUnavailable when no model is loaded
// or the embedder cannot serve.
func (c *FewShotClassifier) Classify(ctx context.Context, normalized string) (*Prediction, error) {
	model := c.active.Load()
	if model == nil || c.embedder == nil {
		return nil, ErrModelUnavailable
	}

	embedding, err := c.embedder.Embed(ctx, normalized)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	label, prob, runnerUp, runnerUpProb := model.Predict(embedding)
	if label == "" {
		return nil, ErrModelUnavailable
	}

	return &Prediction{
		Label:        label,
		Confidence:   prob,
		RunnerUp:     runnerUp,
		RunnerUpConf: runnerUpProb,
		Version:      model.ID.String(),
	}, nil
}
