package intent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestFewShotClassifier_NoModel(t *testing.T) {
	c := NewFewShotClassifier(newAxisEmbedder("alpha", "beta"))
	if c.IsAvailable() {
		t.Error("classifier should not be available without a model")
	}
	_, err := c.Classify(context.Background(), "alpha one")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestFewShotClassifier_Classify(t *testing.T) {
	embedder := newAxisEmbedder("alpha", "beta")
	c := NewFewShotClassifier(embedder)
	c.Publish(NewModelVersion(map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
	}, 6, uuid.Nil))

	pred, err := c.Classify(context.Background(), "alpha query")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if pred.Label != "alpha" {
		t.Errorf("expected alpha, got %q", pred.Label)
	}
	if pred.Confidence < 0.8 {
		t.Errorf("expected high confidence, got %.3f", pred.Confidence)
	}
	if pred.RunnerUp != "beta" {
		t.Errorf("expected beta runner-up, got %q", pred.RunnerUp)
	}
	if pred.Version == "" {
		t.Error("prediction should carry the model version")
	}
}

func TestFewShotClassifier_EmbedderFailure(t *testing.T) {
	embedder := newAxisEmbedder("alpha")
	c := NewFewShotClassifier(embedder)
	c.Publish(NewModelVersion(map[string][]float32{"alpha": {1, 0}}, 3, uuid.Nil))

	embedder.fail = true
	_, err := c.Classify(context.Background(), "alpha query")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("embedder failure should surface as ErrModelUnavailable, got %v", err)
	}
}

func TestFewShotClassifier_SwapUnderLoad(t *testing.T) {
	embedder := newAxisEmbedder("alpha", "beta")
	c := NewFewShotClassifier(embedder)
	c.Publish(NewModelVersion(map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
	}, 6, uuid.Nil))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers classify continuously while the writer swaps versions.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				pred, err := c.Classify(context.Background(), "alpha query")
				if err != nil {
					t.Errorf("Classify failed during swap: %v", err)
					return
				}
				if pred.Label != "alpha" {
					t.Errorf("unexpected label %q during swap", pred.Label)
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		c.Publish(NewModelVersion(map[string][]float32{
			"alpha": {1, 0, 0},
			"beta":  {0, 1, 0},
		}, 6, c.Active().ID))
	}
	close(stop)
	wg.Wait()
}

func TestFewShotClassifier_ContextCancelled(t *testing.T) {
	c := NewFewShotClassifier(newAxisEmbedder("alpha"))
	c.Publish(NewModelVersion(map[string][]float32{"alpha": {1, 0}}, 3, uuid.Nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The stub embedder ignores ctx, so a cancelled context may still
	// succeed; what matters is that a returned error is the ctx error.
	if _, err := c.Classify(ctx, "alpha query"); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrModelUnavailable) {
			t.Errorf("unexpected error type: %v", err)
		}
	}
}
