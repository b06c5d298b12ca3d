package intent

import (
	"context"
	"log"
	"sync"
)

// LearningBuffer accumulates confirmed training examples until a
// retrain threshold is reached. It is an ordered, bounded multiset:
// when full, the oldest example is dropped. All methods are safe for
// concurrent use; callers never take external locks.
//
// Examples are written through to the Store on Add so the buffer
// survives process restarts; Drain and Restore only touch the
// in-memory view, and the persisted rows are deleted when a retrain
// commits (see Trainer).
type LearningBuffer struct {
	mu        sync.Mutex
	examples  []TrainingExample
	capacity  int
	threshold int
	store     Store // optional write-through, may be nil
}

// NewLearningBuffer creates a buffer that signals a retrain once
// threshold examples accumulate, bounded to capacity.
func NewLearningBuffer(threshold, capacity int, store Store) *LearningBuffer {
	if threshold <= 0 {
		threshold = 50
	}
	if capacity < threshold {
		capacity = threshold * 4
	}
	return &LearningBuffer{
		capacity:  capacity,
		threshold: threshold,
		store:     store,
	}
}

// Add appends an example and reports whether the retrain threshold has
// been reached. Persistence failures are logged, not fatal: losing one
// buffered example on crash is an accepted tradeoff, failing the
// request path is not.
func (b *LearningBuffer) Add(ctx context.Context, ex TrainingExample) (reachedThreshold bool) {
	b.mu.Lock()
	b.examples = append(b.examples, ex)
	if len(b.examples) > b.capacity {
		b.examples = b.examples[len(b.examples)-b.capacity:]
	}
	reached := len(b.examples) >= b.threshold
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.AppendExample(ctx, ex); err != nil {
			log.Printf("[buffer] failed to persist example: %v", err)
		}
	}
	return reached
}

// Len returns the number of buffered examples.
func (b *LearningBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.examples)
}

// Threshold returns the retrain trigger size.
func (b *LearningBuffer) Threshold() int {
	return b.threshold
}

// Drain removes and returns all buffered examples. The caller owns the
// returned slice; if retraining fails validation, it hands the examples
// back through Restore so nothing is lost.
func (b *LearningBuffer) Drain() []TrainingExample {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.examples
	b.examples = nil
	return drained
}

// Restore returns drained examples to the front of the buffer,
// preserving their original order ahead of anything added since.
func (b *LearningBuffer) Restore(examples []TrainingExample) {
	if len(examples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.examples = append(examples, b.examples...)
	if len(b.examples) > b.capacity {
		b.examples = b.examples[len(b.examples)-b.capacity:]
	}
}

// LoadPersisted fills the buffer from the store after a restart.
func (b *LearningBuffer) LoadPersisted(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	examples, err := b.store.LoadExamples(ctx)
	if err != nil {
		return err
	}
	if len(examples) == 0 {
		return nil
	}

	b.mu.Lock()
	b.examples = append(examples, b.examples...)
	if len(b.examples) > b.capacity {
		b.examples = b.examples[len(b.examples)-b.capacity:]
	}
	n := len(b.examples)
	b.mu.Unlock()

	log.Printf("[buffer] restored %d persisted examples (%d buffered)", len(examples), n)
	return nil
}
