package intent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// TrainerConfig tunes the online-learning loop.
type TrainerConfig struct {
	// MinValidationScore gates publication of a candidate model
	MinValidationScore float64
	// MaxConsecutiveFailures pauses automatic retraining once reached
	MaxConsecutiveFailures int
	// KeepVersions bounds how many old versions the store retains
	KeepVersions int
	// Schedule is an optional cron spec for periodic retrains
	Schedule string
	// Timeout bounds one training session
	Timeout time.Duration
}

// DefaultTrainerConfig returns the production training settings.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		MinValidationScore:     0.70,
		MaxConsecutiveFailures: 3,
		KeepVersions:           5,
		Timeout:                5 * time.Minute,
	}
}

// Trainer runs the online-learning loop in a single background
// goroutine: it drains the learning buffer, trains a candidate model
// from buffered plus canonical examples, validates it on held-out
// data, and publishes it atomically only when the validation gate
// passes. A failed candidate is discarded and its examples restored.
// Serving is never blocked by training.
type Trainer struct {
	embedder   EmbeddingProvider
	taxonomy   *Taxonomy
	classifier *FewShotClassifier
	buffer     *LearningBuffer
	store      Store // may be nil
	metrics    *Metrics
	cfg        TrainerConfig

	trigger chan struct{}
	paused  atomic.Bool
	sched   *cron.Cron

	mu   sync.Mutex // serializes training sessions
	stop chan struct{}
	done chan struct{}
}

// NewTrainer wires the learning loop. store and metrics may be nil.
func NewTrainer(embedder EmbeddingProvider, taxonomy *Taxonomy, classifier *FewShotClassifier,
	buffer *LearningBuffer, store Store, metrics *Metrics, cfg TrainerConfig) *Trainer {
	if cfg.MinValidationScore <= 0 {
		cfg.MinValidationScore = 0.70
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.KeepVersions <= 0 {
		cfg.KeepVersions = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Trainer{
		embedder:   embedder,
		taxonomy:   taxonomy,
		classifier: classifier,
		buffer:     buffer,
		store:      store,
		metrics:    metrics,
		cfg:        cfg,
		trigger:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the training worker and, when configured, the cron
// schedule.
func (t *Trainer) Start() error {
	if t.cfg.Schedule != "" {
		t.sched = cron.New()
		if _, err := t.sched.AddFunc(t.cfg.Schedule, func() { t.NotifyBufferFull() }); err != nil {
			return fmt.Errorf("invalid retrain schedule %q: %w", t.cfg.Schedule, err)
		}
		t.sched.Start()
	}

	go func() {
		defer close(t.done)
		for {
			select {
			case <-t.stop:
				return
			case <-t.trigger:
				ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
				if err := t.train(ctx); err != nil {
					log.Printf("[trainer] training session failed: %v", err)
				}
				cancel()
			}
		}
	}()
	return nil
}

// Stop shuts the worker down and waits for any in-flight session.
func (t *Trainer) Stop() {
	if t.sched != nil {
		t.sched.Stop()
	}
	close(t.stop)
	<-t.done
}

// NotifyBufferFull requests an automatic retrain. It is non-blocking
// and coalesces with any already-pending request; it is ignored while
// automatic retraining is paused.
func (t *Trainer) NotifyBufferFull() {
	if t.paused.Load() {
		return
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// TriggerRetrain requests a manual retrain. A manual trigger also
// clears the failure pause, treating it as an operator restart.
func (t *Trainer) TriggerRetrain() {
	if t.paused.Swap(false) {
		log.Printf("[trainer] automatic retraining resumed by manual trigger")
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Paused reports whether automatic retraining is suspended.
func (t *Trainer) Paused() bool {
	return t.paused.Load()
}

// Bootstrap trains and publishes the first model from the canonical
// taxonomy examples alone. Called at startup when the store has no
// active version.
func (t *Trainer) Bootstrap(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	byLabel := t.canonicalExamples()
	if len(byLabel) == 0 {
		return fmt.Errorf("taxonomy has no examples to bootstrap from")
	}

	version, count, err := t.fit(ctx, byLabel, uuid.Nil)
	if err != nil {
		return err
	}
	version.ValidationScore = 1.0 // trained and validated on the same canon

	if err := t.persist(ctx, version); err != nil {
		return err
	}
	t.classifier.Publish(version)
	log.Printf("[trainer] bootstrapped model %s from %d canonical examples", version.ID, count)
	return nil
}

// train runs one retraining session.
func (t *Trainer) train(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	drained := t.buffer.Drain()
	cutoff := time.Now()
	if len(drained) == 0 {
		log.Printf("[trainer] nothing buffered, skipping session")
		return nil
	}

	// Hold out every fifth buffered example for validation; the rest
	// joins the canonical examples as training data.
	var holdout []TrainingExample
	byLabel := t.canonicalExamples()
	for i, ex := range drained {
		if i%5 == 4 {
			holdout = append(holdout, ex)
			continue
		}
		byLabel[ex.Label] = append(byLabel[ex.Label], Normalize(ex.Text))
	}

	var predecessor uuid.UUID
	if active := t.classifier.Active(); active != nil {
		predecessor = active.ID
	}

	candidate, count, err := t.fit(ctx, byLabel, predecessor)
	if err != nil {
		t.buffer.Restore(drained)
		t.recordRetrain(0, false)
		return fmt.Errorf("failed to fit candidate: %w", err)
	}

	score, err := t.validate(ctx, candidate, holdout)
	if err != nil {
		t.buffer.Restore(drained)
		t.recordRetrain(0, false)
		return fmt.Errorf("failed to validate candidate: %w", err)
	}
	candidate.ValidationScore = score

	if score < t.cfg.MinValidationScore {
		t.buffer.Restore(drained)
		t.recordRetrain(score, false)
		log.Printf("[trainer] candidate %s rejected: validation %.2f below %.2f, examples restored",
			candidate.ID, score, t.cfg.MinValidationScore)
		return nil
	}

	if err := t.persist(ctx, candidate); err != nil {
		t.buffer.Restore(drained)
		t.recordRetrain(score, false)
		return err
	}

	t.classifier.Publish(candidate)
	t.recordRetrain(score, true)

	if t.store != nil {
		if err := t.store.ClearExamplesThrough(ctx, cutoff); err != nil {
			log.Printf("[trainer] failed to clear persisted examples: %v", err)
		}
		if err := t.store.PruneModelVersions(ctx, t.cfg.KeepVersions); err != nil {
			log.Printf("[trainer] failed to prune old versions: %v", err)
		}
	}

	log.Printf("[trainer] model %s published: validation %.2f, %d training examples (%d buffered)",
		candidate.ID, score, count, len(drained))
	return nil
}

// canonicalExamples collects the taxonomy's seed examples, normalized,
// keyed by label.
func (t *Trainer) canonicalExamples() map[string][]string {
	byLabel := make(map[string][]string)
	for _, label := range t.taxonomy.Labels() {
		in, _ := t.taxonomy.Get(label)
		for _, ex := range in.Examples {
			byLabel[label] = append(byLabel[label], Normalize(ex))
		}
	}
	return byLabel
}

// fit embeds every training text and builds one prototype per label.
func (t *Trainer) fit(ctx context.Context, byLabel map[string][]string, predecessor uuid.UUID) (*ModelVersion, int, error) {
	if t.embedder == nil {
		return nil, 0, ErrModelUnavailable
	}

	prototypes := make(map[string][]float32, len(byLabel))
	var count int
	for label, texts := range byLabel {
		if len(texts) == 0 {
			continue
		}
		embeddings, err := t.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to embed examples for %s: %w", label, err)
		}
		prototypes[label] = meanVector(embeddings)
		count += len(texts)
	}
	if len(prototypes) == 0 {
		return nil, 0, fmt.Errorf("no labels with examples to train on")
	}
	return NewModelVersion(prototypes, count, predecessor), count, nil
}

// validate scores the candidate on held-out examples. With no holdout
// it falls back to the canonical examples, which at least catches a
// degenerate candidate.
func (t *Trainer) validate(ctx context.Context, candidate *ModelVersion, holdout []TrainingExample) (float64, error) {
	if len(holdout) == 0 {
		for _, label := range t.taxonomy.Labels() {
			in, _ := t.taxonomy.Get(label)
			for _, ex := range in.Examples {
				holdout = append(holdout, TrainingExample{Text: ex, Label: label})
			}
		}
	}
	if len(holdout) == 0 {
		return 0, fmt.Errorf("no validation examples")
	}

	var correct int
	for _, ex := range holdout {
		embedding, err := t.embedder.Embed(ctx, Normalize(ex.Text))
		if err != nil {
			return 0, fmt.Errorf("failed to embed validation example: %w", err)
		}
		predicted, _, _, _ := candidate.Predict(embedding)
		if predicted == ex.Label {
			correct++
		}
	}
	return float64(correct) / float64(len(holdout)), nil
}

// persist saves and activates a version when a store is configured.
func (t *Trainer) persist(ctx context.Context, v *ModelVersion) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveModelVersion(ctx, v); err != nil {
		return fmt.Errorf("failed to persist model %s: %w", v.ID, err)
	}
	if err := t.store.SetActiveModel(ctx, v.ID); err != nil {
		return fmt.Errorf("failed to activate model %s: %w", v.ID, err)
	}
	return nil
}

// recordRetrain updates metrics and applies the failure-pause policy.
func (t *Trainer) recordRetrain(score float64, ok bool) {
	if t.metrics == nil {
		return
	}
	t.metrics.ObserveRetrain(score, ok)
	if !ok && t.metrics.ConsecutiveFailures() >= t.cfg.MaxConsecutiveFailures {
		if !t.paused.Swap(true) {
			log.Printf("[trainer] ALERT: %d consecutive failed retrains, automatic retraining paused",
				t.metrics.ConsecutiveFailures())
		}
	}
}
