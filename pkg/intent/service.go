package intent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Confidence constants for layers that do not produce a calibrated
// score of their own.
const (
	// llmConfidence is assigned to accepted LLM fallback results
	llmConfidence = 0.85
	// keywordConfidence is assigned to last-resort keyword guesses
	keywordConfidence = 0.60
	// floorConfidence is assigned when nothing at all matched
	floorConfidence = 0.30
)

// Deps are the pipeline components the service routes across. Cache,
// Classifier, Matcher, LLM, Buffer and Trainer may each be nil; a nil
// component degrades to pass-through, the pipeline as a whole still
// terminates with a result.
type Deps struct {
	Taxonomy   *Taxonomy
	Patterns   *PatternMatcher
	Cache      ResultCache
	Classifier *FewShotClassifier
	Matcher    *Matcher
	LLM        *LLMClassifier
	Buffer     *LearningBuffer
	Trainer    *Trainer
	Metrics    *Metrics
}

// ServiceOptions tunes the router.
type ServiceOptions struct {
	// CacheTTL bounds result staleness after a model swap
	CacheTTL time.Duration
	// SessionTTL bounds how long a disambiguation stays open
	SessionTTL time.Duration
	// Thresholds seeds the routing bands; zero value means defaults
	Thresholds Thresholds
}

// Service is the public face of the classification pipeline: it runs
// the confidence router across the layers, owns disambiguation
// sessions, and feeds the learning loop.
type Service struct {
	taxonomy   *Taxonomy
	patterns   *PatternMatcher
	cache      ResultCache
	classifier *FewShotClassifier
	matcher    *Matcher
	llm        *LLMClassifier
	buffer     *LearningBuffer
	trainer    *Trainer
	metrics    *Metrics

	sessions   *SessionStore
	thresholds *thresholdStore
	layers     *layerSet
	cacheTTL   time.Duration
}

// NewService assembles the pipeline. Call Start before serving.
func NewService(deps Deps, opts ServiceOptions) *Service {
	if deps.Taxonomy == nil {
		deps.Taxonomy = DefaultTaxonomy()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if (opts.Thresholds == Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}

	s := &Service{
		taxonomy:   deps.Taxonomy,
		patterns:   deps.Patterns,
		cache:      deps.Cache,
		classifier: deps.Classifier,
		matcher:    deps.Matcher,
		llm:        deps.LLM,
		buffer:     deps.Buffer,
		trainer:    deps.Trainer,
		metrics:    deps.Metrics,
		thresholds: newThresholdStore(opts.Thresholds),
		layers:     newLayerSet(),
		cacheTTL:   opts.CacheTTL,
	}
	s.sessions = NewSessionStore(opts.SessionTTL, s.resolveTimedOut)
	return s
}

// Start launches the session janitor and, when configured, the trainer.
func (s *Service) Start() error {
	s.sessions.Start()
	if s.trainer != nil {
		if err := s.trainer.Start(); err != nil {
			s.sessions.Stop()
			return err
		}
	}
	return nil
}

// Close stops the background workers. Shared resources handed in via
// Deps (cache, store, embedder) stay open; their owner closes them.
func (s *Service) Close() {
	s.sessions.Stop()
	if s.trainer != nil {
		s.trainer.Stop()
	}
}

// Classify routes one query through the pipeline and always terminates
// with a result: every layer may pass through, but the final fallback
// cannot. The only error paths are context cancellation and deadline.
func (s *Service) Classify(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	th := s.thresholds.Load()

	normalized := Normalize(req.Text)
	if normalized == "" {
		r := &Result{Intent: FallbackIntent, Confidence: th.PatternConfidence, Method: MethodPattern}
		return s.finish(ctx, "", r, start), nil
	}
	key := CacheKey(req.Tenant, normalized)

	// Layer 1: result cache.
	if s.cache != nil && s.layers.Enabled(LayerCache) {
		if cached, ok := s.cache.Get(ctx, key); ok {
			r := *cached
			r.Method = MethodCache
			return s.finish(ctx, "", &r, start), nil
		}
	}

	// Layer 2: deterministic pattern rules. Accepted matches are not
	// written to the cache: re-matching is as cheap as a cache hit.
	if s.patterns != nil && s.layers.Enabled(LayerPatterns) {
		if label, ok := s.patterns.Match(normalized); ok {
			r := &Result{Intent: label, Confidence: th.PatternConfidence, Method: MethodPattern}
			return s.finish(ctx, "", r, start), nil
		}
	}

	// candidate is the best sub-threshold result seen so far, kept for
	// substitution when the LLM fallback cannot serve.
	var candidate *Result

	// Layer 3: fast few-shot classifier.
	if s.classifier != nil && s.layers.Enabled(LayerFastModel) {
		pred, err := s.classifier.Classify(ctx, normalized)
		switch {
		case err == nil:
			switch {
			case pred.Confidence >= th.High:
				r := &Result{Intent: pred.Label, Confidence: pred.Confidence, Method: MethodFastModel}
				s.learn(ctx, req.Text, pred.Label, pred.Confidence, ProvenanceUserConfirmed, th)
				return s.finish(ctx, key, r, start), nil
			case pred.Confidence >= th.Mid:
				options := s.rankedOptions(pred.Label, pred.Confidence, pred.RunnerUp, pred.RunnerUpConf)
				return s.disambiguate(ctx, req, normalized, options, MethodFastModel, start), nil
			default:
				candidate = &Result{Intent: pred.Label, Confidence: pred.Confidence, Method: MethodFastModel}
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrModelUnavailable):
			// pass through
		default:
			log.Printf("[router] fast model failed, passing through: %v", err)
		}
	}

	// Layer 4: embedding similarity.
	if s.matcher != nil && s.layers.Enabled(LayerEmbedding) {
		match, err := s.matcher.Match(ctx, normalized)
		switch {
		case err == nil:
			switch {
			case match.Similarity >= th.SimilarityAccept:
				r := &Result{Intent: match.Label, Confidence: clampScore(match.Similarity), Method: MethodEmbedding}
				s.learn(ctx, req.Text, match.Label, match.Similarity, ProvenanceUserConfirmed, th)
				return s.finish(ctx, key, r, start), nil
			case match.Similarity >= th.SimilarityMin:
				options := s.rankedOptions(match.Label, match.Similarity, match.RunnerUp, match.RunnerUpSimilarity)
				return s.disambiguate(ctx, req, normalized, options, MethodEmbedding, start), nil
			default:
				if candidate == nil || match.Similarity > candidate.Confidence {
					candidate = &Result{Intent: match.Label, Confidence: clampScore(match.Similarity), Method: MethodEmbedding}
				}
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrMatcherUnavailable):
			// pass through
		default:
			log.Printf("[router] embedding matcher failed, passing through: %v", err)
		}
	}

	// Layer 5: large-model fallback.
	if s.llm != nil && s.llm.IsAvailable() && s.layers.Enabled(LayerLLM) {
		decision, err := s.llm.Classify(ctx, normalized)
		switch {
		case err == nil:
			r := &Result{Intent: decision.Label, Confidence: llmConfidence, Method: MethodLLM, Novel: decision.Novel}
			if decision.Novel {
				s.taxonomy.RecordNovel(decision.Label, req.Text)
			} else {
				s.learn(ctx, req.Text, decision.Label, llmConfidence, ProvenanceLLM, th)
			}
			return s.finish(ctx, key, r, start), nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrLLMRateLimited):
			s.metrics.ObserveLLMRateLimited()
		default:
			log.Printf("[router] llm fallback failed, substituting: %v", err)
		}
	}

	return s.substitute(candidate, normalized, start), nil
}

// Resolve consumes a disambiguation session with the user's selection.
// The chosen label is cached under the original query and fed to the
// learning buffer with disambiguation provenance.
func (s *Service) Resolve(ctx context.Context, sessionID string, optionIndex int) (*Result, error) {
	session, option, err := s.sessions.Resolve(sessionID, optionIndex)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	th := s.thresholds.Load()
	r := &Result{Intent: option.Label, Confidence: 1.0, Method: MethodUserResolved}
	s.learn(ctx, session.RawText, option.Label, 1.0, ProvenanceDisambiguation, th)

	key := CacheKey(session.Tenant, session.Normalized)
	return s.finish(ctx, key, r, start), nil
}

// resolveTimedOut finalizes an expired session to its top candidate,
// flagged low-certainty. Timed-out resolutions are cached so repeats of
// the same query get the default answer, but they never feed the
// learning buffer: nobody confirmed the label.
func (s *Service) resolveTimedOut(session *Session) {
	top := session.TopOption()
	r := &Result{
		Intent:       top.Label,
		Confidence:   top.Confidence,
		Method:       session.Source,
		LowCertainty: true,
		Timestamp:    time.Now(),
	}
	if s.cache != nil && s.layers.Enabled(LayerCache) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.cache.Put(ctx, CacheKey(session.Tenant, session.Normalized), r, s.cacheTTL)
		cancel()
	}
	s.metrics.ObserveSessionTimeout()
}

// rankedOptions builds the disambiguation choice list with taxonomy
// descriptions attached.
func (s *Service) rankedOptions(label string, conf float64, runnerUp string, runnerUpConf float64) []Option {
	options := []Option{{Label: label, Confidence: clampScore(conf), Description: s.describe(label)}}
	if runnerUp != "" && runnerUp != label {
		options = append(options, Option{
			Label:       runnerUp,
			Confidence:  clampScore(runnerUpConf),
			Description: s.describe(runnerUp),
		})
	}
	return options
}

func (s *Service) describe(label string) string {
	if in, ok := s.taxonomy.Get(label); ok {
		return in.Description
	}
	return ""
}

// disambiguate suspends the classification into a session and returns
// the prompt. With fewer than two distinct options there is nothing to
// ask, so the top candidate is accepted flagged low-certainty instead.
func (s *Service) disambiguate(ctx context.Context, req Request, normalized string, options []Option, source Method, start time.Time) *Result {
	if len(options) < 2 {
		r := &Result{Intent: options[0].Label, Confidence: options[0].Confidence, Method: source, LowCertainty: true}
		return s.finish(ctx, "", r, start)
	}

	session, err := s.sessions.Create(req.Tenant, req.Text, normalized, options, source)
	if err != nil {
		log.Printf("[router] failed to open disambiguation session: %v", err)
		r := &Result{Intent: options[0].Label, Confidence: options[0].Confidence, Method: source, LowCertainty: true}
		return s.finish(ctx, "", r, start)
	}

	r := &Result{
		Intent:             options[0].Label,
		Confidence:         options[0].Confidence,
		Method:             source,
		NeedsClarification: true,
		Options:            options,
		SessionID:          session.ID,
	}
	return s.finish(ctx, "", r, start)
}

// substitute terminates the pipeline when the LLM fallback could not
// serve: the best sub-threshold result wins, then a keyword guess, then
// the generic intent. Substituted results are flagged low-certainty and
// never cached.
func (s *Service) substitute(candidate *Result, normalized string, start time.Time) *Result {
	if candidate != nil {
		candidate.LowCertainty = true
		return s.finish(context.Background(), "", candidate, start)
	}
	if label, ok := KeywordGuess(normalized); ok {
		r := &Result{Intent: label, Confidence: keywordConfidence, Method: MethodPattern, LowCertainty: true}
		return s.finish(context.Background(), "", r, start)
	}
	r := &Result{Intent: FallbackIntent, Confidence: floorConfidence, Method: MethodPattern, LowCertainty: true}
	return s.finish(context.Background(), "", r, start)
}

// learn appends a confirmed example to the learning buffer when the
// score clears the confirmation band and the label is first-class.
func (s *Service) learn(ctx context.Context, rawText, label string, score float64, provenance Provenance, th Thresholds) {
	if s.buffer == nil || score < th.Confirmed || !s.taxonomy.Has(label) {
		return
	}
	reached := s.buffer.Add(ctx, TrainingExample{
		Text:       rawText,
		Label:      label,
		Provenance: provenance,
		Timestamp:  time.Now(),
	})
	if reached && s.trainer != nil {
		s.trainer.NotifyBufferFull()
	}
}

// finish stamps latency and timestamp, optionally writes the cache, and
// records metrics. An empty key skips the cache write.
func (s *Service) finish(ctx context.Context, key string, r *Result, start time.Time) *Result {
	r.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	r.Timestamp = time.Now()

	if key != "" && s.cache != nil && s.layers.Enabled(LayerCache) {
		s.cache.Put(ctx, key, r, s.cacheTTL)
	}
	s.metrics.ObserveResult(r)
	return r
}

// =============================================================================
// Control surface
// =============================================================================

// Thresholds returns the live routing bands.
func (s *Service) Thresholds() Thresholds {
	return s.thresholds.Load()
}

// UpdateThresholds replaces the routing bands. In-flight requests keep
// the copy they read at entry.
func (s *Service) UpdateThresholds(t Thresholds) error {
	if err := s.thresholds.Update(t); err != nil {
		return err
	}
	log.Printf("[router] thresholds updated: high=%.2f mid=%.2f sim_accept=%.2f sim_min=%.2f",
		t.High, t.Mid, t.SimilarityAccept, t.SimilarityMin)
	return nil
}

// SetLayerEnabled flips one pipeline layer on or off at runtime.
func (s *Service) SetLayerEnabled(layer Layer, enabled bool) error {
	if err := s.layers.SetEnabled(layer, enabled); err != nil {
		return err
	}
	log.Printf("[router] layer %s enabled=%v", layer, enabled)
	return nil
}

// LayerStates returns the current enable flag of every layer.
func (s *Service) LayerStates() map[Layer]bool {
	return s.layers.States()
}

// TriggerRetrain requests a manual retrain and clears any failure
// pause.
func (s *Service) TriggerRetrain() error {
	if s.trainer == nil {
		return fmt.Errorf("trainer not configured")
	}
	s.trainer.TriggerRetrain()
	return nil
}

// MetricsSnapshot returns the current pipeline counters.
func (s *Service) MetricsSnapshot() Snapshot {
	snap := s.metrics.Snapshot()
	return snap
}

// PendingSessions returns the number of open disambiguations.
func (s *Service) PendingSessions() int {
	return s.sessions.Pending()
}

// PendingLabels lists novel labels awaiting review, most-seen first.
func (s *Service) PendingLabels() []string {
	return s.taxonomy.PendingLabels()
}

// PromoteIntent activates a pending novel label as a first-class
// intent and rebuilds the similarity centroids so the fast layers can
// match it.
func (s *Service) PromoteIntent(ctx context.Context, label, description string) error {
	if _, err := s.taxonomy.Promote(label, description); err != nil {
		return err
	}
	log.Printf("[router] promoted novel intent %q", label)

	if s.matcher != nil {
		if err := s.matcher.Rebuild(ctx); err != nil {
			log.Printf("[router] centroid rebuild after promotion failed: %v", err)
		}
	}
	return nil
}

// AddPatternRule appends a deterministic rule at runtime.
func (s *Service) AddPatternRule(r Rule) error {
	if s.patterns == nil {
		return fmt.Errorf("pattern layer not configured")
	}
	if !s.taxonomy.Has(r.Intent) {
		return fmt.Errorf("%w: %s", ErrIntentNotFound, r.Intent)
	}
	return s.patterns.AddRule(r)
}
