package intent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func pingRules(t *testing.T) *PatternMatcher {
	t.Helper()
	m, err := NewPatternMatcher([]Rule{
		{Kind: RuleLiteral, Expr: "ping", Intent: "alpha"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func publishedClassifier(embedder EmbeddingProvider) *FewShotClassifier {
	c := NewFewShotClassifier(embedder)
	c.Publish(NewModelVersion(map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
	}, 6, uuid.Nil))
	return c
}

func startService(t *testing.T, deps Deps) *Service {
	t.Helper()
	if deps.Taxonomy == nil {
		deps.Taxonomy = testTaxonomy()
	}
	svc := NewService(deps, ServiceOptions{CacheTTL: time.Minute})
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func TestService_PatternShortCircuit(t *testing.T) {
	svc := startService(t, Deps{Patterns: pingRules(t)})

	r, err := svc.Classify(context.Background(), Request{Text: "PING!"})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if r.Intent != "alpha" || r.Method != MethodPattern {
		t.Errorf("expected pattern alpha, got %+v", r)
	}
	if r.Confidence != DefaultThresholds().PatternConfidence {
		t.Errorf("pattern confidence wrong: %.2f", r.Confidence)
	}
	if r.NeedsClarification || r.LowCertainty {
		t.Errorf("pattern match should be a clean accept: %+v", r)
	}
}

func TestService_EmptyText(t *testing.T) {
	svc := startService(t, Deps{Patterns: pingRules(t)})

	r, err := svc.Classify(context.Background(), Request{Text: "  ?!  "})
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != FallbackIntent {
		t.Errorf("empty query should land on %s, got %q", FallbackIntent, r.Intent)
	}
}

func TestService_FastModelAcceptAndCache(t *testing.T) {
	embedder := newAxisEmbedder("alpha", "beta")
	buffer := NewLearningBuffer(50, 200, nil)
	svc := startService(t, Deps{
		Cache:      NewMemoryCache(100),
		Classifier: publishedClassifier(embedder),
		Buffer:     buffer,
	})

	r, err := svc.Classify(context.Background(), Request{Text: "alpha data please"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != "alpha" || r.Method != MethodFastModel {
		t.Fatalf("expected fast-model alpha, got %+v", r)
	}
	if r.Confidence < 0.8 {
		t.Errorf("expected confident accept, got %.3f", r.Confidence)
	}

	// Accepted above the confirmation band: the buffer learned it.
	if buffer.Len() != 1 {
		t.Errorf("expected 1 buffered example, got %d", buffer.Len())
	}

	// Identical query now hits the cache.
	r2, err := svc.Classify(context.Background(), Request{Text: "Alpha data, please"})
	if err != nil {
		t.Fatal(err)
	}
	if r2.Method != MethodCache || r2.Intent != "alpha" {
		t.Errorf("expected cache hit, got %+v", r2)
	}

	// A different tenant shares no cache entries.
	r3, err := svc.Classify(context.Background(), Request{Text: "alpha data please", Tenant: "other"})
	if err != nil {
		t.Fatal(err)
	}
	if r3.Method == MethodCache {
		t.Error("tenants must not share cache entries")
	}
}

func TestService_DisambiguationFlow(t *testing.T) {
	embedder := newAxisEmbedder("alpha", "beta")
	buffer := NewLearningBuffer(50, 200, nil)
	svc := startService(t, Deps{
		Cache:      NewMemoryCache(100),
		Classifier: publishedClassifier(embedder),
		Buffer:     buffer,
	})

	// Equidistant between both prototypes: mid band, so the router asks.
	r, err := svc.Classify(context.Background(), Request{Text: "alpha beta"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.NeedsClarification {
		t.Fatalf("expected disambiguation, got %+v", r)
	}
	if r.Method != MethodFastModel || r.SessionID == "" || len(r.Options) != 2 {
		t.Fatalf("malformed disambiguation result: %+v", r)
	}

	// The user picks the runner-up.
	picked := r.Options[1].Label
	resolved, err := svc.Resolve(context.Background(), r.SessionID, 1)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Intent != picked || resolved.Method != MethodUserResolved {
		t.Errorf("expected user-resolved %s, got %+v", picked, resolved)
	}
	if resolved.Confidence != 1.0 {
		t.Errorf("user selection is certain, got %.2f", resolved.Confidence)
	}

	// The selection entered the learning buffer with its provenance.
	drained := buffer.Drain()
	if len(drained) != 1 || drained[0].Provenance != ProvenanceDisambiguation {
		t.Errorf("expected one disambiguation-selected example, got %+v", drained)
	}

	// The resolution is cached under the original query.
	r2, err := svc.Classify(context.Background(), Request{Text: "alpha beta"})
	if err != nil {
		t.Fatal(err)
	}
	if r2.Method != MethodCache || r2.Intent != picked {
		t.Errorf("expected cached resolution, got %+v", r2)
	}

	// The session is consumed.
	if _, err := svc.Resolve(context.Background(), r.SessionID, 0); err == nil {
		t.Error("expected error resolving a consumed session")
	}
}

func TestService_SessionTimeout(t *testing.T) {
	embedder := newAxisEmbedder("alpha", "beta")
	buffer := NewLearningBuffer(50, 200, nil)
	svc := startService(t, Deps{
		Cache:      NewMemoryCache(100),
		Classifier: publishedClassifier(embedder),
		Buffer:     buffer,
	})

	r, err := svc.Classify(context.Background(), Request{Text: "alpha beta"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.NeedsClarification {
		t.Fatalf("expected disambiguation, got %+v", r)
	}

	// Force the expiry deterministically instead of waiting for the
	// janitor tick.
	svc.sessions.expire(time.Now().Add(time.Hour))

	// The default resolution is cached, flagged low-certainty.
	r2, err := svc.Classify(context.Background(), Request{Text: "alpha beta"})
	if err != nil {
		t.Fatal(err)
	}
	if r2.Method != MethodCache || r2.Intent != r.Options[0].Label {
		t.Errorf("expected cached default resolution, got %+v", r2)
	}
	if !r2.LowCertainty {
		t.Error("timeout resolution must be flagged low-certainty")
	}

	// Nobody confirmed the label: the buffer stays clean.
	if buffer.Len() != 0 {
		t.Errorf("timeout resolutions must not feed the buffer, got %d", buffer.Len())
	}
	if svc.MetricsSnapshot().SessionTimeouts != 1 {
		t.Error("timeout not counted")
	}
}

func TestService_EmbeddingFallback(t *testing.T) {
	embedder := newAxisEmbedder("alpha", "beta")
	matcher, err := NewMatcher(embedder, testTaxonomy(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := matcher.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	// No trained model: the fast layer passes through to similarity.
	svc := startService(t, Deps{
		Classifier: NewFewShotClassifier(embedder),
		Matcher:    matcher,
	})

	r, err := svc.Classify(context.Background(), Request{Text: "alpha question"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != "alpha" || r.Method != MethodEmbedding {
		t.Errorf("expected embedding alpha, got %+v", r)
	}
}

func TestService_EmbeddingDisambiguation(t *testing.T) {
	embedder := newAxisEmbedder("alpha", "beta", "gamma")
	matcher, err := NewMatcher(embedder, testTaxonomy(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := matcher.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc := startService(t, Deps{Matcher: matcher})

	// Similarity 1/sqrt(3) to both alpha and beta: inside the
	// disambiguation band.
	r, err := svc.Classify(context.Background(), Request{Text: "alpha beta gamma"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.NeedsClarification || r.Method != MethodEmbedding {
		t.Errorf("expected embedding disambiguation, got %+v", r)
	}
}

func TestService_LLMFallback(t *testing.T) {
	buffer := NewLearningBuffer(50, 200, nil)
	taxonomy := testTaxonomy()
	llm := NewLLMClassifier(&scriptedLLM{responses: []string{
		`{"intent": "alpha", "known": true}`,
	}}, taxonomy, 60, 5)

	svc := startService(t, Deps{Taxonomy: taxonomy, LLM: llm, Buffer: buffer})

	r, err := svc.Classify(context.Background(), Request{Text: "something only a big model gets"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != "alpha" || r.Method != MethodLLM || r.Novel {
		t.Errorf("expected llm alpha, got %+v", r)
	}
	// LLM-confirmed known labels feed the buffer.
	drained := buffer.Drain()
	if len(drained) != 1 || drained[0].Provenance != ProvenanceLLM {
		t.Errorf("expected one llm-inferred example, got %+v", drained)
	}
}

func TestService_NovelLabelLifecycle(t *testing.T) {
	buffer := NewLearningBuffer(50, 200, nil)
	taxonomy := testTaxonomy()
	llm := NewLLMClassifier(&scriptedLLM{responses: []string{
		`{"intent": "refund_request", "known": false}`,
	}}, taxonomy, 60, 5)

	svc := startService(t, Deps{Taxonomy: taxonomy, LLM: llm, Buffer: buffer})

	r, err := svc.Classify(context.Background(), Request{Text: "i want my money back"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != "refund_request" || !r.Novel {
		t.Errorf("expected novel refund_request, got %+v", r)
	}
	// Novel labels are parked, never buffered for training.
	if buffer.Len() != 0 {
		t.Errorf("novel labels must not enter the buffer, got %d", buffer.Len())
	}

	pending := svc.PendingLabels()
	if len(pending) != 1 || pending[0] != "refund_request" {
		t.Fatalf("expected refund_request pending, got %v", pending)
	}

	if err := svc.PromoteIntent(context.Background(), "refund_request", "Refund and return requests"); err != nil {
		t.Fatalf("PromoteIntent failed: %v", err)
	}
	if !taxonomy.Has("refund_request") {
		t.Error("promoted label should be first-class")
	}
	if err := svc.PromoteIntent(context.Background(), "never_seen", "x"); err == nil {
		t.Error("promoting an unknown label should fail")
	}
}

func TestService_RateLimitSubstitution(t *testing.T) {
	llm := NewLLMClassifier(&scriptedLLM{responses: []string{
		`{"intent": "alpha"}`,
	}}, testTaxonomy(), 1, 1)
	svc := startService(t, Deps{LLM: llm})

	if _, err := svc.Classify(context.Background(), Request{Text: "first llm query"}); err != nil {
		t.Fatal(err)
	}

	// Budget exhausted: the router substitutes instead of blocking.
	r, err := svc.Classify(context.Background(), Request{Text: "zzz qqq www"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != FallbackIntent || !r.LowCertainty {
		t.Errorf("expected low-certainty fallback, got %+v", r)
	}
	if svc.MetricsSnapshot().LLMRateLimited != 1 {
		t.Error("rate-limited call not counted")
	}
}

func TestService_KeywordSubstitution(t *testing.T) {
	// Nothing but the pipeline floor: no model, no matcher, no LLM.
	svc := startService(t, Deps{})

	r, err := svc.Classify(context.Background(), Request{Text: "show active products"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != "active_products" || !r.LowCertainty {
		t.Errorf("expected keyword guess, got %+v", r)
	}

	r, err = svc.Classify(context.Background(), Request{Text: "complete gibberish here"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != FallbackIntent || !r.LowCertainty {
		t.Errorf("expected floor fallback, got %+v", r)
	}
}

func TestService_LayerToggle(t *testing.T) {
	svc := startService(t, Deps{Patterns: pingRules(t)})

	r, _ := svc.Classify(context.Background(), Request{Text: "ping"})
	if r.Method != MethodPattern {
		t.Fatalf("expected pattern hit, got %+v", r)
	}

	if err := svc.SetLayerEnabled(LayerPatterns, false); err != nil {
		t.Fatal(err)
	}
	r, _ = svc.Classify(context.Background(), Request{Text: "ping"})
	if r.Method == MethodPattern && !r.LowCertainty {
		t.Errorf("disabled pattern layer still matched: %+v", r)
	}

	if err := svc.SetLayerEnabled("bogus", true); err == nil {
		t.Error("expected error for unknown layer")
	}
	states := svc.LayerStates()
	if states[LayerPatterns] {
		t.Error("layer state should report disabled")
	}
}

func TestService_UpdateThresholds(t *testing.T) {
	svc := startService(t, Deps{})

	bad := DefaultThresholds()
	bad.Mid = bad.High
	if err := svc.UpdateThresholds(bad); err == nil {
		t.Error("expected rejection of t_mid >= t_high")
	}

	good := DefaultThresholds()
	good.High = 0.9
	if err := svc.UpdateThresholds(good); err != nil {
		t.Fatalf("UpdateThresholds failed: %v", err)
	}
	if svc.Thresholds().High != 0.9 {
		t.Errorf("threshold update lost: %+v", svc.Thresholds())
	}
}

func TestService_BufferTriggersTrainer(t *testing.T) {
	embedder := newAxisEmbedder("alpha", "beta")
	buffer := NewLearningBuffer(2, 10, nil)
	classifier := publishedClassifier(embedder)
	trainer := NewTrainer(embedder, testTaxonomy(), classifier, buffer, nil, NewMetrics(), TrainerConfig{})

	svc := startService(t, Deps{
		Classifier: classifier,
		Buffer:     buffer,
		Trainer:    trainer,
	})

	// Two confident accepts reach the threshold and enqueue a retrain.
	for _, text := range []string{"alpha one thing", "alpha another thing"} {
		if _, err := svc.Classify(context.Background(), Request{Text: text}); err != nil {
			t.Fatal(err)
		}
	}

	// The trainer worker is running (Start launched it), so the trigger
	// is either queued or already consumed by a session.
	deadline := time.After(2 * time.Second)
	for buffer.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("retrain never drained the buffer")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
