package intent

import "time"

// Method identifies which pipeline layer produced a classification.
type Method string

const (
	// MethodCache indicates the result was served from the result cache
	MethodCache Method = "cache"
	// MethodPattern indicates a deterministic rule matched
	MethodPattern Method = "pattern"
	// MethodFastModel indicates the trained few-shot classifier decided
	MethodFastModel Method = "fast-model"
	// MethodEmbedding indicates the embedding-similarity fallback decided
	MethodEmbedding Method = "embedding"
	// MethodLLM indicates the large-model fallback decided
	MethodLLM Method = "llm"
	// MethodUserResolved indicates a user answered a disambiguation prompt
	MethodUserResolved Method = "user-resolved"
)

// String returns the string representation of a Method.
func (m Method) String() string {
	return string(m)
}

// Valid reports whether m is one of the defined methods.
func (m Method) Valid() bool {
	switch m {
	case MethodCache, MethodPattern, MethodFastModel, MethodEmbedding, MethodLLM, MethodUserResolved:
		return true
	}
	return false
}

// Provenance records how a training example was confirmed.
type Provenance string

const (
	// ProvenanceUserConfirmed means the caller accepted a high-confidence result
	ProvenanceUserConfirmed Provenance = "user-confirmed"
	// ProvenanceDisambiguation means the user picked the label from a prompt
	ProvenanceDisambiguation Provenance = "disambiguation-selected"
	// ProvenanceLLM means the large-model fallback inferred the label
	ProvenanceLLM Provenance = "llm-inferred"
)

// Request is a single classification request.
type Request struct {
	// Text is the raw user query
	Text string `json:"text"`
	// Tenant scopes caching and session state; empty means default
	Tenant string `json:"tenant,omitempty"`
	// SessionID ties a follow-up disambiguation answer to its request
	SessionID string `json:"session_id,omitempty"`
}

// Option is one ranked candidate presented in a disambiguation prompt.
type Option struct {
	Label       string  `json:"label"`
	Description string  `json:"description,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// Result is the outcome of classifying one query. Immutable once produced.
type Result struct {
	// Intent is the selected label
	Intent string `json:"intent"`
	// Confidence is the calibrated score from 0.0 to 1.0
	Confidence float64 `json:"confidence"`
	// Method is the pipeline layer that produced the result
	Method Method `json:"method"`
	// NeedsClarification is true when the caller must resolve a prompt
	NeedsClarification bool `json:"needs_clarification"`
	// Options holds ranked candidates when NeedsClarification is set
	Options []Option `json:"options,omitempty"`
	// SessionID identifies the pending disambiguation session
	SessionID string `json:"session_id,omitempty"`
	// Novel is true when the LLM named a label outside the taxonomy
	Novel bool `json:"novel,omitempty"`
	// LowCertainty flags timeout-resolved or rate-limit-substituted results
	LowCertainty bool `json:"low_certainty,omitempty"`
	// LatencyMs is the time taken to classify in milliseconds
	LatencyMs float64 `json:"latency_ms"`
	// Timestamp is when the result was produced
	Timestamp time.Time `json:"timestamp"`
}

// TrainingExample is one confirmed (text, label) pair awaiting retraining.
type TrainingExample struct {
	Text       string     `json:"text"`
	Label      string     `json:"label"`
	Provenance Provenance `json:"provenance"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Thresholds holds the runtime-adjustable routing bands.
// Invariant: High > Mid, SimilarityAccept > SimilarityMin.
type Thresholds struct {
	// High accepts a fast-model result outright
	High float64 `json:"t_high" yaml:"t_high"`
	// Mid is the lower edge of the disambiguation band
	Mid float64 `json:"t_mid" yaml:"t_mid"`
	// PatternConfidence is the fixed confidence for rule matches
	PatternConfidence float64 `json:"pattern_confidence" yaml:"pattern_confidence"`
	// SimilarityAccept accepts an embedding match outright
	SimilarityAccept float64 `json:"similarity_accept" yaml:"similarity_accept"`
	// SimilarityMin is the floor below which the matcher falls back
	SimilarityMin float64 `json:"similarity_min" yaml:"similarity_min"`
	// Confirmed is the band above which accepted results feed the learning buffer
	Confirmed float64 `json:"confirmed" yaml:"confirmed"`
}

// DefaultThresholds returns the routing bands used in production.
func DefaultThresholds() Thresholds {
	return Thresholds{
		High:              0.80,
		Mid:               0.50,
		PatternConfidence: 0.95,
		SimilarityAccept:  0.70,
		SimilarityMin:     0.45,
		Confirmed:         0.80,
	}
}

// Normalize clamps a score into [0, 1].
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
