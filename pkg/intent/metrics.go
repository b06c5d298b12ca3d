package intent

import (
	"sort"
	"sync"
	"time"
)

// latencyWindow bounds the sample buffer used for percentiles.
const latencyWindow = 1024

// Metrics collects pipeline counters. All methods are safe for
// concurrent use from the serving path and the trainer.
type Metrics struct {
	mu sync.Mutex

	byMethod        map[Method]uint64
	requests        uint64
	cacheHits       uint64
	disambiguations uint64
	timeouts        uint64
	llmRateLimited  uint64
	novelLabels     uint64

	retrainSuccess      uint64
	retrainFailure      uint64
	consecutiveFailures int
	lastValidationScore float64
	lastRetrainAt       time.Time

	// ring buffer of recent request latencies
	latencies []float64
	latIdx    int
}

// NewMetrics creates an empty metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		byMethod:  make(map[Method]uint64),
		latencies: make([]float64, 0, latencyWindow),
	}
}

// ObserveResult records one completed classification.
func (m *Metrics) ObserveResult(r *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	m.byMethod[r.Method]++
	if r.Method == MethodCache {
		m.cacheHits++
	}
	if r.NeedsClarification {
		m.disambiguations++
	}
	if r.Novel {
		m.novelLabels++
	}

	if len(m.latencies) < latencyWindow {
		m.latencies = append(m.latencies, r.LatencyMs)
	} else {
		m.latencies[m.latIdx] = r.LatencyMs
		m.latIdx = (m.latIdx + 1) % latencyWindow
	}
}

// ObserveSessionTimeout records a disambiguation that expired unanswered.
func (m *Metrics) ObserveSessionTimeout() {
	m.mu.Lock()
	m.timeouts++
	m.mu.Unlock()
}

// ObserveLLMRateLimited records a substituted LLM call.
func (m *Metrics) ObserveLLMRateLimited() {
	m.mu.Lock()
	m.llmRateLimited++
	m.mu.Unlock()
}

// ObserveRetrain records a training session outcome.
func (m *Metrics) ObserveRetrain(score float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastValidationScore = score
	m.lastRetrainAt = time.Now()
	if ok {
		m.retrainSuccess++
		m.consecutiveFailures = 0
	} else {
		m.retrainFailure++
		m.consecutiveFailures++
	}
}

// ConsecutiveFailures returns the current failed-retrain streak.
func (m *Metrics) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}

// Snapshot is a point-in-time copy of all counters, shaped for the
// metrics endpoint.
type Snapshot struct {
	Requests        uint64            `json:"requests"`
	ByMethod        map[string]uint64 `json:"by_method"`
	CacheHitRate    float64           `json:"cache_hit_rate"`
	Disambiguations uint64            `json:"disambiguations"`
	SessionTimeouts uint64            `json:"session_timeouts"`
	LLMRateLimited  uint64            `json:"llm_rate_limited"`
	NovelLabels     uint64            `json:"novel_labels"`

	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`

	RetrainSuccess      uint64    `json:"retrain_success"`
	RetrainFailure      uint64    `json:"retrain_failure"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastValidationScore float64   `json:"last_validation_score"`
	LastRetrainAt       time.Time `json:"last_retrain_at,omitzero"`
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Requests:            m.requests,
		ByMethod:            make(map[string]uint64, len(m.byMethod)),
		Disambiguations:     m.disambiguations,
		SessionTimeouts:     m.timeouts,
		LLMRateLimited:      m.llmRateLimited,
		NovelLabels:         m.novelLabels,
		RetrainSuccess:      m.retrainSuccess,
		RetrainFailure:      m.retrainFailure,
		ConsecutiveFailures: m.consecutiveFailures,
		LastValidationScore: m.lastValidationScore,
		LastRetrainAt:       m.lastRetrainAt,
	}
	for k, v := range m.byMethod {
		s.ByMethod[k.String()] = v
	}
	if m.requests > 0 {
		s.CacheHitRate = float64(m.cacheHits) / float64(m.requests)
	}

	if n := len(m.latencies); n > 0 {
		sorted := make([]float64, n)
		copy(sorted, m.latencies)
		sort.Float64s(sorted)

		var sum float64
		for _, v := range sorted {
			sum += v
		}
		s.AvgLatencyMs = sum / float64(n)

		idx := int(float64(n)*0.95) - 1
		if idx < 0 {
			idx = 0
		}
		s.P95LatencyMs = sorted[idx]
	}
	return s
}
