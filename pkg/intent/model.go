package intent

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ModelVersion is one trained snapshot of the fast classifier: a
// prototype (centroid) vector per label plus a softmax temperature.
// Versions are immutable after training; the trainer publishes a new
// version rather than mutating the active one, so in-flight requests
// always classify against one consistent snapshot.
type ModelVersion struct {
	ID            uuid.UUID `json:"id"`
	PredecessorID uuid.UUID `json:"predecessor_id,omitempty"`

	// Labels in a fixed order; Prototypes holds one vector per label
	Labels     []string             `json:"labels"`
	Prototypes map[string][]float32 `json:"prototypes"`

	// Temperature scales the similarity softmax; lower = sharper
	Temperature float64 `json:"temperature"`

	TrainedAt       time.Time `json:"trained_at"`
	ValidationScore float64   `json:"validation_score"`
	ExampleCount    int       `json:"example_count"`
}

// defaultTemperature was tuned so that a clear nearest prototype lands
// above 0.8 while a near-tie lands in the disambiguation band.
const defaultTemperature = 0.05

// NewModelVersion assembles a version from per-label prototypes.
func NewModelVersion(prototypes map[string][]float32, exampleCount int, predecessor uuid.UUID) *ModelVersion {
	labels := make([]string, 0, len(prototypes))
	for l := range prototypes {
		labels = append(labels, l)
	}
	return &ModelVersion{
		ID:            uuid.New(),
		PredecessorID: predecessor,
		Labels:        labels,
		Prototypes:    prototypes,
		Temperature:   defaultTemperature,
		TrainedAt:     time.Now(),
		ExampleCount:  exampleCount,
	}
}

// Predict scores an embedding against every prototype and returns the
// best label with a softmax probability, plus the runner-up. The
// probability is calibrated into [0,1] by construction.
func (m *ModelVersion) Predict(embedding []float32) (label string, prob float64, runnerUp string, runnerUpProb float64) {
	if len(m.Labels) == 0 {
		return "", 0, "", 0
	}

	temp := m.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}

	// Softmax over cosine similarities. Subtract the max first for
	// numeric stability.
	sims := make(map[string]float64, len(m.Labels))
	maxSim := math.Inf(-1)
	for _, l := range m.Labels {
		s := CosineSimilarity(embedding, m.Prototypes[l])
		sims[l] = s
		if s > maxSim {
			maxSim = s
		}
	}

	var sum float64
	exps := make(map[string]float64, len(sims))
	for l, s := range sims {
		e := math.Exp((s - maxSim) / temp)
		exps[l] = e
		sum += e
	}

	for l, e := range exps {
		p := e / sum
		if p > prob {
			runnerUp, runnerUpProb = label, prob
			label, prob = l, p
		} else if p > runnerUpProb {
			runnerUp, runnerUpProb = l, p
		}
	}
	return label, clampScore(prob), runnerUp, clampScore(runnerUpProb)
}

// MarshalParams serializes the trained parameters for persistence.
func (m *ModelVersion) MarshalParams() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalModelVersion restores a persisted version. A decode failure
// means the stored model is corrupt; callers treat that as fatal to the
// fast classifier only, not to the service.
func UnmarshalModelVersion(data []byte) (*ModelVersion, error) {
	var m ModelVersion
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt model parameters: %w", err)
	}
	if len(m.Labels) == 0 || len(m.Prototypes) == 0 {
		return nil, fmt.Errorf("corrupt model parameters: empty label mapping")
	}
	for _, l := range m.Labels {
		if len(m.Prototypes[l]) == 0 {
			return nil, fmt.Errorf("corrupt model parameters: missing prototype for %s", l)
		}
	}
	return &m, nil
}
