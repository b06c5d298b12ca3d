package intent

// embedder.go - Sentence embedding providers
//
// The few-shot classifier and the similarity matcher both consume
// embeddings through the EmbeddingProvider interface. Two providers are
// shipped: a local ONNX model via Hugot (no external service needed)
// and an Ollama HTTP endpoint. Either being unavailable is a
// pass-through condition for the router, not an error.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"
)

// Embedding model constants
const (
	// EmbeddingModelMiniLM is a small, fast embedding model (80MB, 384 dimensions)
	EmbeddingModelMiniLM = "sentence-transformers/all-MiniLM-L6-v2"

	// DefaultEmbeddingModelPath is the default location for the embedding model
	DefaultEmbeddingModelPath = "./models/all-MiniLM-L6-v2"

	// EmbeddingDimension is the output dimension for MiniLM-L6-v2
	EmbeddingDimension = 384
)

// EmbeddingProvider generates embeddings for text.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// CosineSimilarity calculates similarity between two float32 vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// meanVector computes the centroid of a set of equal-length vectors.
func meanVector(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i := range v {
			sum[i] += float64(v[i])
		}
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(len(vectors)))
	}
	return out
}

// =============================================================================
// Local ONNX embedder (Hugot)
// =============================================================================

// LocalEmbedder generates embeddings with a local ONNX model.
type LocalEmbedder struct {
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
	mu       sync.RWMutex
	ready    bool
	config   LocalEmbedderConfig
}

// LocalEmbedderConfig configures the local embedder.
type LocalEmbedderConfig struct {
	ModelPath       string
	OnnxLibraryPath string
	BatchSize       int
	Timeout         time.Duration
}

// DefaultLocalEmbedderConfig returns a default configuration using MiniLM.
func DefaultLocalEmbedderConfig() LocalEmbedderConfig {
	return LocalEmbedderConfig{
		ModelPath: DefaultEmbeddingModelPath,
		BatchSize: 32,
		Timeout:   30 * time.Second,
	}
}

// NewLocalEmbedder creates a new local embedder.
func NewLocalEmbedder(cfg LocalEmbedderConfig) (*LocalEmbedder, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 32
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	e := &LocalEmbedder{config: cfg}
	if err := e.initialize(); err != nil {
		return nil, fmt.Errorf("local embedder initialization failed: %w", err)
	}
	return e, nil
}

// initialize sets up the ONNX session and pipeline.
func (e *LocalEmbedder) initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, err := e.createSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	e.session = session

	if e.config.ModelPath == "" {
		return fmt.Errorf("no model path specified")
	}
	if _, err := os.Stat(e.config.ModelPath); err != nil {
		return fmt.Errorf("model path does not exist: %s", e.config.ModelPath)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: e.config.ModelPath,
		Name:      "intent-embedder",
	}

	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		_ = e.session.Destroy() // already returning an error
		return fmt.Errorf("failed to create embedding pipeline: %w", err)
	}

	e.pipeline = pipeline
	e.ready = true
	log.Printf("[embedder] local model ready (path: %s)", e.config.ModelPath)
	return nil
}

// createSession creates the Hugot session, preferring the ONNX Runtime
// backend and falling back to the pure Go backend.
func (e *LocalEmbedder) createSession() (*hugot.Session, error) {
	if e.config.OnnxLibraryPath != "" {
		opts := []options.WithOption{
			options.WithOnnxLibraryPath(e.config.OnnxLibraryPath),
		}
		session, err := hugot.NewORTSession(opts...)
		if err == nil {
			log.Printf("[embedder] using ONNX Runtime backend")
			return session, nil
		}
		log.Printf("[embedder] ONNX Runtime unavailable, falling back to Go backend: %v", err)
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Go session: %w", err)
	}
	log.Printf("[embedder] using pure Go backend (slower, consider installing ONNX Runtime)")
	return session, nil
}

// IsReady returns true if the embedder can serve.
func (e *LocalEmbedder) IsReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

// Dimension implements EmbeddingProvider.
func (e *LocalEmbedder) Dimension() int {
	return EmbeddingDimension
}

// Embed implements EmbeddingProvider.
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch implements EmbeddingProvider.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.ready || e.pipeline == nil {
		return nil, fmt.Errorf("local embedder not ready")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}

	embeddings := make([][]float32, len(texts))
	for i := range texts {
		if i < len(result.Embeddings) {
			embeddings[i] = result.Embeddings[i]
		}
	}
	return embeddings, nil
}

// Close releases resources.
func (e *LocalEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ready = false
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

// EmbeddingFunc returns a function compatible with chromem-go's
// embedding interface.
func (e *LocalEmbedder) EmbeddingFunc() func(ctx context.Context, text string) ([]float32, error) {
	return func(ctx context.Context, text string) ([]float32, error) {
		return e.Embed(ctx, text)
	}
}

// =============================================================================
// Ollama embedder
// =============================================================================

// OllamaEmbedder generates embeddings through an Ollama server's
// /api/embeddings endpoint.
type OllamaEmbedder struct {
	model     string
	baseURL   string
	client    *http.Client
	dimension int
	mu        sync.Mutex
}

// NewOllamaEmbedder creates an embedder against an Ollama server.
func NewOllamaEmbedder(model, baseURL string) *OllamaEmbedder {
	return &OllamaEmbedder{
		model:   model,
		baseURL: baseURL,
		client:  NewHTTPClient(30 * time.Second),
	}
}

// Dimension implements EmbeddingProvider. The dimension is learned from
// the first successful call; zero means unknown.
func (e *OllamaEmbedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dimension
}

// Embed implements EmbeddingProvider.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(map[string]string{
		"model":  e.model,
		"prompt": text,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := CheckResponse(resp, "ollama"); err != nil {
		return nil, err
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding")
	}

	e.mu.Lock()
	e.dimension = len(out.Embedding)
	e.mu.Unlock()

	return out.Embedding, nil
}

// EmbedBatch implements EmbeddingProvider. Ollama has no batch
// endpoint, so texts are embedded sequentially.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		emb, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, emb)
	}
	return out, nil
}
