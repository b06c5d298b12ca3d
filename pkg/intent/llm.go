package intent

// llm.go - Large-model fallback classifier
//
// Last-resort layer: receives the normalized query plus the known
// taxonomy and always names a label, possibly one outside the taxonomy
// (flagged novel). Two providers are supported: Anthropic, and any
// OpenAI-compatible chat endpoint (Ollama by default). Calls are
// rate-limited; on exhaustion the router substitutes the best lower
// layer's result instead of blocking.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// LLM fallback errors
var (
	// ErrLLMRateLimited means the call budget is exhausted right now
	ErrLLMRateLimited = errors.New("llm fallback rate limited")
	// ErrLLMUnavailable means the provider cannot serve
	ErrLLMUnavailable = errors.New("llm fallback unavailable")
)

// LLMDecision is the large-model fallback's verdict.
type LLMDecision struct {
	Label string
	// Novel is true when the label is not in the known taxonomy
	Novel bool
}

// LLMProvider performs one raw classification round-trip.
type LLMProvider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Complete sends the prompt and returns the raw text response.
	Complete(ctx context.Context, system, user string) (string, error)
}

// LLMClassifier wraps a provider with the taxonomy prompt, response
// parsing, and rate limiting.
type LLMClassifier struct {
	provider LLMProvider
	taxonomy *Taxonomy
	limiter  *rate.Limiter
}

// NewLLMClassifier creates the fallback classifier. callsPerMinute
// bounds provider calls; burst allows short spikes.
func NewLLMClassifier(provider LLMProvider, taxonomy *Taxonomy, callsPerMinute int, burst int) *LLMClassifier {
	if callsPerMinute <= 0 {
		callsPerMinute = 30
	}
	if burst <= 0 {
		burst = 5
	}
	return &LLMClassifier{
		provider: provider,
		taxonomy: taxonomy,
		limiter:  rate.NewLimiter(rate.Limit(float64(callsPerMinute)/60.0), burst),
	}
}

// IsAvailable reports whether a provider is configured.
func (c *LLMClassifier) IsAvailable() bool {
	return c != nil && c.provider != nil
}

const llmSystemPrompt = `You classify a user's business query into exactly one intent label.
Prefer a label from the known taxonomy. If none fits, invent a short snake_case label that does.
Respond with JSON only: {"intent": "<label>", "known": <true|false>}`

// Classify asks the provider for a label. It never refuses: a parse
// failure falls back to the generic intent rather than an error, so the
// caller always terminates with a result.
func (c *LLMClassifier) Classify(ctx context.Context, normalized string) (*LLMDecision, error) {
	if !c.IsAvailable() {
		return nil, ErrLLMUnavailable
	}
	if !c.limiter.Allow() {
		return nil, ErrLLMRateLimited
	}

	var sb strings.Builder
	sb.WriteString("Known taxonomy:\n")
	for _, opt := range c.taxonomy.Describe() {
		fmt.Fprintf(&sb, "- %s: %s\n", opt.Label, opt.Description)
	}
	fmt.Fprintf(&sb, "\nQuery: %q\n", normalized)

	raw, err := c.provider.Complete(ctx, llmSystemPrompt, sb.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}

	decision := parseLLMResponse(raw)
	decision.Novel = !c.taxonomy.Has(decision.Label)
	return decision, nil
}

// parseLLMResponse extracts the intent label from the model's reply.
// Models sometimes wrap JSON in prose or code fences; scan for the
// first JSON object before giving up.
func parseLLMResponse(raw string) *LLMDecision {
	type reply struct {
		Intent string `json:"intent"`
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		var r reply
		if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err == nil && r.Intent != "" {
			return &LLMDecision{Label: sanitizeLabel(r.Intent)}
		}
	}

	// Non-JSON reply: take the first token if it looks like a label.
	token := strings.TrimSpace(raw)
	if i := strings.IndexAny(token, " \n\t"); i > 0 {
		token = token[:i]
	}
	if token != "" && len(token) <= 64 {
		return &LLMDecision{Label: sanitizeLabel(token)}
	}
	return &LLMDecision{Label: FallbackIntent}
}

// sanitizeLabel lowercases and snake_cases a model-produced label.
func sanitizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.Trim(label, `"'.,`)
	label = strings.ReplaceAll(label, " ", "_")
	label = strings.ReplaceAll(label, "-", "_")
	if label == "" {
		return FallbackIntent
	}
	return label
}

// =============================================================================
// Anthropic provider
// =============================================================================

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a provider with the given API key and
// model name.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name implements LLMProvider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete implements LLMProvider.
func (p *AnthropicProvider) Complete(ctx context.Context, system, user string) (string, error) {
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in Anthropic response")
}

// =============================================================================
// OpenAI-compatible provider (Ollama default)
// =============================================================================

// OpenAIProvider calls any OpenAI-compatible /chat/completions
// endpoint. With Ollama's default base URL this needs no API key.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIProvider creates a provider against an OpenAI-compatible
// endpoint such as http://localhost:11434/v1.
func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  NewHTTPClient(30 * time.Second),
	}
}

// Name implements LLMProvider.
func (p *OpenAIProvider) Name() string { return "openai-compatible" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete implements LLMProvider.
func (p *OpenAIProvider) Complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := CheckResponse(resp, p.Name()); err != nil {
		return "", err
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("empty chat response")
	}
	return out.Choices[0].Message.Content, nil
}
