package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopmind/intentd/pkg/intent"
)

func testService(t *testing.T) *intent.Service {
	t.Helper()

	taxonomy := intent.NewTaxonomy()
	if err := taxonomy.Register(&intent.Intent{
		Label:       "greeting",
		Description: "Greetings",
		Examples:    []string{"hello"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := taxonomy.Register(&intent.Intent{
		Label:       intent.FallbackIntent,
		Description: "Everything else",
	}); err != nil {
		t.Fatal(err)
	}

	patterns, err := intent.NewPatternMatcher([]intent.Rule{
		{Kind: intent.RuleLiteral, Expr: "hello", Intent: "greeting"},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc := intent.NewService(intent.Deps{
		Taxonomy: taxonomy,
		Patterns: patterns,
		Cache:    intent.NewMemoryCache(100),
	}, intent.ServiceOptions{CacheTTL: time.Minute})
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func postJSON(t *testing.T, srv *Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("bad response body %q: %v", data, err)
	}
	return out
}

func TestClassifyEndpoint(t *testing.T) {
	srv := New(testService(t))

	resp := postJSON(t, srv, "/v1/classify", intent.Request{Text: "Hello!"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	result := decodeBody[intent.Result](t, resp)
	if result.Intent != "greeting" || result.Method != intent.MethodPattern {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestClassifyEndpoint_EmptyText(t *testing.T) {
	srv := New(testService(t))

	resp := postJSON(t, srv, "/v1/classify", intent.Request{Text: ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty text, got %d", resp.StatusCode)
	}
}

func TestResolveEndpoint_UnknownSession(t *testing.T) {
	srv := New(testService(t))

	resp := postJSON(t, srv, "/v1/resolve", map[string]any{
		"session_id": "no-such-session",
		"option":     0,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestResolveEndpoint_MissingID(t *testing.T) {
	srv := New(testService(t))

	resp := postJSON(t, srv, "/v1/resolve", map[string]any{"option": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing session_id, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	svc := testService(t)
	srv := New(svc)

	// Generate a little traffic first.
	resp := postJSON(t, srv, "/v1/classify", intent.Request{Text: "hello"})
	_ = resp.Body.Close()

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	snap := decodeBody[intent.Snapshot](t, resp)
	if snap.Requests != 1 || snap.ByMethod["pattern"] != 1 {
		t.Errorf("unexpected metrics %+v", snap)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := New(testService(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatal(err)
	}
	health := decodeBody[healthResponse](t, resp)
	if health.Status != "ok" {
		t.Errorf("expected ok, got %q", health.Status)
	}
	if !health.Layers[intent.LayerPatterns] {
		t.Errorf("patterns layer should be enabled: %+v", health.Layers)
	}
}

func TestThresholdsEndpoint(t *testing.T) {
	svc := testService(t)
	srv := New(svc)

	good := intent.DefaultThresholds()
	good.High = 0.9
	req := httptest.NewRequest(http.MethodPut, "/v1/admin/thresholds", mustJSON(t, good))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if svc.Thresholds().High != 0.9 {
		t.Errorf("threshold update not applied: %+v", svc.Thresholds())
	}

	bad := intent.DefaultThresholds()
	bad.Mid = bad.High
	req = httptest.NewRequest(http.MethodPut, "/v1/admin/thresholds", mustJSON(t, bad))
	req.Header.Set("Content-Type", "application/json")
	resp, err = srv.App().Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid bands, got %d", resp.StatusCode)
	}
}

func TestLayersEndpoint(t *testing.T) {
	svc := testService(t)
	srv := New(svc)

	resp := postJSON(t, srv, "/v1/admin/layers", layerRequest{Layer: intent.LayerPatterns, Enabled: false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if svc.LayerStates()[intent.LayerPatterns] {
		t.Error("layer should be disabled")
	}

	resp = postJSON(t, srv, "/v1/admin/layers", layerRequest{Layer: "bogus", Enabled: true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown layer, got %d", resp.StatusCode)
	}
}

func TestRetrainEndpoint_NoTrainer(t *testing.T) {
	srv := New(testService(t))

	resp := postJSON(t, srv, "/v1/admin/retrain", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 without a trainer, got %d", resp.StatusCode)
	}
}

func TestAddPatternEndpoint(t *testing.T) {
	svc := testService(t)
	srv := New(svc)

	resp := postJSON(t, srv, "/v1/admin/patterns", intent.Rule{
		Kind: intent.RuleSubstring, Expr: "good day", Intent: "greeting",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	classify := postJSON(t, srv, "/v1/classify", intent.Request{Text: "good day to you"})
	result := decodeBody[intent.Result](t, classify)
	if result.Intent != "greeting" {
		t.Errorf("new rule not applied: %+v", result)
	}

	// Rules must target known intents.
	resp = postJSON(t, srv, "/v1/admin/patterns", intent.Rule{
		Kind: intent.RuleLiteral, Expr: "x", Intent: "nonexistent",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown intent, got %d", resp.StatusCode)
	}
}

func mustJSON(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(data)
}
