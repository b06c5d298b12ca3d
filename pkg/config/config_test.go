package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg == nil {
		t.Fatal("NewDefaultConfig returned nil")
	}

	if cfg.THigh <= 0 || cfg.THigh > 1 {
		t.Errorf("THigh should be between 0 and 1, got %f", cfg.THigh)
	}
	if cfg.TMid <= 0 || cfg.TMid >= cfg.THigh {
		t.Errorf("TMid should sit below THigh, got %f >= %f", cfg.TMid, cfg.THigh)
	}
	if cfg.SimilarityMin >= cfg.SimilarityAccept {
		t.Errorf("SimilarityMin %f should sit below SimilarityAccept %f",
			cfg.SimilarityMin, cfg.SimilarityAccept)
	}
	if cfg.BufferThreshold <= 0 {
		t.Errorf("BufferThreshold should be positive, got %d", cfg.BufferThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestNewLocalConfig(t *testing.T) {
	cfg := NewLocalConfig()
	if cfg == nil {
		t.Fatal("NewLocalConfig returned nil")
	}

	if cfg.LLMProvider != ProviderOllama {
		t.Errorf("Expected Ollama provider, got %s", cfg.LLMProvider)
	}
	if cfg.LLMBaseURL != "http://localhost:11434/v1" {
		t.Errorf("Expected local Ollama URL, got %s", cfg.LLMBaseURL)
	}
	if cfg.Embedder != EmbedderOllama {
		t.Errorf("Expected Ollama embedder, got %s", cfg.Embedder)
	}
}

func TestNewOfflineConfig(t *testing.T) {
	cfg := NewOfflineConfig()
	if cfg == nil {
		t.Fatal("NewOfflineConfig returned nil")
	}

	if cfg.LLMProvider != ProviderNone {
		t.Errorf("Offline config should disable the LLM, got %s", cfg.LLMProvider)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("Offline config should not use Redis, got %q", cfg.RedisAddr)
	}
	if cfg.Store != StoreNone {
		t.Errorf("Offline config should not use a store, got %s", cfg.Store)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("offline config should validate, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	_ = os.Setenv("INTENTD_LISTEN_ADDR", ":9999")
	_ = os.Setenv("INTENTD_T_HIGH", "0.9")
	_ = os.Setenv("INTENTD_BUFFER_THRESHOLD", "25")
	defer func() {
		_ = os.Unsetenv("INTENTD_LISTEN_ADDR")
		_ = os.Unsetenv("INTENTD_T_HIGH")
		_ = os.Unsetenv("INTENTD_BUFFER_THRESHOLD")
	}()

	cfg := NewDefaultConfig()
	if cfg.ListenAddr != ":9999" {
		t.Errorf("Expected env listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.THigh != 0.9 {
		t.Errorf("Expected env THigh 0.9, got %f", cfg.THigh)
	}
	if cfg.BufferThreshold != 25 {
		t.Errorf("Expected env buffer threshold 25, got %d", cfg.BufferThreshold)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intentd.yaml")
	content := []byte("listen_addr: \":7070\"\ncache_ttl: 10m\nt_high: 0.85\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("Expected file listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.CacheTTL != 10*time.Minute {
		t.Errorf("Expected 10m cache TTL, got %s", cfg.CacheTTL)
	}
	if cfg.THigh != 0.85 {
		t.Errorf("Expected THigh 0.85, got %f", cfg.THigh)
	}
}

func TestLoadFile_UnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intentd.yaml")
	if err := os.WriteFile(path, []byte("listne_addr: \":7070\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := cfg.LoadFile(path); err == nil {
		t.Error("Expected error for unknown config key")
	}
}

func TestValidate_BadBands(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.TMid = cfg.THigh
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation failure when t_mid >= t_high")
	}

	cfg = NewDefaultConfig()
	cfg.SimilarityMin = cfg.SimilarityAccept + 0.1
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation failure when similarity_min >= similarity_accept")
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		val, min, max, expected int
	}{
		{5, 0, 10, 5},   // Within range
		{-1, 0, 10, 0},  // Below min
		{15, 0, 10, 10}, // Above max
		{0, 0, 10, 0},   // At min
		{10, 0, 10, 10}, // At max
	}

	for _, tt := range tests {
		result := clampInt(tt.val, tt.min, tt.max)
		if result != tt.expected {
			t.Errorf("clampInt(%d, %d, %d) = %d, want %d",
				tt.val, tt.min, tt.max, result, tt.expected)
		}
	}
}

func TestGetEnvInt(t *testing.T) {
	_ = os.Setenv("TEST_INT_VAR", "42")
	defer func() { _ = os.Unsetenv("TEST_INT_VAR") }()

	result := GetEnvInt("TEST_INT_VAR", 10)
	if result != 42 {
		t.Errorf("Expected 42, got %d", result)
	}

	result = GetEnvInt("NON_EXISTENT_VAR_XYZ", 100)
	if result != 100 {
		t.Errorf("Expected default 100, got %d", result)
	}

	_ = os.Setenv("INVALID_INT_VAR", "not-a-number")
	defer func() { _ = os.Unsetenv("INVALID_INT_VAR") }()

	result = GetEnvInt("INVALID_INT_VAR", 50)
	if result != 50 {
		t.Errorf("Expected default 50 for invalid int, got %d", result)
	}
}

func TestGetEnvDuration(t *testing.T) {
	_ = os.Setenv("TEST_DUR_VAR", "90s")
	defer func() { _ = os.Unsetenv("TEST_DUR_VAR") }()

	if d := GetEnvDuration("TEST_DUR_VAR", time.Minute); d != 90*time.Second {
		t.Errorf("Expected 90s, got %s", d)
	}
	if d := GetEnvDuration("NON_EXISTENT_DUR_XYZ", time.Minute); d != time.Minute {
		t.Errorf("Expected default 1m, got %s", d)
	}
}

func TestProviderConstants(t *testing.T) {
	providers := []LLMProvider{
		ProviderNone,
		ProviderOllama,
		ProviderOpenAI,
		ProviderAnthropic,
		ProviderCustom,
	}

	for _, p := range providers {
		if p == "" {
			t.Error("Provider constant should not be empty")
		}
	}
}
