package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopmind/intentd/pkg/config"
	"github.com/shopmind/intentd/pkg/intent"
	"github.com/shopmind/intentd/pkg/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		profile    = flag.String("profile", "default", "config profile: default, local, offline")
	)
	flag.Parse()

	var cfg *config.Config
	switch *profile {
	case "local":
		cfg = config.NewLocalConfig()
	case "offline":
		cfg = config.NewOfflineConfig()
	default:
		cfg = config.NewDefaultConfig()
	}
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			log.Fatalf("[main] %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid configuration: %v", err)
	}

	ctx := context.Background()

	// Every external dependency degrades rather than aborting startup:
	// the pipeline always comes up, with fewer layers if it must.
	embedder := buildEmbedder(cfg)
	cache := buildCache(ctx, cfg)
	store := buildStore(ctx, cfg)
	taxonomy := buildTaxonomy(cfg)
	patterns := buildPatterns(cfg)

	metrics := intent.NewMetrics()
	buffer := intent.NewLearningBuffer(cfg.BufferThreshold, cfg.BufferCapacity, store)
	if err := buffer.LoadPersisted(ctx); err != nil {
		log.Printf("[main] could not restore learning buffer: %v", err)
	}

	var classifier *intent.FewShotClassifier
	var matcher *intent.Matcher
	var trainer *intent.Trainer
	if embedder != nil {
		classifier = intent.NewFewShotClassifier(embedder)
		trainer = intent.NewTrainer(embedder, taxonomy, classifier, buffer, store, metrics, intent.TrainerConfig{
			MinValidationScore:     cfg.MinValidationScore,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			KeepVersions:           cfg.KeepVersions,
			Schedule:               cfg.RetrainSchedule,
		})
		restoreOrBootstrap(ctx, store, classifier, trainer)

		var err error
		matcher, err = intent.NewMatcher(embedder, taxonomy, cfg.CentroidPath)
		if err != nil {
			log.Printf("[main] similarity matcher disabled: %v", err)
		} else if err := matcher.Rebuild(ctx); err != nil {
			log.Printf("[main] similarity matcher disabled, centroid build failed: %v", err)
			matcher = nil
		}
	} else {
		log.Printf("[main] no embedder available, fast model and similarity layers disabled")
	}

	llm := buildLLM(cfg, taxonomy)

	svc := intent.NewService(intent.Deps{
		Taxonomy:   taxonomy,
		Patterns:   patterns,
		Cache:      cache,
		Classifier: classifier,
		Matcher:    matcher,
		LLM:        llm,
		Buffer:     buffer,
		Trainer:    trainer,
		Metrics:    metrics,
	}, intent.ServiceOptions{
		CacheTTL:   cfg.CacheTTL,
		SessionTTL: cfg.SessionTTL,
		Thresholds: intent.Thresholds{
			High:              cfg.THigh,
			Mid:               cfg.TMid,
			PatternConfidence: cfg.PatternConfidence,
			SimilarityAccept:  cfg.SimilarityAccept,
			SimilarityMin:     cfg.SimilarityMin,
			Confirmed:         cfg.Confirmed,
		},
	})
	if err := svc.Start(); err != nil {
		log.Fatalf("[main] failed to start pipeline: %v", err)
	}

	srv := server.New(svc)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("[main] received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("[main] server stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] shutdown error: %v", err)
	}
	svc.Close()

	if cache != nil {
		_ = cache.Close()
	}
	if store != nil {
		_ = store.Close()
	}
	if closer, ok := embedder.(interface{ Close() error }); ok && closer != nil {
		_ = closer.Close()
	}
	log.Printf("[main] bye")
}

// buildEmbedder prefers the local ONNX model, falls back to Ollama,
// and returns nil when neither can serve.
func buildEmbedder(cfg *config.Config) intent.EmbeddingProvider {
	switch cfg.Embedder {
	case config.EmbedderNone:
		return nil
	case config.EmbedderOllama:
		return intent.NewOllamaEmbedder(cfg.OllamaEmbedModel, cfg.OllamaBaseURL)
	}

	if cfg.AutoDownloadModel && !intent.EmbeddingModelExists(cfg.EmbeddingModelPath) {
		dlCtx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		if err := intent.EnsureEmbeddingModel(dlCtx, cfg.EmbeddingModelPath); err != nil {
			log.Printf("[main] embedding model download failed: %v", err)
		}
		cancel()
	}

	local, err := intent.NewLocalEmbedder(intent.LocalEmbedderConfig{
		ModelPath:       cfg.EmbeddingModelPath,
		OnnxLibraryPath: cfg.OnnxLibraryPath,
	})
	if err == nil {
		return local
	}
	log.Printf("[main] local embedder unavailable, trying Ollama: %v", err)

	if cfg.OllamaBaseURL != "" {
		return intent.NewOllamaEmbedder(cfg.OllamaEmbedModel, cfg.OllamaBaseURL)
	}
	return nil
}

// buildCache prefers Redis, degrading to the in-process LRU.
func buildCache(ctx context.Context, cfg *config.Config) intent.ResultCache {
	if cfg.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		cache, err := intent.NewRedisCache(pingCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err == nil {
			log.Printf("[main] result cache: redis at %s", cfg.RedisAddr)
			return cache
		}
		log.Printf("[main] redis unreachable, using in-process cache: %v", err)
	}
	return intent.NewMemoryCache(cfg.MemoryCacheSize)
}

// buildStore opens the configured persistence backend; nil disables
// model and buffer persistence.
func buildStore(ctx context.Context, cfg *config.Config) intent.Store {
	switch cfg.Store {
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			log.Printf("[main] persistence disabled, cannot create data dir: %v", err)
			return nil
		}
		store, err := intent.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.Printf("[main] persistence disabled: %v", err)
			return nil
		}
		log.Printf("[main] store: sqlite at %s", cfg.SQLitePath)
		return store
	case config.StorePostgres:
		store, err := intent.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Printf("[main] persistence disabled: %v", err)
			return nil
		}
		log.Printf("[main] store: postgres")
		return store
	}
	return nil
}

func buildTaxonomy(cfg *config.Config) *intent.Taxonomy {
	if cfg.TaxonomyPath != "" {
		t, err := intent.LoadTaxonomyFile(cfg.TaxonomyPath)
		if err == nil {
			return t
		}
		log.Printf("[main] falling back to built-in taxonomy: %v", err)
	}
	return intent.DefaultTaxonomy()
}

func buildPatterns(cfg *config.Config) *intent.PatternMatcher {
	if cfg.PatternsPath != "" {
		m, err := intent.LoadPatternFile(cfg.PatternsPath)
		if err == nil {
			return m
		}
		log.Printf("[main] falling back to built-in pattern rules: %v", err)
	}
	m, err := intent.NewPatternMatcher(intent.DefaultRules())
	if err != nil {
		// Built-in rules are compile-time constants; this cannot happen
		// unless they are edited badly.
		log.Printf("[main] pattern layer disabled: %v", err)
		return nil
	}
	return m
}

// restoreOrBootstrap loads the persisted active model, or trains the
// first one from the canonical taxonomy examples.
func restoreOrBootstrap(ctx context.Context, store intent.Store, classifier *intent.FewShotClassifier, trainer *intent.Trainer) {
	if store != nil {
		model, err := store.LoadActiveModel(ctx)
		if err != nil {
			log.Printf("[main] could not restore model, will bootstrap: %v", err)
		} else if model != nil {
			classifier.Publish(model)
			return
		}
	}

	bootCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := trainer.Bootstrap(bootCtx); err != nil {
		log.Printf("[main] bootstrap failed, fast model disabled until first retrain: %v", err)
	}
}

func buildLLM(cfg *config.Config, taxonomy *intent.Taxonomy) *intent.LLMClassifier {
	var provider intent.LLMProvider
	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		key := cfg.LLMAPIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			log.Printf("[main] llm fallback disabled: no Anthropic API key")
			return nil
		}
		provider = intent.NewAnthropicProvider(key, cfg.LLMModel)
	case config.ProviderOpenAI, config.ProviderOllama, config.ProviderCustom:
		baseURL := cfg.LLMBaseURL
		if baseURL == "" {
			log.Printf("[main] llm fallback disabled: no base URL for %s", cfg.LLMProvider)
			return nil
		}
		provider = intent.NewOpenAIProvider(baseURL, cfg.LLMAPIKey, cfg.LLMModel)
	default:
		return nil
	}

	log.Printf("[main] llm fallback: %s (%s), %d calls/min", cfg.LLMProvider, cfg.LLMModel, cfg.LLMCallsPerMinute)
	return intent.NewLLMClassifier(provider, taxonomy, cfg.LLMCallsPerMinute, cfg.LLMBurst)
}
