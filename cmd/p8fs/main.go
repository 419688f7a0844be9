// Command p8fs is the main entry point for the tenant-scoped content
// ingestion and dreaming pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/healer-ai/p8fs/internal/config"
	"github.com/healer-ai/p8fs/internal/dreaming"
	"github.com/healer-ai/p8fs/internal/health"
	"github.com/healer-ai/p8fs/internal/ingress"
	"github.com/healer-ai/p8fs/internal/observe"
	"github.com/healer-ai/p8fs/internal/parser"
	"github.com/healer-ai/p8fs/internal/queryexec"
	"github.com/healer-ai/p8fs/internal/storageworker"
	"github.com/healer-ai/p8fs/pkg/bus"
	"github.com/healer-ai/p8fs/pkg/bus/redisstreams"
	"github.com/healer-ai/p8fs/pkg/provider/embeddings"
	embeddingsollama "github.com/healer-ai/p8fs/pkg/provider/embeddings/ollama"
	embeddingsopenai "github.com/healer-ai/p8fs/pkg/provider/embeddings/openai"
	"github.com/healer-ai/p8fs/pkg/provider/llm"
	llmanyllm "github.com/healer-ai/p8fs/pkg/provider/llm/anyllm"
	llmopenai "github.com/healer-ai/p8fs/pkg/provider/llm/openai"
	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remstore/kv"
	"github.com/healer-ai/p8fs/pkg/remstore/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "p8fs: config file %q not found — pass -config with the path to a YAML configuration file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "p8fs: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("p8fs starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "p8fs"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, embedder, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if dim := embedder.Dimensions(); dim > 0 && dim != cfg.Store.EmbeddingDimensions {
		slog.Error("embedding provider dimension does not match store.embedding_dimensions",
			"provider_dimensions", dim, "store_dimensions", cfg.Store.EmbeddingDimensions)
		return 1
	}

	// ── Store ────────────────────────────────────────────────────────────
	pg, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN, cfg.Store.EmbeddingDimensions)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}
	defer pg.Close()

	kvStore, err := kv.NewStore(ctx, cfg.Bus.RedisURL)
	if err != nil {
		slog.Error("failed to connect to kv store", "err", err)
		return 1
	}
	defer kvStore.Close()

	store := remstore.Compose(pg, kvStore)

	// ── Bus ──────────────────────────────────────────────────────────────
	b, err := redisstreams.New(ctx, cfg.Bus.RedisURL, redisstreams.WithLogger(logger))
	if err != nil {
		slog.Error("failed to connect to message bus", "err", err)
		return 1
	}
	defer b.Close()

	// ── Ingress router (C2) ─────────────────────────────────────────────
	diag := ingress.NewMemoryDiagnosticSink(1000)
	router := ingress.New(b, diag, logger)

	// ── Storage workers (C3/C4), one pool per size tier ─────────────────
	objects, err := storageworker.NewS3ObjectStore(ctx, "p8fs-objects", "")
	if err != nil {
		slog.Error("failed to initialise object store", "err", err)
		return 1
	}

	parsers := parser.NewRegistry()
	parsers.Register("txt", parser.NewTextParser(parser.DefaultMaxChunkTokens))
	parsers.Register("md", parser.NewTextParser(parser.DefaultMaxChunkTokens))
	parsers.Register("pdf", &parser.StubParser{FormatName: "pdf"})
	parsers.Register("png", &parser.StubParser{FormatName: "png"})
	parsers.Register("jpg", &parser.StubParser{FormatName: "jpg"})

	workers := []*storageworker.Worker{
		storageworker.New(bus.TierSmall, b, objects, parsers, embedder, pg, kvStore, storageworker.WithLogger(logger)),
		storageworker.New(bus.TierMedium, b, objects, parsers, embedder, pg, kvStore, storageworker.WithLogger(logger)),
		storageworker.New(bus.TierLarge, b, objects, parsers, embedder, pg, kvStore, storageworker.WithLogger(logger)),
	}

	// ── Query executor (C6) ──────────────────────────────────────────────
	executor := queryexec.New(store, embedder, queryexec.WithLogger(logger))
	_ = executor // exposed to a transport in a future iteration; exercised directly by its own tests today

	// The dreaming scheduler mutates tenant graphs directly through store
	// rather than through executor, so its TRAVERSE adjacency cache would
	// otherwise keep serving stale neighbor sets after a cycle materializes
	// new moments and affinity edges. Invalidate every configured tenant on
	// the same cadence dreaming runs at.

	// ── Dreaming scheduler (C7) ──────────────────────────────────────────
	scheduler := dreaming.New(dreaming.Config{
		Store:             store,
		LLM:               llmProvider,
		Embedder:          embedder,
		Tenants:           cfg.Dreaming.Tenants,
		Interval:          time.Duration(cfg.Dreaming.IntervalSeconds) * time.Second,
		LookbackWindow:    time.Duration(cfg.Dreaming.LookbackWindowSeconds) * time.Second,
		SemanticThreshold: cfg.Dreaming.SemanticThreshold,
		MaxPairsPerRun:    cfg.Dreaming.MaxPairsPerRun,
		AffinityMode:      dreaming.AffinityMode(cfg.Dreaming.AffinityMode),
		BatchSize:         cfg.Dreaming.BatchSize,
	})

	// ── Health/readiness HTTP server ─────────────────────────────────────
	healthHandler := health.New(health.Checker{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			_, err := pg.Select(ctx, "healthcheck", remstore.SelectQuery{Table: "resources", Limit: 1})
			return err
		},
	})
	mux := http.NewServeMux()
	healthHandler.Register(mux)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	slog.Info("server ready — press Ctrl+C to shut down",
		"tenants", len(cfg.Dreaming.Tenants),
		"affinity_mode", cfg.Dreaming.AffinityMode,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return router.Run(groupCtx) })
	for _, w := range workers {
		w := w
		group.Go(func() error { return w.Run(groupCtx) })
	}
	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})

	scheduler.Start(groupCtx)

	dreamingInterval := time.Duration(cfg.Dreaming.IntervalSeconds) * time.Second
	group.Go(func() error {
		ticker := time.NewTicker(dreamingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				for _, tenantID := range cfg.Dreaming.Tenants {
					executor.InvalidateTenant(tenantID)
				}
			}
		}
	})

	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping…")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "err", err)
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ─────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with this binary. registerBuiltinProviders registers a factory for
// every name listed here.
var builtinProviders = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"embeddings": {"openai", "ollama"},
}

func registerBuiltinProviders(reg *config.Registry) {
	for _, name := range builtinProviders["llm"] {
		name := name
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			if name == "openai" {
				return llmopenai.New(entry.APIKey, entry.Model)
			}
			return llmanyllm.New(name, entry.Model)
		})
	}
	for _, name := range builtinProviders["embeddings"] {
		name := name
		reg.RegisterEmbeddings(name, func(entry config.ProviderEntry) (embeddings.Provider, error) {
			if name == "ollama" {
				return embeddingsollama.New(entry.BaseURL, entry.Model)
			}
			return embeddingsopenai.New(entry.APIKey, entry.Model)
		})
	}
}

// buildProviders instantiates the configured LLM and embeddings providers.
// An LLM provider is optional (only required when dreaming.affinity_mode is
// "llm", a constraint [config.Validate] already enforces); embeddings is
// always required since both ingestion and semantic dreaming depend on it.
func buildProviders(cfg *config.Config, reg *config.Registry) (llm.Provider, embeddings.Provider, error) {
	var llmProvider llm.Provider
	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		llmProvider = p
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	if cfg.Providers.Embeddings.Name == "" {
		return nil, nil, errors.New("providers.embeddings.name is required")
	}
	embedder, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return nil, nil, fmt.Errorf("create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name)

	return llmProvider, embedder, nil
}

// ── Logger ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
