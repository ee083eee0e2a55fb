// Command parlance runs the Parlance realtime relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parlance-dev/parlance/internal/chat"
	"github.com/parlance-dev/parlance/internal/config"
	"github.com/parlance-dev/parlance/internal/docstore"
	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/internal/resilience"
	"github.com/parlance-dev/parlance/internal/server"
	"github.com/parlance-dev/parlance/pkg/provider/embeddings"
	"github.com/parlance-dev/parlance/pkg/provider/llm"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parlance: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parlance: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parlance starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parlance",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.DefaultRegistry()

	llmProvider, embedder, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Document store ────────────────────────────────────────────────────────
	var docs server.DocumentStore
	var searcher chat.Searcher = emptySearcher{}
	if dsn := cfg.Memory.PostgresDSN; dsn != "" && embedder != nil {
		store, err := docstore.New(ctx, dsn, embedder)
		if err != nil {
			slog.Error("failed to connect document store", "err", err)
			return 1
		}
		defer store.Close()
		docs = store
		searcher = store
		slog.Info("document store connected", "dimensions", embedder.Dimensions())
	}

	// ── Chat service ──────────────────────────────────────────────────────────
	var chatSvc *chat.Service
	if llmProvider != nil {
		// A circuit breaker in front of the model keeps chat failing fast
		// while the backend is down instead of piling up slow requests.
		guarded := resilience.NewLLMFallback(llmProvider, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		chatSvc = chat.NewService(guarded, searcher, chat.WithLogger(logger))
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	printStartupSummary(cfg, llmProvider, embedder, docs != nil)

	srv := server.New(cfg, chatSvc, docs, server.WithLogger(logger))

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the LLM and embeddings providers named in cfg.
// An unset provider slot yields nil; the corresponding endpoints answer 503.
func buildProviders(cfg *config.Config, reg *config.Registry) (llm.Provider, embeddings.Provider, error) {
	var llmProvider llm.Provider
	var embedder embeddings.Provider

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown llm provider — chat disabled", "name", name)
		} else if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			llmProvider = p
			slog.Info("provider created", "kind", "llm", "name", name, "model", p.ModelID())
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown embeddings provider — document search disabled", "name", name)
		} else if err != nil {
			return nil, nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			embedder = p
			slog.Info("provider created", "kind", "embeddings", "name", name, "model", p.ModelID())
		}
	}

	return llmProvider, embedder, nil
}

// emptySearcher serves chat without a document store: no excerpts, the model
// answers from the conversation alone.
type emptySearcher struct{}

func (emptySearcher) Search(context.Context, string) (string, error) { return "", nil }

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, llmProvider llm.Provider, embedder embeddings.Provider, docsConnected bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Parlance — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	backend := string(cfg.Backend.Provider)
	if cfg.Backend.Provider == config.BackendAzure {
		backend += " / " + cfg.Backend.Deployment
	} else if cfg.Backend.Model != "" {
		backend += " / " + cfg.Backend.Model
	}
	fmt.Printf("║  Realtime backend: %-19s║\n", trunc(backend, 19))
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model, llmProvider != nil)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model, embedder != nil)
	if docsConnected {
		fmt.Printf("║  Document store  : %-19s║\n", "connected")
	} else {
		fmt.Printf("║  Document store  : %-19s║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s║\n", trunc(cfg.Server.ListenAddr, 19))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string, created bool) {
	value := name
	if value == "" || !created {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-16s: %-19s║\n", kind, trunc(value, 19))
}

func trunc(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// ── Logging ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
