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

	"taskherd/internal/adapter/embedding"
	mcpadapter "taskherd/internal/adapter/mcp"
	"taskherd/internal/adapter/memory"
	"taskherd/internal/domain"
	"taskherd/internal/infra/config"
	"taskherd/internal/infra/logger"
	"taskherd/internal/infra/tracer"
	"taskherd/internal/usecase/orchestrator"
)

func main() {
	configPath := flag.String("config", "taskherd.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	store, err := buildMemoryStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("memory store ready", "provider", store.Name(), "path", cfg.Storage.Path)

	orch, err := orchestrator.New(cfg, log)
	if err != nil {
		return err
	}

	srv := mcpadapter.NewServer(mcpadapter.ServerConfig{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, orch, log)

	log.Info("taskherd starting",
		"max_agents", cfg.Orchestrator.MaxAgents,
		"worker", cfg.Worker.Binary,
		"storage", cfg.Storage.Provider)

	serveErr := srv.ServeStdio(ctx)

	// Teardown: kill every still-running agent before exiting.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orch.Stop(stopCtx)

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

// buildMemoryStore assembles the shared store the orchestrator and every
// worker point at: embedding provider, resilience decorators, then the
// selected backend.
func buildMemoryStore(cfg *config.Config, log *slog.Logger) (domain.MemoryStore, error) {
	embedder := buildEmbedder(cfg)
	embedder = embedding.NewBreaker(embedder, embedding.BreakerConfig{}, log)
	if cfg.Embedding.RateLimit > 0 {
		embedder = embedding.NewRateLimited(embedder, cfg.Embedding.RateLimit, 1)
	}

	switch cfg.Storage.Provider {
	case "chromem":
		return memory.NewChromemStore(cfg.Storage.Path, embedder, log)
	default:
		return memory.NewSQLiteStore(cfg.Storage.Path, embedder, log)
	}
}

func buildEmbedder(cfg *config.Config) domain.EmbeddingProvider {
	ec := cfg.Embedding
	switch ec.Provider {
	case "openai":
		apiKey := ""
		if ec.APIKeyEnv != "" {
			apiKey = os.Getenv(ec.APIKeyEnv)
		}
		var opts []embedding.OpenAIOption
		if ec.BaseURL != "" {
			opts = append(opts, embedding.WithOpenAIBaseURL(ec.BaseURL))
		}
		return embedding.NewOpenAI(apiKey, ec.Model, ec.Dimensions, opts...)
	default:
		var opts []embedding.OllamaOption
		if ec.BaseURL != "" {
			opts = append(opts, embedding.WithOllamaBaseURL(ec.BaseURL))
		}
		return embedding.NewOllama(ec.Model, ec.Dimensions, opts...)
	}
}
