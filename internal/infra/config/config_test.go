package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskherd/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Orchestrator.MaxAgents != 5 {
		t.Errorf("max_agents = %d, want 5", cfg.Orchestrator.MaxAgents)
	}
	if cfg.Orchestrator.GracePeriod != "1s" {
		t.Errorf("grace_period = %q, want 1s", cfg.Orchestrator.GracePeriod)
	}
	if cfg.Worker.Binary != "claude" {
		t.Errorf("worker binary = %q, want claude", cfg.Worker.Binary)
	}
	if cfg.Storage.Provider != "sqlite" {
		t.Errorf("storage provider = %q, want sqlite", cfg.Storage.Provider)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Orchestrator.Grace() != time.Second {
		t.Errorf("grace = %s, want 1s", cfg.Orchestrator.Grace())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.MaxAgents != 5 {
		t.Errorf("max_agents = %d, want default 5", cfg.Orchestrator.MaxAgents)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskherd.yaml")
	data := `
orchestrator:
  max_agents: 3
  grace_period: 500ms
worker:
  binary: /usr/local/bin/claude
  default_model: sonnet
storage:
  provider: chromem
  path: /tmp/herd
embedding:
  provider: openai
  model: text-embedding-3-small
  dimensions: 1536
logger:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.MaxAgents != 3 {
		t.Errorf("max_agents = %d, want 3", cfg.Orchestrator.MaxAgents)
	}
	if cfg.Orchestrator.Grace() != 500*time.Millisecond {
		t.Errorf("grace = %s, want 500ms", cfg.Orchestrator.Grace())
	}
	if cfg.Worker.DefaultModel != "sonnet" {
		t.Errorf("default model = %q, want sonnet", cfg.Worker.DefaultModel)
	}
	if cfg.Storage.Provider != "chromem" {
		t.Errorf("storage provider = %q, want chromem", cfg.Storage.Provider)
	}
	if cfg.Embedding.Dimensions != 1536 {
		t.Errorf("dimensions = %d, want 1536", cfg.Embedding.Dimensions)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("orchestrator: ["), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if !errors.Is(err, domain.ErrConfigLoad) {
		t.Fatalf("err = %v, want ErrConfigLoad", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TASKHERD_MAX_AGENTS", "9")
	t.Setenv("TASKHERD_WORKER_BINARY", "/opt/claude")
	t.Setenv("TASKHERD_STORAGE_PROVIDER", "chromem")
	t.Setenv("TASKHERD_EMBEDDING_DIMENSIONS", "384")
	t.Setenv("TASKHERD_LOGGER_FORMAT", "json")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.MaxAgents != 9 {
		t.Errorf("max_agents = %d, want 9", cfg.Orchestrator.MaxAgents)
	}
	if cfg.Worker.Binary != "/opt/claude" {
		t.Errorf("worker binary = %q, want /opt/claude", cfg.Worker.Binary)
	}
	if cfg.Storage.Provider != "chromem" {
		t.Errorf("storage provider = %q, want chromem", cfg.Storage.Provider)
	}
	if cfg.Embedding.Dimensions != 384 {
		t.Errorf("dimensions = %d, want 384", cfg.Embedding.Dimensions)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("logger format = %q, want json", cfg.Logger.Format)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max agents", func(c *Config) { c.Orchestrator.MaxAgents = 0 }},
		{"bad grace period", func(c *Config) { c.Orchestrator.GracePeriod = "soon" }},
		{"negative grace period", func(c *Config) { c.Orchestrator.GracePeriod = "-1s" }},
		{"empty worker binary", func(c *Config) { c.Worker.Binary = "" }},
		{"unknown storage provider", func(c *Config) { c.Storage.Provider = "postgres" }},
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }},
		{"unknown embedding provider", func(c *Config) { c.Embedding.Provider = "bedrock" }},
		{"zero dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"unknown logger format", func(c *Config) { c.Logger.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := Validate(cfg); !errors.Is(err, domain.ErrConfigLoad) {
				t.Errorf("err = %v, want ErrConfigLoad", err)
			}
		})
	}
}

func TestWorkerEnv(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Provider = "chromem"
	cfg.Storage.Path = "/data/herd"
	cfg.Embedding.Model = "all-minilm"
	cfg.Embedding.Dimensions = 384

	env := cfg.WorkerEnv()
	want := map[string]string{
		"TASKHERD_STORAGE_PROVIDER":     "chromem",
		"TASKHERD_STORAGE_PATH":         "/data/herd",
		"TASKHERD_EMBEDDING_PROVIDER":   "ollama",
		"TASKHERD_EMBEDDING_MODEL":      "all-minilm",
		"TASKHERD_EMBEDDING_DIMENSIONS": "384",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%s] = %q, want %q", k, env[k], v)
		}
	}
}
