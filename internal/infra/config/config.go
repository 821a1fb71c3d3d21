package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"taskherd/internal/domain"
)

// Config is the top-level application configuration. It is read once at
// startup; nothing re-reads it per call.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Worker       WorkerConfig       `yaml:"worker"`
	Storage      StorageConfig      `yaml:"storage"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Server       ServerConfig       `yaml:"server"`
}

// OrchestratorConfig holds the lifecycle-core settings.
type OrchestratorConfig struct {
	// MaxAgents is the concurrent-agent ceiling. Spawns beyond it are
	// rejected, never queued.
	MaxAgents int `yaml:"max_agents"`
	// GracePeriod is the delay between the graceful termination signal and
	// the forced kill, as a duration string (default "1s").
	GracePeriod string `yaml:"grace_period"`
	// TempDir is where per-agent side-channel config files are written.
	// Empty = a fresh directory under os.TempDir() at startup.
	TempDir string `yaml:"temp_dir"`

	gracePeriod time.Duration
}

// Grace returns the parsed grace period.
func (c OrchestratorConfig) Grace() time.Duration { return c.gracePeriod }

// WorkerConfig describes the external worker program.
type WorkerConfig struct {
	// Binary is the worker executable (default "claude").
	Binary string `yaml:"binary"`
	// DefaultModel is used when a spawn request does not name a model.
	DefaultModel string `yaml:"default_model"`
	// Env holds process-wide environment overrides applied to every worker,
	// before any per-agent overrides.
	Env map[string]string `yaml:"env,omitempty"`
}

// StorageConfig selects the shared memory backend. These fields are also
// propagated into every worker's environment so parent and workers observe
// the same store.
type StorageConfig struct {
	Provider string `yaml:"provider"` // "sqlite" or "chromem"
	Path     string `yaml:"path"`
}

// EmbeddingConfig selects the embedding provider for the shared store.
// Also propagated to workers.
type EmbeddingConfig struct {
	Provider   string  `yaml:"provider"` // "ollama" or "openai"
	Model      string  `yaml:"model"`
	Dimensions int     `yaml:"dimensions"`
	BaseURL    string  `yaml:"base_url,omitempty"`
	APIKeyEnv  string  `yaml:"api_key_env,omitempty"` // env var holding the key; never the key itself
	RateLimit  float64 `yaml:"rate_limit,omitempty"`  // requests per second; 0 = unlimited
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// ServerConfig identifies the MCP server to clients.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Defaults returns a Config with all defaults applied.
func Defaults() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxAgents:   5,
			GracePeriod: "1s",
		},
		Worker: WorkerConfig{
			Binary: "claude",
		},
		Storage: StorageConfig{
			Provider: "sqlite",
			Path:     "taskherd.db",
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Server: ServerConfig{
			Name:    "taskherd",
			Version: "0.1.0",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfigLoad, path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigLoad, path, err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps TASKHERD_* env vars to config fields. The storage
// and embedding keys intentionally match the names propagated into worker
// environments so a worker reads them the same way its parent does.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKHERD_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxAgents = n
		}
	}
	if v := os.Getenv("TASKHERD_GRACE_PERIOD"); v != "" {
		cfg.Orchestrator.GracePeriod = v
	}
	if v := os.Getenv("TASKHERD_TEMP_DIR"); v != "" {
		cfg.Orchestrator.TempDir = v
	}
	if v := os.Getenv("TASKHERD_WORKER_BINARY"); v != "" {
		cfg.Worker.Binary = v
	}
	if v := os.Getenv("TASKHERD_WORKER_MODEL"); v != "" {
		cfg.Worker.DefaultModel = v
	}
	if v := os.Getenv("TASKHERD_STORAGE_PROVIDER"); v != "" {
		cfg.Storage.Provider = v
	}
	if v := os.Getenv("TASKHERD_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TASKHERD_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("TASKHERD_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("TASKHERD_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("TASKHERD_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("TASKHERD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("TASKHERD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("TASKHERD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("TASKHERD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// Validate checks cross-field constraints and parses duration strings.
func Validate(cfg *Config) error {
	if cfg.Orchestrator.MaxAgents <= 0 {
		return fmt.Errorf("%w: orchestrator.max_agents must be positive, got %d",
			domain.ErrConfigLoad, cfg.Orchestrator.MaxAgents)
	}
	grace, err := time.ParseDuration(cfg.Orchestrator.GracePeriod)
	if err != nil {
		return fmt.Errorf("%w: orchestrator.grace_period %q: %v",
			domain.ErrConfigLoad, cfg.Orchestrator.GracePeriod, err)
	}
	if grace <= 0 {
		return fmt.Errorf("%w: orchestrator.grace_period must be positive", domain.ErrConfigLoad)
	}
	cfg.Orchestrator.gracePeriod = grace

	if cfg.Worker.Binary == "" {
		return fmt.Errorf("%w: worker.binary must not be empty", domain.ErrConfigLoad)
	}

	switch cfg.Storage.Provider {
	case "sqlite", "chromem":
	default:
		return fmt.Errorf("%w: storage.provider %q (want sqlite or chromem)",
			domain.ErrConfigLoad, cfg.Storage.Provider)
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path must not be empty", domain.ErrConfigLoad)
	}

	switch cfg.Embedding.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("%w: embedding.provider %q (want ollama or openai)",
			domain.ErrConfigLoad, cfg.Embedding.Provider)
	}
	if cfg.Embedding.Dimensions <= 0 {
		return fmt.Errorf("%w: embedding.dimensions must be positive", domain.ErrConfigLoad)
	}

	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logger.format %q (want text or json)",
			domain.ErrConfigLoad, cfg.Logger.Format)
	}
	return nil
}

// WorkerEnv returns the key/value pairs that must be propagated to every
// spawned worker so all workers and the parent observe the same shared store.
func (c *Config) WorkerEnv() map[string]string {
	return map[string]string{
		"TASKHERD_STORAGE_PROVIDER":     c.Storage.Provider,
		"TASKHERD_STORAGE_PATH":         c.Storage.Path,
		"TASKHERD_EMBEDDING_PROVIDER":   c.Embedding.Provider,
		"TASKHERD_EMBEDDING_MODEL":      c.Embedding.Model,
		"TASKHERD_EMBEDDING_DIMENSIONS": strconv.Itoa(c.Embedding.Dimensions),
	}
}
