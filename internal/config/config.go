package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/knowpipe/internal/logging"
)

// ProjectConfigName is the per-directory config file.
const ProjectConfigName = ".knowpipe.yaml"

// Config represents the complete knowpipe configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	DataDir    string           `yaml:"data_dir" json:"data_dir"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Retry      RetryConfig      `yaml:"retry" json:"retry"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Ingest     IngestConfig     `yaml:"ingest" json:"ingest"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Watch      WatchConfig      `yaml:"watch" json:"watch"`
	Logging    logging.Config   `yaml:"logging" json:"logging"`
}

// ChunkingConfig holds the default chunking options applied when an
// ingest request leaves them unset.
type ChunkingConfig struct {
	Strategy            string  `yaml:"strategy" json:"strategy"`
	ChunkSize           int     `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap        int     `yaml:"chunk_overlap" json:"chunk_overlap"`
	MinChunkSize        int     `yaml:"min_chunk_size" json:"min_chunk_size"`
	MaxDepth            int     `yaml:"max_depth" json:"max_depth"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	Tolerance           int     `yaml:"tolerance" json:"tolerance"`
	ContextExcerpt      int     `yaml:"context_excerpt" json:"context_excerpt"`
}

// EmbeddingsConfig configures the embedding provider and the gateway in
// front of it.
type EmbeddingsConfig struct {
	// Provider is "ollama", "static", or empty for auto-detection
	// (Ollama when reachable, otherwise static).
	Provider   string `yaml:"provider" json:"provider"`
	Model      string `yaml:"model" json:"model"`
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`
	// Dimensions of 0 means use the provider's native size.
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	BatchSize  int           `yaml:"batch_size" json:"batch_size"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	CacheSize  int           `yaml:"cache_size" json:"cache_size"`

	MaxInFlight       int     `yaml:"max_in_flight" json:"max_in_flight"`
	MaxQueueDepth     int     `yaml:"max_queue_depth" json:"max_queue_depth"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	CircuitMaxFailures int           `yaml:"circuit_max_failures" json:"circuit_max_failures"`
	CircuitReset       time.Duration `yaml:"circuit_reset" json:"circuit_reset"`
}

// RetryConfig is the shared retry policy for provider and store calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	Jitter       bool          `yaml:"jitter" json:"jitter"`
}

// StoreConfig configures the retrieval store.
type StoreConfig struct {
	// Path of the SQLite database. Empty means <data_dir>/knowpipe.db.
	Path string `yaml:"path" json:"path"`
	// KeywordBackend is "sqlite" (FTS5) or "bleve".
	KeywordBackend string `yaml:"keyword_backend" json:"keyword_backend"`
	BatchSize      int    `yaml:"batch_size" json:"batch_size"`
	HNSWM          int    `yaml:"hnsw_m" json:"hnsw_m"`
	HNSWEfSearch   int    `yaml:"hnsw_ef_search" json:"hnsw_ef_search"`
}

// CacheConfig configures the semantic query cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Threshold     float64       `yaml:"threshold" json:"threshold"`
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries    int           `yaml:"max_entries" json:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// IngestConfig configures the ingestion orchestrator.
type IngestConfig struct {
	Workers          int           `yaml:"workers" json:"workers"`
	QueueSize        int           `yaml:"queue_size" json:"queue_size"`
	Retention        time.Duration `yaml:"retention" json:"retention"`
	MaxDocumentBytes int64         `yaml:"max_document_bytes" json:"max_document_bytes"`
}

// SearchConfig holds search defaults.
type SearchConfig struct {
	K              int     `yaml:"k" json:"k"`
	ScoreThreshold float64 `yaml:"score_threshold" json:"score_threshold"`
	Mode           string  `yaml:"mode" json:"mode"`
	KeywordWeight  float64 `yaml:"keyword_weight" json:"keyword_weight"`
	MaxQueryLength int     `yaml:"max_query_length" json:"max_query_length"`
}

// ServerConfig configures the daemon.
type ServerConfig struct {
	// SocketPath of the JSON-RPC unix socket. Empty means <data_dir>/knowpipe.sock.
	SocketPath string `yaml:"socket_path" json:"socket_path"`
}

// WatchConfig configures directory watching for serve --watch.
type WatchConfig struct {
	Debounce   time.Duration `yaml:"debounce" json:"debounce"`
	Extensions []string      `yaml:"extensions" json:"extensions"`
}

// NewConfig creates a new Config with defaults.
func NewConfig() *Config {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}

	return &Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Chunking: ChunkingConfig{
			Strategy:            "recursive",
			ChunkSize:           1000,
			ChunkOverlap:        200,
			MinChunkSize:        100,
			MaxDepth:            8,
			SimilarityThreshold: 0.75,
			Tolerance:           10,
			ContextExcerpt:      100,
		},
		Embeddings: EmbeddingsConfig{
			Provider:           "",
			Model:              "nomic-embed-text",
			OllamaHost:         "http://localhost:11434",
			BatchSize:          32,
			Timeout:            30 * time.Second,
			CacheSize:          1000,
			MaxInFlight:        4,
			MaxQueueDepth:      64,
			CircuitMaxFailures: 5,
			CircuitReset:       30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     8 * time.Second,
			Multiplier:   2.0,
		},
		Store: StoreConfig{
			KeywordBackend: "sqlite",
			BatchSize:      100,
			HNSWM:          16,
			HNSWEfSearch:   50,
		},
		Cache: CacheConfig{
			Enabled:       true,
			Threshold:     0.95,
			TTL:           time.Hour,
			MaxEntries:    1000,
			SweepInterval: 5 * time.Minute,
		},
		Ingest: IngestConfig{
			Workers:          workers,
			QueueSize:        256,
			Retention:        time.Hour,
			MaxDocumentBytes: 50 << 20,
		},
		Search: SearchConfig{
			K:              5,
			ScoreThreshold: 0.7,
			Mode:           "hybrid",
			KeywordWeight:  0.3,
			MaxQueryLength: 2000,
		},
		Watch: WatchConfig{
			Debounce:   500 * time.Millisecond,
			Extensions: []string{".txt", ".md", ".markdown", ".pdf", ".docx"},
		},
		Logging: logging.DefaultConfig(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".knowpipe")
	}
	return filepath.Join(home, ".knowpipe")
}

// DBPath returns the effective SQLite path.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "knowpipe.db")
}

// SocketPath returns the effective daemon socket path.
func (c *Config) SocketPath() string {
	if c.Server.SocketPath != "" {
		return c.Server.SocketPath
	}
	return filepath.Join(c.DataDir, "knowpipe.sock")
}

// GetUserConfigPath returns the user configuration file path:
//   - $XDG_CONFIG_HOME/knowpipe/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/knowpipe/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "knowpipe", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "knowpipe", "config.yaml")
	}
	return filepath.Join(home, ".config", "knowpipe", "config.yaml")
}

// Load loads configuration for the given directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User config (~/.config/knowpipe/config.yaml)
//  3. Project config (.knowpipe.yaml in dir)
//  4. .env in dir (never overrides variables already set)
//  5. Environment variables (KNOWPIPE_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadYAMLIfExists(GetUserConfigPath()); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	}
	if dir != "" {
		if err := cfg.loadYAMLIfExists(filepath.Join(dir, ProjectConfigName)); err != nil {
			return nil, err
		}
		if err := loadDotEnv(filepath.Join(dir, ".env")); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAMLIfExists decodes path over c. Keys absent from the file keep
// their current values.
func (c *Config) loadYAMLIfExists(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies KNOWPIPE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KNOWPIPE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KNOWPIPE_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("KNOWPIPE_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("KNOWPIPE_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("KNOWPIPE_KEYWORD_BACKEND"); v != "" {
		c.Store.KeywordBackend = v
	}
	if v := os.Getenv("KNOWPIPE_CACHE_ENABLED"); v != "" {
		c.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("KNOWPIPE_INGEST_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Ingest.Workers = n
		}
	}
	if v := os.Getenv("KNOWPIPE_KEYWORD_WEIGHT"); v != "" {
		if w, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			c.Search.KeywordWeight = w
		}
	}
	if v := os.Getenv("KNOWPIPE_SOCKET"); v != "" {
		c.Server.SocketPath = v
	}
	if v := os.Getenv("KNOWPIPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	switch c.Chunking.Strategy {
	case "fixed-size", "recursive", "semantic":
	default:
		return fmt.Errorf("chunking.strategy must be 'fixed-size', 'recursive', or 'semantic', got %q", c.Chunking.Strategy)
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunking.chunk_overlap must be in [0, chunk_size), got %d", c.Chunking.ChunkOverlap)
	}
	if c.Chunking.SimilarityThreshold < 0 || c.Chunking.SimilarityThreshold > 1 {
		return fmt.Errorf("chunking.similarity_threshold must be between 0 and 1, got %f", c.Chunking.SimilarityThreshold)
	}

	switch strings.ToLower(c.Embeddings.Provider) {
	case "", "ollama", "static":
	default:
		return fmt.Errorf("embeddings.provider must be 'ollama', 'static', or empty (auto-detect), got %s", c.Embeddings.Provider)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}
	if c.Embeddings.MaxInFlight <= 0 {
		return fmt.Errorf("embeddings.max_in_flight must be positive, got %d", c.Embeddings.MaxInFlight)
	}
	if c.Embeddings.MaxQueueDepth < 0 {
		return fmt.Errorf("embeddings.max_queue_depth must be non-negative, got %d", c.Embeddings.MaxQueueDepth)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}

	switch c.Store.KeywordBackend {
	case "sqlite", "bleve":
	default:
		return fmt.Errorf("store.keyword_backend must be 'sqlite' or 'bleve', got %q", c.Store.KeywordBackend)
	}
	if c.Store.BatchSize <= 0 {
		return fmt.Errorf("store.batch_size must be positive, got %d", c.Store.BatchSize)
	}

	if c.Cache.Threshold <= 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("cache.threshold must be in (0, 1], got %f", c.Cache.Threshold)
	}

	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be positive, got %d", c.Ingest.QueueSize)
	}

	switch c.Search.Mode {
	case "semantic", "keyword", "hybrid":
	default:
		return fmt.Errorf("search.mode must be 'semantic', 'keyword', or 'hybrid', got %q", c.Search.Mode)
	}
	if c.Search.KeywordWeight < 0 || c.Search.KeywordWeight > 1 {
		return fmt.Errorf("search.keyword_weight must be between 0 and 1, got %f", c.Search.KeywordWeight)
	}
	if c.Search.K <= 0 {
		return fmt.Errorf("search.k must be positive, got %d", c.Search.K)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
