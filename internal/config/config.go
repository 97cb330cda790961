// Package config loads storyloom configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rcliao/storyloom/internal/embedding"
	"github.com/rcliao/storyloom/internal/llm"
	"github.com/rcliao/storyloom/internal/session"
	"github.com/rcliao/storyloom/internal/syncmgr"
)

// Config holds all application configuration.
type Config struct {
	DBPath      string
	CallTimeout time.Duration
	RolesFile   string

	Embed      EmbedConfig
	Completion CompletionConfig
	Sync       SyncConfig
	Retrieval  RetrievalConfig
	Server     ServerConfig
	Log        LogConfig
}

// EmbedConfig selects the embedding collaborator.
type EmbedConfig struct {
	Provider  string
	Model     string
	URL       string
	APIKey    string
	Dims      int
	CacheSize int
}

// CompletionConfig selects the completion collaborator.
type CompletionConfig struct {
	Provider string
	Model    string
	URL      string
	APIKey   string
}

// SyncConfig tunes replication to the remote authority. An empty RemoteURL
// keeps the cache local-only.
type SyncConfig struct {
	RemoteURL      string
	Interval       time.Duration
	BatchSize      int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// RetrievalConfig tunes prompt context assembly.
type RetrievalConfig struct {
	K               int
	HistoryTurns    int
	RecencyFallback bool
}

// ServerConfig configures the authority server.
type ServerConfig struct {
	Addr   string
	DBPath string
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".storyloom")

	completion := CompletionConfig{
		Provider: getEnv("STORYLOOM_COMPLETION_PROVIDER", llm.ProviderOpenAI),
		Model:    getEnv("STORYLOOM_COMPLETION_MODEL", ""),
		URL:      getEnv("STORYLOOM_COMPLETION_URL", ""),
	}
	switch completion.Provider {
	case llm.ProviderAnthropic:
		completion.APIKey = getEnv("ANTHROPIC_API_KEY", "")
	default:
		completion.APIKey = getEnv("DEEPSEEK_API_KEY", getEnv("OPENAI_API_KEY", ""))
	}

	cfg := &Config{
		DBPath:      getEnv("STORYLOOM_DB", filepath.Join(dataDir, "storyloom.db")),
		CallTimeout: getEnvDuration("STORYLOOM_CALL_TIMEOUT", 30*time.Second),
		RolesFile:   getEnv("STORYLOOM_ROLES_FILE", ""),
		Embed: EmbedConfig{
			Provider:  getEnv("STORYLOOM_EMBED_PROVIDER", "hash"),
			Model:     getEnv("STORYLOOM_EMBED_MODEL", ""),
			URL:       getEnv("STORYLOOM_EMBED_URL", ""),
			APIKey:    getEnv("OPENAI_API_KEY", ""),
			Dims:      getEnvInt("STORYLOOM_EMBED_DIMS", 384),
			CacheSize: getEnvInt("STORYLOOM_EMBED_CACHE", 1024),
		},
		Completion: completion,
		Sync: SyncConfig{
			RemoteURL:      getEnv("STORYLOOM_REMOTE_URL", ""),
			Interval:       getEnvDuration("STORYLOOM_SYNC_INTERVAL", 30*time.Second),
			BatchSize:      getEnvInt("STORYLOOM_SYNC_BATCH", 64),
			MaxAttempts:    getEnvInt("STORYLOOM_SYNC_MAX_ATTEMPTS", 8),
			BackoffInitial: getEnvDuration("STORYLOOM_SYNC_BACKOFF_INITIAL", 500*time.Millisecond),
			BackoffMax:     getEnvDuration("STORYLOOM_SYNC_BACKOFF_MAX", 5*time.Minute),
		},
		Retrieval: RetrievalConfig{
			K:               getEnvInt("STORYLOOM_RETRIEVE_K", 8),
			HistoryTurns:    getEnvInt("STORYLOOM_HISTORY_TURNS", 12),
			RecencyFallback: getEnvBool("STORYLOOM_RECENCY_FALLBACK", false),
		},
		Server: ServerConfig{
			Addr:   getEnv("STORYLOOM_SERVER_ADDR", ":8787"),
			DBPath: getEnv("STORYLOOM_SERVER_DB", filepath.Join(dataDir, "authority.db")),
		},
		Log: LogConfig{
			Level:  getEnv("STORYLOOM_LOG_LEVEL", "info"),
			Format: getEnv("STORYLOOM_LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("STORYLOOM_DB cannot be empty")
	}
	if c.Embed.Dims <= 0 {
		return fmt.Errorf("STORYLOOM_EMBED_DIMS must be > 0")
	}
	switch c.Embed.Provider {
	case "hash", "openai", "ollama":
	default:
		return fmt.Errorf("STORYLOOM_EMBED_PROVIDER must be hash, openai or ollama, got %q", c.Embed.Provider)
	}
	switch c.Completion.Provider {
	case llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderNone:
	default:
		return fmt.Errorf("STORYLOOM_COMPLETION_PROVIDER must be openai, anthropic or none, got %q", c.Completion.Provider)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("STORYLOOM_SYNC_BATCH must be > 0")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("STORYLOOM_SYNC_MAX_ATTEMPTS must be > 0")
	}
	if c.Sync.BackoffInitial <= 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return fmt.Errorf("sync backoff must satisfy 0 < initial <= max")
	}
	if c.Sync.Interval <= 0 || c.CallTimeout <= 0 {
		return fmt.Errorf("STORYLOOM_SYNC_INTERVAL and STORYLOOM_CALL_TIMEOUT must be > 0")
	}
	if c.Retrieval.K <= 0 || c.Retrieval.HistoryTurns <= 0 {
		return fmt.Errorf("STORYLOOM_RETRIEVE_K and STORYLOOM_HISTORY_TURNS must be > 0")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("STORYLOOM_LOG_FORMAT must be text or json")
	}
	return nil
}

// EmbeddingConfig returns the embedding factory settings.
func (c *Config) EmbeddingConfig() embedding.Config {
	return embedding.Config{
		Provider:  c.Embed.Provider,
		Model:     c.Embed.Model,
		BaseURL:   c.Embed.URL,
		APIKey:    c.Embed.APIKey,
		Dims:      c.Embed.Dims,
		CacheSize: c.Embed.CacheSize,
	}
}

// CompletionConfig returns the completion factory settings.
func (c *Config) CompletionConfig() llm.Config {
	return llm.Config{
		Provider:   c.Completion.Provider,
		Model:      c.Completion.Model,
		BaseURL:    c.Completion.URL,
		APIKey:     c.Completion.APIKey,
		MaxRetries: 2,
	}
}

// SyncManagerConfig returns the sync manager settings.
func (c *Config) SyncManagerConfig() syncmgr.Config {
	backoff := syncmgr.DefaultBackoff()
	backoff.Initial, backoff.Max = c.Sync.BackoffInitial, c.Sync.BackoffMax
	return syncmgr.Config{
		BatchSize:   c.Sync.BatchSize,
		MaxAttempts: c.Sync.MaxAttempts,
		Backoff:     backoff,
		Interval:    c.Sync.Interval,
		CallTimeout: c.CallTimeout,
	}
}

// SessionConfig returns the orchestrator settings.
func (c *Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.RetrieveK = c.Retrieval.K
	cfg.HistoryTurns = c.Retrieval.HistoryTurns
	cfg.CallTimeout = c.CallTimeout
	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
