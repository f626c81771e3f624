package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Logging     LoggingConfig   `toml:"logging"`
	Crawler     CrawlerConfig   `toml:"crawler"`
	Store       StoreConfig     `toml:"store"`
	Search      SearchConfig    `toml:"search"`
	LLM         LLMConfig       `toml:"llm"`
	Publisher   PublisherConfig `toml:"publisher"`
	WordPress   WordPressConfig `toml:"wordpress"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// CrawlerConfig contains crawl engine configuration
type CrawlerConfig struct {
	SpoolDir           string        `toml:"spool_dir"`            // Root for shared-state persistence
	UserAgent          string        `toml:"user_agent"`           // Fixed identifier advertised on every request
	RequestTimeout     time.Duration `toml:"request_timeout"`      // Upstream request ceiling
	JobTimeout         time.Duration `toml:"job_timeout"`          // Wall-clock bound per job execution
	JavaScriptWaitTime time.Duration `toml:"javascript_wait_time"` // Time to wait for JavaScript to render
	UserWorkers        int           `toml:"user_workers"`         // Worker count for the user pool
	UserMaxConcurrent  int           `toml:"user_max_concurrent"`  // Upper bound on user pool resize
	AutoWorkers        int           `toml:"auto_workers"`         // Worker count for the background pool
	AutoEnabled        bool          `toml:"auto_enabled"`         // Enable the background pool + auto-crawl loop
	SourcesFile        string        `toml:"sources_file"`         // YAML catalog of auto-crawl source categories
}

// StoreConfig contains result store and shard spill configuration
type StoreConfig struct {
	TrainDir      string        `toml:"train_dir"`       // Root for shard files
	MaxMemory     int64         `toml:"max_memory"`      // Hard byte budget for the in-memory store
	FlushInterval time.Duration `toml:"flush_interval"`  // Periodic buffer-to-shard flush interval
	BufferMaxSize int           `toml:"buffer_max_size"` // Records that trigger an immediate flush
	RetentionDays int           `toml:"retention_days"`  // Age past which shards are archived
}

// SearchConfig contains search behavior configuration
type SearchConfig struct {
	MaxScanDocs int `toml:"max_scan_docs"` // Hard safety cap on scanned candidates
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	LLMProviderOllama LLMProvider = "ollama"
	LLMProviderClaude LLMProvider = "claude"
	LLMProviderGemini LLMProvider = "gemini"
)

// LLMConfig contains unified configuration for all AI providers
type LLMConfig struct {
	DefaultProvider LLMProvider   `toml:"default_provider"` // "ollama" (default), "claude" or "gemini"
	SummaryModel    string        `toml:"summary_model"`    // Model used by the publisher for article generation
	OllamaModel     string        `toml:"ollama_model"`     // Model used for relevance fusion
	OllamaURL       string        `toml:"ollama_url"`       // Base URL of the local Ollama daemon
	OllamaTimeout   time.Duration `toml:"ollama_timeout"`   // Ceiling on a single relevance call
	ClaudeAPIKey    string        `toml:"claude_api_key"`
	GeminiAPIKey    string        `toml:"gemini_api_key"`
	Temperature     float32       `toml:"temperature"` // Completion temperature (default: 0.7)
}

// PublisherConfig contains article publication configuration
type PublisherConfig struct {
	Enabled         bool          `toml:"enabled"`
	Interval        time.Duration `toml:"interval"`           // Tick interval between publication runs
	MinScore        float64       `toml:"min_score"`          // Minimum stored score to consider
	MaxPostsPerHour int           `toml:"max_posts_per_hour"` // Per-run post cap
	FreshnessDays   int           `toml:"freshness_days"`     // Candidate age window
}

// WordPressConfig binds the external poster collaborator
type WordPressConfig struct {
	URL        string `toml:"url"`
	User       string `toml:"user"`
	Password   string `toml:"password"`
	CategoryID int    `toml:"category_id"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings belong in forager.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Crawler: CrawlerConfig{
			SpoolDir:           "./data/spool",
			UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			RequestTimeout:     30 * time.Second,
			JobTimeout:         300 * time.Second,
			JavaScriptWaitTime: 3 * time.Second,
			UserWorkers:        4,
			UserMaxConcurrent:  8,
			AutoWorkers:        2,
			AutoEnabled:        true,
			SourcesFile:        "./sources.yaml",
		},
		Store: StoreConfig{
			TrainDir:      "./data/train",
			MaxMemory:     256 * 1024 * 1024, // 256MB
			FlushInterval: time.Hour,
			BufferMaxSize: 1000,
			RetentionDays: 7,
		},
		Search: SearchConfig{
			MaxScanDocs: 10_000,
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderOllama,
			SummaryModel:    "llama3.1:8b",
			OllamaModel:     "llama3.1:8b",
			OllamaURL:       "http://127.0.0.1:11434",
			OllamaTimeout:   60 * time.Second,
			Temperature:     0.7,
		},
		Publisher: PublisherConfig{
			Enabled:         false, // User must configure a poster first
			Interval:        time.Hour,
			MinScore:        0.6,
			MaxPostsPerHour: 3,
			FreshnessDays:   3,
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier
// files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate enforces the ranges the crawl engine depends on.
func (c *Config) Validate() error {
	v := validator.New()
	type bounds struct {
		MaxMemory     int64   `validate:"min=1048576"`
		BufferMaxSize int     `validate:"min=1"`
		RetentionDays int     `validate:"min=1"`
		MaxScanDocs   int     `validate:"min=1"`
		MinScore      float64 `validate:"min=0,max=1"`
		UserWorkers   int     `validate:"min=1"`
	}
	return v.Struct(bounds{
		MaxMemory:     c.Store.MaxMemory,
		BufferMaxSize: c.Store.BufferMaxSize,
		RetentionDays: c.Store.RetentionDays,
		MaxScanDocs:   c.Search.MaxScanDocs,
		MinScore:      c.Publisher.MinScore,
		UserWorkers:   c.Crawler.UserWorkers,
	})
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FORAGER_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if level := os.Getenv("FORAGER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if dir := os.Getenv("FORAGER_SPOOL_DIR"); dir != "" {
		config.Crawler.SpoolDir = dir
	}
	if dir := os.Getenv("FORAGER_TRAIN_DIR"); dir != "" {
		config.Store.TrainDir = dir
	}
	if mem := os.Getenv("FORAGER_MAX_MEMORY"); mem != "" {
		if m, err := strconv.ParseInt(mem, 10, 64); err == nil && m > 0 {
			config.Store.MaxMemory = m
		}
	}
	if workers := os.Getenv("FORAGER_USER_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil && w > 0 {
			config.Crawler.UserWorkers = w
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && config.LLM.ClaudeAPIKey == "" {
		config.LLM.ClaudeAPIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && config.LLM.GeminiAPIKey == "" {
		config.LLM.GeminiAPIKey = key
	}
	if url := os.Getenv("OLLAMA_HOST"); url != "" {
		config.LLM.OllamaURL = url
	}
	if wp := os.Getenv("FORAGER_WORDPRESS_URL"); wp != "" {
		config.WordPress.URL = wp
	}
	if user := os.Getenv("FORAGER_WORDPRESS_USER"); user != "" {
		config.WordPress.User = user
	}
	if pass := os.Getenv("FORAGER_WORDPRESS_PASSWORD"); pass != "" {
		config.WordPress.Password = pass
	}
}
