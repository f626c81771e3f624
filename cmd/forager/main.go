package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/models"
	"github.com/ternarybob/forager/internal/services/crawler"
	"github.com/ternarybob/forager/internal/services/llm"
	"github.com/ternarybob/forager/internal/services/publisher"
	"github.com/ternarybob/forager/internal/services/search"
	"github.com/ternarybob/forager/internal/services/ssrf"
	"github.com/ternarybob/forager/internal/services/state"
	"github.com/ternarybob/forager/internal/services/store"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

// stringList collects comma-separated values across repeated flags
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			*s = append(*s, v)
		}
	}
	return nil
}

var (
	// Command-line flags
	configFiles  configPaths
	seedFlags    stringList
	keywordFlags stringList
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	// Global state
	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
	flag.Var(&seedFlags, "seed", "Seed URL for an immediate high-priority crawl (repeatable, comma-separated)")
	flag.Var(&keywordFlags, "keyword", "Keyword for the immediate crawl (repeatable, comma-separated)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Forager version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Initialize logger
	// 3. Print banner
	// 4. Wire services
	var err error

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("forager.toml"); err == nil {
			configFiles = append(configFiles, "forager.toml")
		}
	}

	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		// Use temporary logger for startup errors
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("log_level", config.Logging.Level).
		Str("spool_dir", config.Crawler.SpoolDir).
		Str("train_dir", config.Store.TrainDir).
		Msg("Application configuration loaded")

	app, err := newApp(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
	}

	if err := app.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start application")
	}

	// One-off crawl requested on the command line
	if len(seedFlags) > 0 {
		job := models.NewCrawlJob(keywordFlags, seedFlags, "user")
		job.Priority = models.PriorityHigh
		if _, err := app.userManager.CreateJob(context.Background(), job); err != nil {
			logger.Error().Err(err).Msg("Failed to create crawl job from flags")
		} else {
			logger.Info().Str("job_id", job.ID).Int("seeds", len(job.Seeds)).Msg("Crawl job submitted")
		}
	}

	logger.Info().Msg("Forager running - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, shutting down")
	app.Stop()
	logger.Info().Msg("Forager stopped")
}

// app bundles the wired service graph
type app struct {
	config *common.Config
	logger arbor.ILogger

	sharedState *state.SharedState
	resultStore *store.ResultStore
	shardWriter *store.ShardWriter
	browserPool *crawler.BrowserPool

	userManager    *crawler.Manager
	defaultManager *crawler.Manager
	searcher       *search.Searcher
	publisher      *publisher.Publisher
}

// newApp wires the shared substrate and both crawl managers.
func newApp(cfg *common.Config, logger arbor.ILogger) (*app, error) {
	sharedState := state.New(filepath.Join(cfg.Crawler.SpoolDir, state.FileName), logger)

	shardWriter, err := store.NewShardWriter(cfg.Store.TrainDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize shard writer: %w", err)
	}

	resultStore := store.NewResultStore(cfg.Store.MaxMemory, cfg.Store.BufferMaxSize, logger)
	hosts := crawler.NewHostCoordinator(logger)
	guard := ssrf.NewGuard(logger)
	metrics := models.NewCrawlMetrics()

	llmService, err := llm.NewLLMService(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM service: %w", err)
	}
	scorer := crawler.NewScorer(llmService, cfg.LLM.OllamaModel, logger)

	fetcherConfig := crawler.FetcherConfig{
		MaxInstances:       cfg.Crawler.UserWorkers,
		UserAgent:          cfg.Crawler.UserAgent,
		Headless:           true,
		NoSandbox:          true,
		JavaScriptWaitTime: cfg.Crawler.JavaScriptWaitTime,
		RequestTimeout:     cfg.Crawler.RequestTimeout,
	}
	browserPool := crawler.NewBrowserPool(fetcherConfig, logger)
	fetcher := crawler.NewFetcher(browserPool, fetcherConfig, logger)

	catalog := loadCatalog(cfg, logger)

	userManager := crawler.NewManager(crawler.ManagerOptions{
		Name:        "user",
		Config:      cfg,
		SharedState: sharedState,
		ResultStore: resultStore,
		ShardWriter: shardWriter,
		Hosts:       hosts,
		Fetcher:     fetcher,
		Scorer:      scorer,
		Guard:       guard,
		Metrics:     metrics,
		Logger:      logger,
	})
	defaultManager := crawler.NewManager(crawler.ManagerOptions{
		Name:        crawler.DefaultManagerName,
		Config:      cfg,
		SharedState: sharedState,
		ResultStore: resultStore,
		ShardWriter: shardWriter,
		Hosts:       hosts,
		Fetcher:     fetcher,
		Scorer:      scorer,
		Guard:       guard,
		Metrics:     metrics,
		Catalog:     catalog,
		Logger:      logger,
	})

	searcher := search.NewSearcher(resultStore, shardWriter, cfg.Search.MaxScanDocs, logger)

	a := &app{
		config:         cfg,
		logger:         logger,
		sharedState:    sharedState,
		resultStore:    resultStore,
		shardWriter:    shardWriter,
		browserPool:    browserPool,
		userManager:    userManager,
		defaultManager: defaultManager,
		searcher:       searcher,
	}

	// The concrete poster is deployment-specific; the publisher only runs
	// once one is wired in
	if cfg.Publisher.Enabled {
		logger.Warn().Msg("Publisher enabled in config but no poster is wired; publication is inactive")
	}
	return a, nil
}

// loadCatalog reads the configured source file, falling back to the
// built-in categories when it is absent.
func loadCatalog(cfg *common.Config, logger arbor.ILogger) *crawler.SourceCatalog {
	path := cfg.Crawler.SourcesFile
	if path == "" {
		return crawler.DefaultSourceCatalog()
	}
	catalog, err := crawler.LoadSourceCatalog(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info().Str("path", path).Msg("No source catalog file, using built-in categories")
		} else {
			logger.Warn().Err(err).Str("path", path).Msg("Source catalog unreadable, using built-in categories")
		}
		return crawler.DefaultSourceCatalog()
	}
	logger.Info().Str("path", path).Int("categories", len(catalog.Categories)).Msg("Source catalog loaded")
	return catalog
}

// Start brings up the browser pool and both worker pools.
func (a *app) Start() error {
	if err := a.browserPool.Init(); err != nil {
		return fmt.Errorf("browser pool failed to start: %w", err)
	}

	if err := a.userManager.Start(a.config.Crawler.UserWorkers); err != nil {
		return fmt.Errorf("user manager failed to start: %w", err)
	}
	if a.config.Crawler.AutoEnabled {
		if err := a.defaultManager.Start(a.config.Crawler.AutoWorkers); err != nil {
			return fmt.Errorf("default manager failed to start: %w", err)
		}
	}
	if a.publisher != nil {
		a.publisher.Start()
	}
	return nil
}

// Stop shuts the pipeline down in dependency order: producers first, then
// the flush path, then the browsers.
func (a *app) Stop() {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	a.userManager.Stop()
	if a.config.Crawler.AutoEnabled {
		a.defaultManager.Stop()
	}
	a.browserPool.Close()
}
