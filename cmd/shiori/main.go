// Package main is the Shiori CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/cache"
	"github.com/hyperjump/shiori/internal/cli"
	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/generator"
	"github.com/hyperjump/shiori/internal/indexer"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/search"
	"github.com/hyperjump/shiori/internal/server"
	"github.com/hyperjump/shiori/internal/source"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/watcher"
	"github.com/hyperjump/shiori/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/shiori/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory takes precedence, and when neither file exists the built-in defaults are used.
// Returns the config and the path that was actually loaded ("" for built-in defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg, err := builtinConfig(os.LookupEnv)
			return cfg, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func builtinConfig(lookup config.LookupFunc) (*config.Config, error) {
	cfg := &config.Config{}
	config.ApplyEnv(cfg, lookup)
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	config.DerivePaths(cfg)
	return cfg, nil
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer(os.Args[2:])
	case "ingest":
		runIngest(os.Args[2:], false)
	case "reindex":
		runIngest(os.Args[2:], true)
	case "search":
		runSearch(os.Args[2:])
	case "query":
		runQuery(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "cache":
		runCache(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("shiori version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath *string
	serverURL  *string
	output     *string
}

func addCommonFlags(fs *flag.FlagSet, serverDefault string) commonFlags {
	return commonFlags{
		configPath: fs.String("config", defaultConfigPath, "config file path"),
		serverURL:  fs.String("server", serverDefault, "server URL (empty = use direct storage)"),
		output:     fs.String("output", "text", "output format: text, compact, or json"),
	}
}

func (c commonFlags) format() cli.OutputFormat {
	f, err := cli.ParseFormat(*c.output)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return f
}

// mustConfig loads the config and a logger or exits.
func mustConfig(path string, debugFlag bool) (*config.Config, *zap.Logger) {
	cfg, resolved, err := loadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded",
		zap.String("config_path", resolved),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Bool("debug", debugMode),
	)
	return cfg, logger
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	cfg, logger := mustConfig(*configPath, *debug)
	defer logger.Sync()

	if cfg.Gops {
		if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
			logger.Warn("gops agent failed to start", zap.Error(err))
		}
	}

	ctx := context.Background()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	qc, err := cache.NewFromConfig(&cfg.Cache, logger)
	if err != nil {
		logger.Fatal("Failed to initialize query cache", zap.Error(err))
	}
	defer qc.Close()
	gen, err := generator.New(&cfg.Generator)
	if err != nil {
		logger.Fatal("Failed to initialize generator", zap.Error(err))
	}

	var watchSvc *watcher.Watcher
	if cfg.Watch.Enabled {
		svc := components.Service
		watchSvc = watcher.NewWatcher(cfg.Source.Path, cfg.Source.Extensions,
			func(ctx context.Context) error {
				report, err := svc.Reindex(ctx, cfg.Source.Path)
				if err != nil {
					return err
				}
				logger.Info("source changed, index rebuilt",
					zap.String("run_id", report.RunID),
					zap.Int("chunks", report.Indexed))
				return nil
			},
			watcher.WithLogger(logger),
			watcher.WithDebounce(cfg.Watch.Debounce()),
		)
		if err := watchSvc.Start(ctx); err != nil {
			logger.Warn("source watcher not started", zap.String("path", cfg.Source.Path), zap.Error(err))
			watchSvc = nil
		}
	}

	srv := server.NewServer(components.Service, qc, gen, components.Storage, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if watchSvc != nil {
		watchSvc.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}
}

func runIngest(args []string, rebuild bool) {
	name := "ingest"
	if rebuild {
		name = "reindex"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	flags := addCommonFlags(fs, "")
	_ = fs.Parse(args)
	format := flags.format()

	cfg, logger := mustConfig(*flags.configPath, false)
	defer logger.Sync()

	src := cfg.Source.Path
	if fs.NArg() > 0 {
		abs, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid source path: %v\n", err)
			os.Exit(1)
		}
		src = abs
	}

	var (
		report *models.IngestReport
		err    error
	)
	if *flags.serverURL != "" {
		report, err = ingestViaHTTP(*flags.serverURL, cfg.Server.APIKey, src, rebuild)
	} else {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		var components *Components
		components, err = initializeComponents(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize", zap.Error(err))
		}
		defer components.Close()
		if rebuild {
			report, err = components.Service.Reindex(ctx, src)
		} else {
			report, err = components.Service.RunIngestion(ctx, src)
		}
	}
	if report != nil {
		if werr := cli.WriteIngestReport(os.Stdout, report, format); werr != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", werr)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", strings.ToUpper(name[:1])+name[1:], err)
		os.Exit(1)
	}
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: shiori %s [flags] <query>\n\n", fs.Name())
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Results blend vector similarity and BM25 keyword relevance.
  • --alpha 1 ranks by vector similarity only, --alpha 0 by keyword relevance only.
  • --top-k limits the number of results (capped by search.max_top_k).

Examples:
  shiori %[1]s how do I reset my password
  shiori %[1]s --alpha 0.3 --top-k 3 "billing cycle"
`, fs.Name())
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// alphaFlag records whether --alpha was given so the configured default applies otherwise.
type alphaFlag struct {
	value *float64
}

func (a *alphaFlag) String() string {
	if a.value == nil {
		return ""
	}
	return strconv.FormatFloat(*a.value, 'g', -1, 64)
}

func (a *alphaFlag) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid alpha %q", s)
	}
	a.value = &v
	return nil
}

// parseSearchArgs parses the flags shared by search and query.
func parseSearchArgs(fs *flag.FlagSet, args []string) (commonFlags, *models.SearchQuery) {
	flags := addCommonFlags(fs, defaultServerURL)
	topK := fs.Int("top-k", 0, "number of results (0 = search.default_top_k)")
	var alpha alphaFlag
	fs.Var(&alpha, "alpha", "weight of vector similarity in [0, 1] (default search.alpha)")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(args))

	q := buildSearchQuery(fs.Args())
	if q == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	return flags, &models.SearchQuery{Query: q, TopK: *topK, Alpha: alpha.value}
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	flags, query := parseSearchArgs(fs, args)
	format := flags.format()

	var (
		response *models.SearchResponse
		err      error
	)
	if *flags.serverURL != "" {
		// The server holds the published snapshot; searching through it sees in-flight checkpoints.
		response, err = searchViaHTTP(*flags.serverURL, query)
	} else {
		cfg, logger := mustConfig(*flags.configPath, false)
		defer logger.Sync()
		ctx := context.Background()
		var components *Components
		components, err = initializeComponents(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize", zap.Error(err))
		}
		defer components.Close()
		response, err = components.Service.Search(ctx, query)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	flags, query := parseSearchArgs(fs, args)
	format := flags.format()
	req := &models.QueryRequest{SearchQuery: *query}

	var (
		response *models.QueryResponse
		err      error
	)
	if *flags.serverURL != "" {
		response, err = queryViaHTTP(*flags.serverURL, req)
	} else {
		cfg, logger := mustConfig(*flags.configPath, false)
		defer logger.Sync()
		ctx := context.Background()
		var components *Components
		components, err = initializeComponents(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize", zap.Error(err))
		}
		defer components.Close()
		response, err = answerDirect(ctx, cfg, components.Service, req)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteAnswer(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// answerDirect answers without a server and without the query cache.
func answerDirect(ctx context.Context, cfg *config.Config, svc *search.Service, req *models.QueryRequest) (*models.QueryResponse, error) {
	gen, err := generator.New(&cfg.Generator)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Search(ctx, &req.SearchQuery)
	if err != nil {
		return nil, err
	}
	answer, err := gen.Generate(ctx, req.Query, generator.ChunksOf(resp.Results), req.MaxTokens)
	if err != nil {
		return &models.QueryResponse{
			Error:        "Generation failed",
			FallbackDocs: generator.Fallback(resp.Results, cfg.Generator.FallbackDocs),
		}, nil
	}
	return &models.QueryResponse{Answer: answer, Sources: models.SourcesFrom(resp.Results)}, nil
}

// statusOrder is the text output order of status fields.
var statusOrder = []string{
	"chunks", "served_chunks", "index_present", "ingest_state", "cache_enabled",
	"snapshot_taken", "disk_usage", "last_run", "config",
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	flags := addCommonFlags(fs, defaultServerURL)
	_ = fs.Parse(args)
	format := flags.format()

	var status map[string]any
	if *flags.serverURL != "" {
		res, err := statusViaHTTP(*flags.serverURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		status = res
	} else {
		cfg, logger := mustConfig(*flags.configPath, false)
		defer logger.Sync()
		res, err := localStatus(context.Background(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		status = res
	}
	if err := cli.WriteStatus(os.Stdout, status, statusOrder, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// localStatus reads counts and run history straight from the chunk store.
func localStatus(ctx context.Context, cfg *config.Config) (map[string]any, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	chunks, err := store.CountChunks(ctx)
	if err != nil {
		return nil, err
	}
	status := map[string]any{
		"chunks":        chunks,
		"index_present": fileExists(cfg.Storage.VectorIndexPath),
	}
	if runs, err := store.ListRuns(ctx, 1); err == nil && len(runs) > 0 {
		status["last_run"] = runs[0]
	}
	st := cfg.Storage
	if usage, err := storage.DiskUsage(st.DatabasePath, st.VectorIndexPath, st.MetadataPath); err == nil {
		status["disk_usage"] = usage
	}
	status["config"] = map[string]any{
		"embedding_provider": cfg.Embedding.Provider,
		"chunk_size":         cfg.Ingest.ChunkSize,
		"chunk_overlap":      cfg.Ingest.ChunkOverlap,
		"alpha":              cfg.Search.Alpha,
		"cache_backend":      cfg.Cache.Backend,
		"generator_provider": cfg.Generator.Provider,
	}
	return status, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func runCache(args []string) {
	if len(args) < 1 || args[0] != "clear" {
		fmt.Println("Usage: shiori cache clear [flags]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("cache clear", flag.ExitOnError)
	flags := addCommonFlags(fs, "")
	_ = fs.Parse(args[1:])

	cfg, logger := mustConfig(*flags.configPath, false)
	defer logger.Sync()

	var (
		removed int
		err     error
	)
	if *flags.serverURL != "" {
		removed, err = clearCacheViaHTTP(*flags.serverURL, cfg.Server.APIKey)
	} else {
		var qc *cache.QueryCache
		qc, err = cache.NewFromConfig(&cfg.Cache, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open cache: %v\n", err)
			os.Exit(1)
		}
		defer qc.Close()
		removed, err = qc.Clear(context.Background())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cache clear failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed %d cached answer(s)\n", removed)
}

// Components holds initialized services.
type Components struct {
	Storage  storage.Storage
	Embedder embedding.Embedder
	Service  *search.Service
}

// Close releases the store and the embedder.
func (c *Components) Close() {
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	embedder, err := embedding.New(&cfg.Embedding)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	logger.Info("embedder initialized",
		zap.String("provider", cfg.Embedding.Provider),
		zap.Int("dimensions", embedder.Dimensions()))

	loader := source.NewLoader(cfg.Source.Extensions, source.WithLogger(logger))
	svc := search.NewService(store, embedder, loader,
		indexer.PipelineConfigFrom(cfg), search.OptionsFrom(cfg),
		search.WithLogger(logger))
	c := &Components{Storage: store, Embedder: embedder, Service: svc}
	if err := svc.Reload(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	return c, nil
}

func printUsage() {
	fmt.Println(`shiori - Document ingestion and hybrid retrieval engine

Usage:
  shiori server [flags]             Start the HTTP server
  shiori ingest [flags] [source]    Append a source to the index
  shiori reindex [flags] [source]   Wipe the index and ingest the source again
  shiori search [flags] <query>     Hybrid search over indexed chunks
  shiori query [flags] <question>   Answer a question from retrieved chunks
  shiori status [flags]             Show index, storage and cache status
  shiori cache clear [flags]        Delete every cached answer
  shiori version                    Show version
  shiori help                       Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/shiori/config.yaml, or ./config.yaml if present)
  --server string    Server URL. search, query and status default to http://localhost:8080;
                     ingest, reindex and cache clear default to "" (direct storage access).
  --output string    Output format: text, compact, or json (default: text)

Server Flags:
  --debug            Enable debug logging

Search / Query Flags:
  --top-k int        Number of results (default: search.default_top_k)
  --alpha float      Weight of vector similarity in [0, 1] (default: search.alpha)

Examples:
  shiori server
  shiori ingest ./knowledge.txt
  shiori reindex --server http://localhost:8080
  shiori search "reset password"
  shiori search --alpha 0.3 --output json billing cycle
  shiori query --server "" how do refunds work
  shiori status --output json
  shiori cache clear`)
}
