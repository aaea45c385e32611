package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/PavelKucherenko/sf-ds50-course/config"
	"github.com/PavelKucherenko/sf-ds50-course/models"
	"github.com/PavelKucherenko/sf-ds50-course/pipeline"
	"github.com/PavelKucherenko/sf-ds50-course/scraper"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var configPath string

// flagKeys maps config keys to the flags that override them.
var flagKeys = map[string]string{
	"base_url":      "base-url",
	"input_file":    "input",
	"url_column":    "url-column",
	"batch_size":    "batch-size",
	"pause":         "pause",
	"parallelism":   "parallel",
	"timeout":       "timeout",
	"output_dir":    "output-dir",
	"output_prefix": "prefix",
	"output_format": "format",
	"sqlite_path":   "sqlite-path",
	"postgres_url":  "postgres-url",
	"cache_size":    "cache-size",
	"metrics_addr":  "metrics-addr",
	"verbose":       "verbose",
}

var rootCmd = &cobra.Command{
	Use:   "scraper",
	Short: "Batch scraper for hotel review pages",
	Long: `Reads page URLs from a CSV column, fetches them batch by batch with a shared
connection pool per batch, extracts rating tables and reviews, and writes one
output per batch with a pause between batches.

Values come from defaults, an optional --config file, SCRAPER_* environment
variables and flags, in increasing priority.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runScrape,
}

func init() {
	def := config.DefaultConfig()
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to a config file (yaml, json or toml)")
	flags.String("base-url", def.BaseURL, "Base URL that relative page paths are joined onto")
	flags.String("input", def.InputFile, "CSV file listing the pages to fetch")
	flags.String("url-column", def.URLColumn, "Input column holding the page path")
	flags.Int("batch-size", def.BatchSize, "URLs per batch")
	flags.Duration("pause", def.Pause, "Pause between batches")
	flags.Int("parallel", def.Parallelism, "Concurrent requests per batch (0 for unbounded)")
	flags.Duration("timeout", def.Timeout, "Per-request timeout")
	flags.String("output-dir", def.OutputDir, "Directory for batch files")
	flags.String("prefix", def.OutputPrefix, "Batch file name prefix")
	flags.String("format", def.OutputFormat, "Output format: csv, json, dual, sqlite or postgres")
	flags.String("sqlite-path", def.SQLitePath, "SQLite database file for --format sqlite")
	flags.String("postgres-url", def.PostgresURL, "PostgreSQL connection URL for --format postgres")
	flags.Int("cache-size", def.CacheSize, "URLs remembered per batch to fetch repeats once (0 disables)")
	flags.String("metrics-addr", def.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flags.BoolP("verbose", "v", def.Verbose, "Enable verbose logging")

	rootCmd.AddCommand(inspectCmd)
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	for key, name := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runScrape(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	urls, err := pipeline.LoadURLs(cfg.InputFile, cfg.URLColumn)
	if err != nil {
		return fmt.Errorf("load urls: %w", err)
	}

	runID := uuid.NewString()
	slog.Info("starting scrape",
		slog.String("run_id", runID),
		slog.String("base_url", cfg.BaseURL),
		slog.String("input", cfg.InputFile),
		slog.Int("urls", len(urls)),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Int("workers", cfg.Parallelism),
		slog.String("format", cfg.OutputFormat),
	)

	fetcher, err := scraper.NewFetcher(cfg)
	if err != nil {
		return fmt.Errorf("initialising fetcher: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing the current batch step")
	}()

	writer, err := createWriter(ctx, cfg, runID)
	if err != nil {
		return fmt.Errorf("creating writer: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	orchestrator, err := pipeline.NewOrchestrator(fetcher, writer, cfg,
		pipeline.WithRecorder(fetcher.Metrics),
		pipeline.WithRunID(runID),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(fetcher.Metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	var result *models.RunResult
	g.Go(func() error {
		defer shutdownMetrics(metricsServer)
		var runErr error
		result, runErr = orchestrator.Run(gctx, urls)
		return runErr
	})

	runErr := g.Wait()
	if result != nil {
		printSummary(cmd, result)
	}
	if runErr != nil {
		return fmt.Errorf("scraping failed: %w", runErr)
	}

	if err := writer.Validate(); err != nil {
		return fmt.Errorf("output validation failed: %w", err)
	}
	return nil
}

func createWriter(ctx context.Context, cfg *config.Config, runID string) (pipeline.OutputWriter, error) {
	switch cfg.OutputFormat {
	case config.FormatJSON:
		return pipeline.NewJSONWriter(cfg.OutputDir, cfg.OutputPrefix)
	case config.FormatCSV:
		return pipeline.NewCSVWriter(cfg.OutputDir, cfg.OutputPrefix)
	case config.FormatDual:
		return pipeline.NewDualWriter(cfg.OutputDir, cfg.OutputPrefix)
	case config.FormatSQLite:
		return pipeline.NewSQLiteWriter(cfg.SQLitePath, runID)
	case config.FormatPostgres:
		return pipeline.NewPostgresWriter(ctx, cfg.PostgresURL, runID)
	default:
		return nil, fmt.Errorf("unsupported format: %s", cfg.OutputFormat)
	}
}

func shutdownMetrics(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

func printSummary(cmd *cobra.Command, result *models.RunResult) {
	duration := result.EndTime.Sub(result.StartTime)
	pagesPerSec := 0.0
	if duration.Seconds() > 0 {
		pagesPerSec = float64(result.SuccessCount+result.FailureCount) / duration.Seconds()
	}
	successRate := 0.0
	if processed := result.SuccessCount + result.FailureCount; processed > 0 {
		successRate = float64(result.SuccessCount) / float64(processed) * 100
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetTitle("Scrape complete")
	t.AppendRows([]table.Row{
		{"Run ID", result.RunID},
		{"URLs", result.URLCount},
		{"Batches", result.BatchCount},
		{"Pages parsed", result.SuccessCount},
		{"Failed pages", result.FailureCount},
		{"Success rate", fmt.Sprintf("%.2f%%", successRate)},
		{"Reviews", result.ReviewCount},
		{"Repeated in batch", result.CacheHits},
		{"Duration", duration.Round(time.Millisecond)},
		{"Pages/sec", fmt.Sprintf("%.2f", pagesPerSec)},
	})

	if len(result.ErrorsByType) > 0 {
		types := make([]string, 0, len(result.ErrorsByType))
		for errorType := range result.ErrorsByType {
			types = append(types, errorType)
		}
		sort.Strings(types)
		t.AppendSeparator()
		for _, errorType := range types {
			t.AppendRow(table.Row{"Errors: " + errorType, result.ErrorsByType[errorType]})
		}
	}

	if len(result.Outputs) > 0 {
		t.AppendSeparator()
		for _, output := range result.Outputs {
			t.AppendRow(table.Row{"Output", output})
		}
	}

	t.SetStyle(table.StyleRounded)
	t.Render()
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
