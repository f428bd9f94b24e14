package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pwr-usr/argos-scraper/backoff"
	"github.com/pwr-usr/argos-scraper/config"
	"github.com/pwr-usr/argos-scraper/fetch"
	"github.com/pwr-usr/argos-scraper/input"
	"github.com/pwr-usr/argos-scraper/models"
	"github.com/pwr-usr/argos-scraper/pipeline"
	"github.com/pwr-usr/argos-scraper/search"
	"github.com/pwr-usr/argos-scraper/store"
)

func main() {
	cfg := config.DefaultConfig()
	applyEnv(cfg)

	configPath := flag.String("config", "", "Optional YAML config file")
	inputFile := flag.String("input", cfg.InputFile, "Input CSV with EAN and Model columns")
	outputDir := flag.String("output", cfg.OutputDir, "Directory for per-product JSON records")
	stateFile := flag.String("state", cfg.StateFile, "Persistent state file")
	baseURL := flag.String("base-url", cfg.BaseURL, "Target site base URL")
	backendList := flag.String("backends", strings.Join(cfg.Backends, ","), "Comma-separated search backends")
	numResults := flag.Int("num-results", cfg.NumResults, "Candidate URLs to inspect per query")
	rescrape := flag.Bool("rescrape", cfg.RescrapeSuccessful, "Re-scrape identifiers already marked found")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			slog.Error("loading config file", slog.Any("error", err))
			os.Exit(1)
		}
	}
	applyFlags(cfg, *inputFile, *outputDir, *stateFile, *baseURL, *backendList, *numResults, *rescrape, *metricsAddr, *verbose)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ids, err := input.Load(cfg.InputFile)
	if err != nil {
		slog.Error("reading input", slog.Any("error", err))
		os.Exit(1)
	}
	if len(ids) == 0 {
		slog.Error("no identifiers to process", slog.String("input", cfg.InputFile))
		os.Exit(1)
	}
	slog.Info("starting run",
		slog.Int("identifiers", len(ids)),
		slog.String("base_url", cfg.BaseURL),
		slog.Any("backends", cfg.Backends),
	)

	st := store.Open(cfg.StateFile)
	ctrl := backoff.NewController(cfg, nil)
	ctrl.Restore(st.Backends())

	client, err := fetch.NewClient(cfg, nil)
	if err != nil {
		slog.Error("initialising http client", slog.Any("error", err))
		os.Exit(1)
	}

	backends, err := search.Backends(cfg.Backends, client)
	if err != nil {
		slog.Error("initialising search backends", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := pipeline.NewMetrics()
	finder, err := search.NewOrchestrator(cfg, ctrl, client, backends, st, metrics)
	if err != nil {
		slog.Error("initialising search orchestrator", slog.Any("error", err))
		os.Exit(1)
	}

	writer, err := pipeline.NewJSONRecordWriter(cfg.OutputDir)
	if err != nil {
		slog.Error("initialising record writer", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing current identifier")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	p := pipeline.NewOrchestrator(cfg, st, finder, client, ctrl, writer, metrics, nil)
	result, err := p.Run(ctx, ids)
	if err != nil {
		slog.Error("run failed", slog.Any("error", err))
		os.Exit(1)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, st, ctrl, cfg)
	if result.Halted {
		os.Exit(2)
	}
}

func applyEnv(cfg *config.Config) {
	if value, ok := config.EnvString("SCRAPER_INPUT"); ok {
		cfg.InputFile = value
	}
	if value, ok := config.EnvString("SCRAPER_OUTPUT"); ok {
		cfg.OutputDir = value
	}
	if value, ok := config.EnvString("SCRAPER_STATE"); ok {
		cfg.StateFile = value
	}
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	if value, ok, err := config.EnvInt("SCRAPER_NUM_RESULTS"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_NUM_RESULTS: %v\n", err)
		os.Exit(1)
	} else if ok {
		cfg.NumResults = value
	}
}

func applyFlags(cfg *config.Config, inputFile, outputDir, stateFile, baseURL, backendList string, numResults int, rescrape bool, metricsAddr string, verbose bool) {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["input"] {
		cfg.InputFile = inputFile
	}
	if set["output"] {
		cfg.OutputDir = outputDir
	}
	if set["state"] {
		cfg.StateFile = stateFile
	}
	if set["base-url"] {
		cfg.BaseURL = baseURL
	}
	if set["backends"] {
		cfg.Backends = splitList(backendList)
	}
	if set["num-results"] {
		cfg.NumResults = numResults
	}
	if set["rescrape"] {
		cfg.RescrapeSuccessful = rescrape
	}
	if set["metrics-addr"] {
		cfg.MetricsAddr = metricsAddr
	}
	cfg.Verbose = verbose
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printSummary(result *models.RunResult, st *store.Store, ctrl *backoff.Controller, cfg *config.Config) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	if result.Halted {
		fmt.Println("Run halted: all search backends in cooldown")
	} else {
		fmt.Println("Run complete")
	}

	totalResolved, totalSeen := st.Counts()
	fmt.Printf("  Processed:       %d\n", result.Processed)
	fmt.Printf("  Found:           %d\n", result.Found)
	fmt.Printf("  Not found:       %d\n", result.NotFound)
	fmt.Printf("  Failed this run: %d\n", result.Failed)
	fmt.Printf("  Skipped:         %d\n", result.SkippedResolved)
	fmt.Printf("  Duration:        %v\n", result.EndTime.Sub(result.StartTime).Round(time.Second))
	fmt.Printf("  Resolved (all time): %d\n", totalResolved)
	fmt.Printf("  URLs seen (all time): %d\n", totalSeen)
	fmt.Println(separator)

	fmt.Println("Backend status:")
	healths := ctrl.Snapshot()
	for _, name := range cfg.Backends {
		h := healths[name]
		if remaining := ctrl.CooldownRemaining(name); remaining > 0 {
			fmt.Printf("  %-12s COOLDOWN (failures: %d, %.1f min remaining)\n",
				name, h.ConsecutiveFailures, remaining.Minutes())
		} else {
			fmt.Printf("  %-12s AVAILABLE (failures: %d)\n", name, h.ConsecutiveFailures)
		}
	}
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
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
