// Command sieve crawls from a set of seed URLs, feeding every fetched page
// through the content pipeline and checkpointing its statistics.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Almahr1/sieve/internal/config"
	"github.com/Almahr1/sieve/internal/crawler"
	"github.com/Almahr1/sieve/internal/pipeline"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "sieve:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("sieve", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a configuration file")
	flags.StringSlice("seed", nil, "seed URL (repeatable)")
	flags.Int("max-pages", 0, "maximum number of pages to fetch")
	flags.Int("workers", 0, "number of concurrent fetchers")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("state-dir", "", "directory for file checkpoints")
	flags.String("storage", "", "checkpoint backend: file or redis")
	reportOnly := flags.Bool("report", false, "print the report from the last checkpoint and exit")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadConfig(*configPath, flags)
	if err != nil {
		return err
	}

	logger, err := cfg.GetLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	if used := cfg.ConfigFileUsed(); used != "" {
		logger.Info("Loaded configuration", zap.String("file", used))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pipeline.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	p, err := pipeline.Open(ctx, cfg, store, logger)
	if err != nil {
		return fmt.Errorf("failed to open pipeline: %w", err)
	}

	if *reportOnly {
		// read only, an unrestorable checkpoint must survive this
		defer p.Release()
		return p.Report(os.Stdout)
	}

	if len(cfg.Crawler.SeedURLs) == 0 {
		p.Close(context.Background())
		return errors.New("no seed URLs: pass --seed or set crawler.seed_urls")
	}

	engine, err := crawler.NewCrawlerEngine(cfg, p, logger)
	if err != nil {
		p.Close(context.Background())
		return err
	}

	logger.Info("Starting crawl",
		zap.String("run_id", p.RunID()),
		zap.Strings("seeds", cfg.Crawler.SeedURLs))

	metrics, runErr := engine.Run(ctx, cfg.Crawler.SeedURLs)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("Crawl stopped", zap.Error(runErr))
	}
	if errors.Is(runErr, context.Canceled) {
		logger.Info("Interrupted, saving state")
	}

	// ctx may already be cancelled, the final flush gets its own deadline
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Close(closeCtx); err != nil {
		return fmt.Errorf("failed to save final checkpoint: %w", err)
	}

	stats := p.Stats()
	logger.Info("Done",
		zap.Int64("fetched", metrics.TotalJobs),
		zap.Int64("accepted", stats.Accepted),
		zap.Int64("duplicates", stats.Duplicates),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("errors", stats.Errors),
		zap.Int("unique_pages", stats.UniquePages),
		zap.Int64("flush_failures", stats.FlushFailures))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
