package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/genc-murat/crystalsketch/internal/cache"
	"github.com/genc-murat/crystalsketch/internal/config"
	"github.com/genc-murat/crystalsketch/internal/ingest"
	"github.com/genc-murat/crystalsketch/internal/metrics"
	"github.com/genc-murat/crystalsketch/internal/storage"
)

type options struct {
	configPath   string
	inputPath    string
	snapshotPath string
	noSave       bool
	start        string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML configuration file (default: config/default.yaml of the project)")
	flag.StringVar(&opts.inputPath, "input", "-", "JSON-lines input file, - for stdin")
	flag.StringVar(&opts.snapshotPath, "snapshot", "", "snapshot file, overrides storage.path")
	flag.BoolVar(&opts.noSave, "no-save", false, "do not write the snapshot after ingesting")
	flag.StringVar(&opts.start, "start", "", "RFC 3339 time the first trending windows start at (default: now)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts options, stdin io.Reader, stdout io.Writer) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr, cfg.Logging.Prefix, log.LstdFlags)
	debug := strings.EqualFold(cfg.Logging.Level, "debug")

	start := time.Now()
	if opts.start != "" {
		if start, err = time.Parse(time.RFC3339, opts.start); err != nil {
			return fmt.Errorf("invalid -start: %w", err)
		}
	}

	snapshotPath := cfg.Storage.Path
	if opts.snapshotPath != "" {
		snapshotPath = opts.snapshotPath
	}
	store := storage.NewSnapshotStore(snapshotPath,
		storage.WithLockTimeout(cfg.Storage.LockTimeout),
		storage.WithLogger(logger, debug),
	)

	cacheOpts := []cache.Option{cache.WithLogger(logger, debug)}
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
		cacheOpts = append(cacheOpts, cache.WithMetrics(m))
	}
	sketches := cache.NewMemoryCache(cacheOpts...)

	records, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	if err := sketches.Import(records); err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}
	if len(records) > 0 {
		logger.Printf("restored %d sketches from %s", len(records), store.Path())
	}
	if err := sketches.Provision(cfg.Sketches, start); err != nil {
		return err
	}

	pipeline, err := ingest.NewPipeline(sketches, cfg.Sketches, cfg.Ingest, ingest.WithLogger(logger, debug))
	if err != nil {
		return err
	}

	input := stdin
	if opts.inputPath != "" && opts.inputPath != "-" {
		f, err := os.Open(opts.inputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		input = f
	}

	stats, err := pipeline.Run(ctx, input)
	logger.Printf("ingested %d lines (%d skipped, %d updates)", stats.Lines, stats.Skipped, stats.Routed)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		logger.Printf("interrupted, keeping what was ingested")
	default:
		return fmt.Errorf("ingest: %w", err)
	}

	if err := writeReport(stdout, cfg, sketches, m); err != nil {
		return err
	}
	if opts.noSave || !cfg.Storage.SaveOnExit {
		return nil
	}

	records, err = sketches.Export()
	if err != nil {
		return err
	}
	// ctx may be cancelled by now; the lock timeout bounds the save.
	if err := store.Save(context.Background(), records); err != nil {
		return err
	}
	logger.Printf("saved %d sketches to %s", len(records), store.Path())
	return nil
}

// loadConfig reads path, or the project's default configuration when path
// is empty, falling back to built-in defaults without sketches.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.LoadEnv("default")
	if err != nil {
		log.Printf("Warning: using built-in defaults: %v", err)
		return config.Default(), nil
	}
	return cfg, nil
}
