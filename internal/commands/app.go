package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cleared-dev/tally/internal/classify"
	"github.com/cleared-dev/tally/internal/config"
	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/importlog"
	"github.com/cleared-dev/tally/internal/inference"
	"github.com/cleared-dev/tally/internal/ingest"
	"github.com/cleared-dev/tally/internal/logger"
	"github.com/cleared-dev/tally/internal/store"
	"github.com/cleared-dev/tally/internal/store/csvstore"
	"github.com/cleared-dev/tally/internal/store/memory"
	"github.com/cleared-dev/tally/internal/store/postgres"
)

// app holds everything a command needs, built from tally.yaml.
type app struct {
	root     string
	cfg      *config.Config
	log      *zap.Logger
	parsers  *importer.Registry
	store    store.Store
	backend  inference.Backend // nil when inference.backend is "none"
	engine   *classify.Engine
	coord    *ingest.Coordinator
	closeLog func()
}

// loadApp reads tally.yaml from repoDir and wires the pipeline.
func loadApp(ctx context.Context, repoDir string) (*app, error) {
	root, err := filepath.Abs(repoDir)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	cfg, err := config.Load(filepath.Join(root, config.FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no %s in %s (run `tally init` first)", config.FileName, root)
		}
		return nil, err
	}

	newLogger := logger.New
	if cfg.Log.Format == "console" {
		newLogger = logger.NewConsole
	}
	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &app{
		root:     root,
		cfg:      cfg,
		log:      log,
		parsers:  importer.DefaultRegistry(cfg.Tolerance()),
		closeLog: func() { _ = log.Sync() },
	}

	switch cfg.Storage.Driver {
	case "postgres":
		a.store, err = postgres.Open(ctx, cfg.Storage.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
	case "memory":
		a.store = memory.New()
	default:
		a.store, err = csvstore.Open(a.path(cfg.Storage.Dir), csvstore.WithLogger(log.Named("store")))
		if err != nil {
			return nil, fmt.Errorf("opening csv store: %w", err)
		}
	}

	if cfg.Inference.Backend != "none" {
		a.backend, err = inference.New(ctx, inference.Config{
			Backend: cfg.Inference.Backend,
			Host:    cfg.Inference.Host,
			Model:   cfg.Inference.Model,
			APIKey:  cfg.Inference.APIKey,
			Timeout: cfg.Inference.Timeout,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating inference backend: %w", err)
		}
	}

	a.engine, err = classify.NewEngine(classify.Config{
		Categories: cfg.Categories,
		Fallback:   cfg.FallbackCategory,
		Rules:      cfg.Rules,
		BatchSize:  cfg.Inference.BatchSize,
	}, a.backend, log.Named("classify"))
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []ingest.Option{ingest.WithLogger(log.Named("ingest"))}
	if cfg.ImportLog != "" {
		opts = append(opts, ingest.WithRecorder(importlog.New(a.path(cfg.ImportLog))))
	}
	a.coord = ingest.New(a.parsers, a.engine, a.store, opts...)
	return a, nil
}

// persistent reports whether imported rows outlive this process.
func (a *app) persistent() bool {
	return a.cfg.Storage.Driver != "memory"
}

// path resolves p against the project root.
func (a *app) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.root, p)
}

// bank returns override when set, else the configured bank.
func (a *app) bank(override string) string {
	if override != "" {
		return override
	}
	return a.cfg.Bank
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing store", zap.Error(err))
		}
	}
	a.closeLog()
}
