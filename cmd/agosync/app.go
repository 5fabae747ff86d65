package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/geobcdata/agosync/ago"
	"github.com/geobcdata/agosync/config"
	"github.com/geobcdata/agosync/publish"
	"github.com/geobcdata/agosync/source"
	"github.com/geobcdata/agosync/workflow"
)

// App wires the configured source, feature store, and runner together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	src    source.Tabular
	store  publish.FeatureStore
	events *workflow.Events
	runner *workflow.Runner
}

// NewApp loads configuration and connects the components. With dryRun
// set, publishes go to an in-memory store and nothing reaches the
// portal.
func NewApp(configPath string, dryRun bool) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()

	var store publish.FeatureStore
	if dryRun {
		logger.Info("dry run: publishing to in-memory store")
		store = publish.NewMemStore(cfg.Portal.Username)
	} else {
		client, err := ago.NewClient(ago.Config{
			Host:     cfg.Portal.Host,
			Username: cfg.Portal.Username,
			Token:    cfg.Portal.Token,
			Timeout:  cfg.Portal.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		store = client
	}

	src, err := source.OpenPostgres(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	events, err := workflow.ConnectEvents(cfg.NATS, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:    cfg,
		logger: logger,
		src:    src,
		store:  store,
		events: events,
		runner: workflow.NewRunner(cfg, src, store, events, logger),
	}, nil
}

// Run executes the named jobs (all when names is empty) and prints a
// one-line summary per job.
func (a *App) Run(ctx context.Context, names []string) error {
	reports, err := a.runner.Run(ctx, names)
	for _, report := range reports {
		printReport(report)
	}
	return err
}

// RunWithMode runs one job with its mode overridden, so an analyst can
// force a full republish of a patch-mode job (or the reverse) without
// editing the config.
func (a *App) RunWithMode(ctx context.Context, name, mode string) error {
	job, err := a.cfg.Job(name)
	if err != nil {
		return err
	}
	forced := *job
	forced.Mode = mode

	report, err := a.runner.RunJob(ctx, &forced)
	if report != nil {
		printReport(*report)
	}
	if err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	return nil
}

// Watch re-runs every configured job when the export directory changes,
// until the context is canceled.
func (a *App) Watch(ctx context.Context) error {
	watcher, err := source.NewWatcher(a.cfg.Watch, a.logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("watch stopped")
			return nil
		case ev := <-watcher.Events():
			a.logger.Info("export changed, re-running jobs", "path", ev.Rel)
			if err := a.Run(ctx, nil); err != nil {
				// Keep watching; the next export may fix the data.
				a.logger.Error("sync failed", "error", err)
			}
		}
	}
}

// Close releases external connections.
func (a *App) Close() {
	a.events.Close()
}

func printReport(report workflow.Report) {
	switch {
	case report.Patch != nil:
		fmt.Printf("%-24s %s  read=%d matched=%d updated=%d unmatched=%d failed=%d\n",
			report.Job, report.Mode, report.RecordsRead,
			report.Patch.Matched, report.Patch.Updated,
			len(report.Patch.UnmatchedKeys), len(report.Patch.Failures))
	default:
		fmt.Printf("%-24s %s  read=%d published=%d\n",
			report.Job, report.Mode, report.RecordsRead, report.Published)
	}
}
