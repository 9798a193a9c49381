// Package app wires the indexer's dependencies and runs the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/predictindexer/internal/config"
)

// modeFunc runs one operating mode until it finishes or ctx is cancelled.
type modeFunc func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeFunc{
	config.ModeFull:  (*App).FullMode,
	config.ModeIndex: (*App).IndexMode,
	config.ModeServe: (*App).ServeMode,
	config.ModeSync:  (*App).SyncMode,
}

// App owns the configuration, the logger and the cleanup functions that
// release wired resources on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App. Nothing is connected until Run.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires all dependencies, runs the configured mode and blocks until it
// returns or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	mode := a.cfg.NormalizedMode()
	run, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "starting indexer",
		slog.String("mode", mode),
		slog.String("program", a.cfg.Ledger.ProgramID),
		slog.String("commitment", a.cfg.Ledger.Commitment),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	return run(a, ctx, deps)
}

// Close releases resources in reverse order. Later calls are no-ops.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("releasing resources")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
