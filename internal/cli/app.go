package cli

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/casesync/internal/casefile"
	"github.com/roach88/casesync/internal/config"
	"github.com/roach88/casesync/internal/gateway"
	"github.com/roach88/casesync/internal/idmap"
	"github.com/roach88/casesync/internal/retry"
	"github.com/roach88/casesync/internal/store"
	"github.com/roach88/casesync/internal/syncer"
)

// app wires the components a command needs from the loaded configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	repo     *casefile.Repository
	ids      *idmap.Translator
	registry *prometheus.Registry

	// worker is nil until withWorker is called.
	worker *syncer.Worker
}

// newLogger configures slog the way every command logs: text to stderr,
// debug when --verbose is set.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// openApp loads the config and opens the database.
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts, cmd.ErrOrStderr())

	sched, err := retry.NewScheduler(cfg.SchedulerConfig())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid retry config", err)
	}

	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database, store.WithScheduler(sched))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		ids:      idmap.New(st),
		registry: prometheus.NewRegistry(),
	}
	a.repo = casefile.New(st, casefile.WithLogger(logger))
	return a, nil
}

// withWorker builds the sync worker against the configured remote and lets
// local writes wake it.
func (a *app) withWorker() error {
	if a.cfg.Remote.BaseURL == "" {
		return NewExitError(ExitCommandError, "remote.base_url is not configured")
	}
	gw := gateway.NewHTTPGateway(a.cfg.Remote.BaseURL, a.cfg.Remote.Token,
		gateway.WithHTTPClient(&http.Client{Timeout: a.cfg.Remote.Timeout}),
	)
	a.worker = syncer.New(a.store, a.ids, gw, a.cfg.SyncerConfig(),
		syncer.WithLogger(a.logger),
		syncer.WithMetrics(syncer.NewMetrics(a.registry)),
		syncer.WithDeadLetterSink(syncer.LogSink{Logger: a.logger}),
	)
	a.repo = casefile.New(a.store, casefile.WithLogger(a.logger), casefile.WithNotifier(a.worker))
	return nil
}

func (a *app) close() {
	if a.worker != nil {
		a.worker.Stop()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
