package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/casesync/internal/statusapi"
)

// shutdownTimeout bounds the status API's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Addr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync worker and status API until interrupted",
		Long: `Run the sync worker in the foreground.

The worker first recovers records a previous process left InFlight, then
drains the queue on every interval tick and whenever the status API asks
for a flush. The status API serves queue state, dead-letter management and
Prometheus metrics.

Example:
  casesync run --config ./casesync.yaml
  casesync run --db /tmp/cases.db --addr 127.0.0.1:9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "status API listen address (overrides config; empty config value disables)")
	return cmd
}

func runWorker(opts *RunOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close()
	slog.SetDefault(a.logger)

	if err := a.withWorker(); err != nil {
		return err
	}
	addr := a.cfg.Status.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.worker.Run(gctx)
	})

	if addr != "" {
		api := statusapi.New(a.store, a.worker, a.registry, a.logger)
		g.Go(func() error {
			if err := api.Start(addr); err != nil {
				return fmt.Errorf("status api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return api.Shutdown(shutdownCtx)
		})
	}

	a.logger.Info("worker starting", "db", a.cfg.Database, "remote", a.cfg.Remote.BaseURL, "status_addr", addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync worker started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "worker error", err)
	}

	a.logger.Info("worker stopped gracefully")
	return nil
}
