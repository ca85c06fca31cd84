package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/casesync/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialise configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to --config",
		Long: `Write the default configuration to the --config path.

Settings can be overridden per process with CASESYNC_* environment
variables; a double underscore separates sections:

  CASESYNC_REMOTE__BASE_URL=https://cases.example.org
  CASESYNC_WORKER__BATCH_SIZE=50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(rootOpts.Config); err == nil && !force {
				return NewExitError(ExitCommandError, fmt.Sprintf("%s already exists (use --force to overwrite)", rootOpts.Config))
			}
			if err := config.DefaultConfig().Save(rootOpts.Config); err != nil {
				return WrapExitError(ExitCommandError, "failed to write config", err)
			}
			return rootOpts.formatter(cmd).Success(fmt.Sprintf("Wrote %s", rootOpts.Config))
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Print the effective configuration after env overrides",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				redacted := *cfg
				if redacted.Remote.Token != "" {
					redacted.Remote.Token = "(set)"
				}
				return rootOpts.formatter(cmd).Success(redacted)
			}
			return printConfigText(cmd, cfg)
		},
	})

	return cmd
}

func printConfigText(cmd *cobra.Command, cfg *config.Config) error {
	w := cmd.OutOrStdout()
	token := ""
	if cfg.Remote.Token != "" {
		token = "(set)"
	}
	fmt.Fprintf(w, "database: %s\n", cfg.Database)
	fmt.Fprintf(w, "remote: base_url=%s token=%s timeout=%s\n", cfg.Remote.BaseURL, token, cfg.Remote.Timeout)
	fmt.Fprintf(w, "retry: base_delay=%s max_delay=%s max_attempts=%d jitter_factor=%g\n",
		cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.MaxAttempts, cfg.Retry.JitterFactor)
	fmt.Fprintf(w, "worker: batch_size=%d interval=%s call_timeout=%s max_cycles_per_drain=%d\n",
		cfg.Worker.BatchSize, cfg.Worker.Interval, cfg.Worker.CallTimeout, cfg.Worker.MaxCyclesPerDrain)
	fmt.Fprintf(w, "status: addr=%s\n", cfg.Status.Addr)
	return nil
}
