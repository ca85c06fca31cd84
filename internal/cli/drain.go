package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/casesync/internal/syncer"
)

// DrainResult is the output of drain.
type DrainResult struct {
	Recovered int `json:"recovered"`
	syncer.DrainReport
}

func (r DrainResult) String() string {
	s := fmt.Sprintf("Drained: %d submitted, %d completed, %d retried, %d dead-lettered, %d blocked",
		r.Submitted, r.Completed, r.Retried, r.DeadLettered, r.Blocked)
	if r.Recovered > 0 {
		s = fmt.Sprintf("Recovered %d in-flight record(s)\n%s", r.Recovered, s)
	}
	if r.Backpressured {
		s += "\nRemote asked to back off; remaining records wait for their next attempt."
	}
	return s
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay due mutations to the remote once",
		Long: `Replay every due mutation to the remote store once and exit.

A one-shot drain is a cold start: records a previous process left InFlight
are returned to Pending first, keeping their idempotency keys.

Exit codes:
  0 - Drain finished (remote failures are recorded on the records)
  1 - Drain aborted by a local failure
  2 - Command error (bad config, database not openable)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.withWorker(); err != nil {
				return err
			}

			// An interrupt stops the drain; nothing outlives this command.
			ctx := commandContext(cmd)
			defer context.AfterFunc(ctx, a.worker.Stop)()

			recovered, err := a.worker.Recover(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to recover in-flight records", err)
			}
			report, err := a.worker.Drain(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "drain aborted", err)
			}
			return rootOpts.formatter(cmd).Success(DrainResult{Recovered: recovered, DrainReport: report})
		},
	}
}
