package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/casesync/internal/store"
)

// StatusResult is the output of status.
type StatusResult struct {
	Queue      store.Stats `json:"queue"`
	NextWakeup *time.Time  `json:"next_wakeup,omitempty"`
}

func (r StatusResult) String() string {
	s := fmt.Sprintf("Pending: %d (due %d)\nInFlight: %d\nDeadLettered: %d\nMappings: %d",
		r.Queue.Pending, r.Queue.Due, r.Queue.InFlight, r.Queue.DeadLettered, r.Queue.Mappings)
	if r.NextWakeup != nil {
		s += "\nNext attempt: " + r.NextWakeup.Format(time.RFC3339)
	}
	return s
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show queue depth and the next scheduled attempt",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := commandContext(cmd)
			stats, err := a.store.Stats(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read queue stats", err)
			}
			result := StatusResult{Queue: stats}
			next, err := a.store.NextWakeup(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read next wakeup", err)
			}
			if !next.IsZero() {
				result.NextWakeup = &next
			}
			return rootOpts.formatter(cmd).Success(result)
		},
	}
}
