package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/casesync/internal/mutation"
)

// DeadLetterList is the output of deadletters list.
type DeadLetterList struct {
	Records []mutation.View `json:"records"`
}

func (l DeadLetterList) String() string {
	if len(l.Records) == 0 {
		return "No dead-lettered records."
	}
	var b strings.Builder
	for i, v := range l.Records {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#%d %s %s#%d attempts=%d: %s",
			v.ID, v.Action, v.EntityType, v.EntityLocalID, v.AttemptCount, v.LastError)
	}
	return b.String()
}

// DeadLetterAction is the output of deadletters requeue|discard.
type DeadLetterAction struct {
	ID     int64  `json:"id"`
	Action string `json:"action"`
}

func (a DeadLetterAction) String() string {
	return fmt.Sprintf("%s record %d", a.Action, a.ID)
}

// NewDeadLettersCommand creates the deadletters command group.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Review, requeue or discard dead-lettered mutations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List dead-lettered records",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			recs, err := a.store.DeadLettered(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list dead letters", err)
			}
			return rootOpts.formatter(cmd).Success(DeadLetterList{Records: recordViews(recs)})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "requeue <id>",
		Short:         "Return a dead-lettered record to the queue with a fresh retry budget",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetterAction(rootOpts, cmd, args[0], "Requeued")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "discard <id>",
		Short:         "Delete a dead-lettered record; the local entity is kept",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetterAction(rootOpts, cmd, args[0], "Discarded")
		},
	})

	return cmd
}

func runDeadLetterAction(opts *RootOptions, cmd *cobra.Command, arg, action string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid record id %q", arg))
	}

	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := commandContext(cmd)
	if action == "Requeued" {
		err = a.store.Requeue(ctx, id)
	} else {
		err = a.store.Discard(ctx, id)
	}
	if errors.Is(err, mutation.ErrNotFound) {
		return WrapExitError(ExitFailure, fmt.Sprintf("record %d is not dead-lettered", id), err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, strings.ToLower(action)+" failed", err)
	}
	return opts.formatter(cmd).Success(DeadLetterAction{ID: id, Action: action})
}
