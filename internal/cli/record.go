package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/casesync/internal/casefile"
	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
	"github.com/roach88/casesync/internal/store"
)

// RecordOptions holds flags for the record subcommands.
type RecordOptions struct {
	*RootOptions
	Body      string
	DependsOn string
}

// WriteResult is the output of record create|update|delete.
type WriteResult struct {
	Action   string `json:"action"`
	Entity   string `json:"entity"`
	LocalID  int64  `json:"local_id"`
	RecordID int64  `json:"record_id"`
}

func (r WriteResult) String() string {
	return fmt.Sprintf("Queued %s %s (record %d)", r.Action, r.Entity, r.RecordID)
}

// EntityResult is the output of record show.
type EntityResult struct {
	Entity  store.Entity    `json:"entity"`
	Pending int             `json:"pending"`
	Records []mutation.View `json:"records"`
}

func (r EntityResult) String() string {
	var b strings.Builder
	state := "live"
	if r.Entity.Deleted {
		state = "deleted"
	}
	fmt.Fprintf(&b, "%s (%s)\n", r.Entity.Ref, state)
	body, err := payload.MarshalCanonical(r.Entity.Body)
	if err == nil {
		fmt.Fprintf(&b, "  body: %s\n", body)
	}
	fmt.Fprintf(&b, "  unsynced: %d", r.Pending)
	for _, v := range r.Records {
		fmt.Fprintf(&b, "\n  #%d %s %s attempts=%d", v.ID, v.Action, v.State, v.AttemptCount)
		if v.LastError != "" {
			fmt.Fprintf(&b, " last_error=%q", v.LastError)
		}
	}
	return b.String()
}

// NewRecordCommand creates the record command group.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Write case entities locally and queue their mutations",
	}
	cmd.AddCommand(newRecordCreateCommand(rootOpts))
	cmd.AddCommand(newRecordUpdateCommand(rootOpts))
	cmd.AddCommand(newRecordDeleteCommand(rootOpts))
	cmd.AddCommand(newRecordShowCommand(rootOpts))
	return cmd
}

func newRecordCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <type>",
		Short: "Create an entity and queue its Create",
		Long: `Create a Report, Respondent, Evidence, Hearing or Form locally.

References to other local entities are written as
{"$ref": {"type": "Report", "local_id": 1}} and are rewritten to remote ids
when the mutation is replayed.

Examples:
  casesync record create Report --body '{"title": "Complaint"}'
  casesync record create Evidence --depends-on Report:1 \
    --body '{"kind": "photo", "report": {"$ref": {"type": "Report", "local_id": 1}}}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := mutation.ParseEntityType(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid entity type", err)
			}
			body, err := parseBody(opts.Body)
			if err != nil {
				return err
			}
			var dependsOn *mutation.EntityRef
			if opts.DependsOn != "" {
				ref, err := mutation.ParseEntityRef(opts.DependsOn)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --depends-on", err)
				}
				dependsOn = &ref
			}
			return runWrite(opts.RootOptions, cmd, mutation.ActionCreate, func(repo *casefile.Repository) (casefile.Change, error) {
				return repo.Create(commandContext(cmd), typ, body, dependsOn)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Body, "body", "{}", "entity body as a JSON object")
	cmd.Flags().StringVar(&opts.DependsOn, "depends-on", "", "parent entity (Type:localID) that must sync first")
	return cmd
}

func newRecordUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "update <type:local-id>",
		Short:         "Replace an entity's body and queue its Update",
		Example:       `  casesync record update Report:1 --body '{"title": "Amended"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			body, err := parseBody(opts.Body)
			if err != nil {
				return err
			}
			return runWrite(opts.RootOptions, cmd, mutation.ActionUpdate, func(repo *casefile.Repository) (casefile.Change, error) {
				return repo.Update(commandContext(cmd), ref, body)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Body, "body", "", "entity body as a JSON object (required)")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func newRecordDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <type:local-id>",
		Short:         "Delete an entity and queue its Delete",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return runWrite(rootOpts, cmd, mutation.ActionDelete, func(repo *casefile.Repository) (casefile.Change, error) {
				return repo.Delete(commandContext(cmd), ref)
			})
		},
	}
}

func newRecordShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <type:local-id>",
		Short:         "Show an entity and its unsynced mutations",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := commandContext(cmd)
			ent, err := a.repo.Get(ctx, ref)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read entity", err)
			}
			pending, err := a.repo.Unsynced(ctx, ref)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to count unsynced records", err)
			}
			recs, err := a.store.ListForEntity(ctx, ref)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list records", err)
			}
			return rootOpts.formatter(cmd).Success(EntityResult{
				Entity:  ent,
				Pending: pending,
				Records: recordViews(recs),
			})
		},
	}
}

func runWrite(opts *RootOptions, cmd *cobra.Command, action mutation.Action, write func(*casefile.Repository) (casefile.Change, error)) error {
	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ch, err := write(a.repo)
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("%s failed", strings.ToLower(action.String())), err)
	}
	return opts.formatter(cmd).Success(WriteResult{
		Action:   action.String(),
		Entity:   ch.Entity.String(),
		LocalID:  ch.Entity.LocalID,
		RecordID: ch.RecordID,
	})
}

func parseBody(s string) (payload.Object, error) {
	body, err := payload.Parse([]byte(s))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --body", err)
	}
	return body, nil
}

func parseRef(s string) (mutation.EntityRef, error) {
	ref, err := mutation.ParseEntityRef(s)
	if err != nil {
		return mutation.EntityRef{}, WrapExitError(ExitCommandError, "invalid entity", err)
	}
	return ref, nil
}

func recordViews(recs []mutation.Record) []mutation.View {
	out := make([]mutation.View, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.View())
	}
	return out
}
