package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/conflict"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/syncer"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push unsynced events to the sync endpoint once",
		Long: `Push every unsynced event to the configured endpoint in one request.

Conflicts reported by the server are printed and recorded as pending, not
resolved; list them with "offsync conflicts" and settle them with
"offsync resolve".

Exit codes:
  0 - Sync succeeded with no conflicts
  1 - Sync failed, or conflicts were detected
  2 - Command error (no endpoint configured, database not found, etc.)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rootOpts.Config.Endpoint == "" {
				return NewExitError(ExitCommandError, "no sync endpoint configured")
			}
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				res := a.eng.Sync(cmd.Context())
				if err := rootOpts.formatter(cmd).Emit(res, func(w io.Writer) {
					writeSyncResult(w, res)
				}); err != nil {
					return err
				}
				return syncExit(res)
			})
		},
	}
}

func syncExit(res syncer.Result) error {
	if !res.Success {
		return WrapExitError(ExitFailure, "sync failed", res.Err).WithErrCode(CodeSync)
	}
	if len(res.Conflicts) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d unresolved conflicts", len(res.Conflicts))).WithErrCode(CodeConflict)
	}
	return nil
}

func writeSyncResult(w io.Writer, res syncer.Result) {
	if !res.Success {
		fmt.Fprintf(w, "sync failed: %s\n", res.Error)
		return
	}
	fmt.Fprintf(w, "synced %d events, %d rejected\n", res.SyncedCount, res.FailedCount)
	for _, c := range res.Conflicts {
		writeConflict(w, c)
	}
}

func writeConflict(w io.Writer, c event.ConflictInfo) {
	fmt.Fprintf(w, "conflict %s on %s v%d: fields [%s] local %s@%s remote %s@%s",
		c.Kind, c.AggregateID, c.LocalEvent.Version, strings.Join(c.Fields, ", "),
		c.LocalEvent.ID, c.LocalEvent.NodeID, c.RemoteEvent.ID, c.RemoteEvent.NodeID)
	if c.Resolution != "" {
		fmt.Fprintf(w, " -> %s", c.Resolution)
	}
	fmt.Fprintln(w)
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts waiting to be resolved",
		Long: `List the conflicts recorded by earlier syncs that "offsync resolve" has
not settled yet, in detection order.

Exit codes:
  0 - No pending conflicts
  1 - At least one conflict is pending`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				pending, err := a.eng.PendingConflicts(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read conflicts", err).WithErrCode(CodeStorage)
				}
				if err := rootOpts.formatter(cmd).Emit(pending, func(w io.Writer) {
					if len(pending) == 0 {
						fmt.Fprintln(w, "no pending conflicts")
						return
					}
					for _, c := range pending {
						writeConflict(w, c)
					}
				}); err != nil {
					return err
				}
				if len(pending) > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d unresolved conflicts", len(pending))).WithErrCode(CodeConflict)
				}
				return nil
			})
		},
	}
}

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Strategy string
}

// ResolveResult is the output of the resolve command.
type ResolveResult struct {
	Sync     syncer.Result     `json:"sync"`
	Resolved []engine.Resolved `json:"resolved"`
	Push     *syncer.Result    `json:"push,omitempty"`
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Sync and resolve every pending conflict",
		Long: fmt.Sprintf(`Sync, resolve every pending conflict with a strategy and push the result.

Pending conflicts are those recorded by earlier "offsync sync" or
"offsync run" invocations plus any the initial sync reports. Remote and
merged winners are appended as new local events caused by the remote
event; a second sync pushes them. Local winners need no write. Resolved
conflicts are removed from the pending list.

Strategies: %s`, strings.Join(strategyNames(), ", ")),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Strategy, "strategy", "s", string(conflict.LastWriteWins), "resolution strategy")
	return cmd
}

func strategyNames() []string {
	names := make([]string, 0, len(conflict.Strategies))
	for _, s := range conflict.Strategies {
		names = append(names, string(s))
	}
	return names
}

func runResolve(opts *ResolveOptions, cmd *cobra.Command) error {
	strategy, err := conflict.ParseStrategy(opts.Strategy)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid strategy", err)
	}
	if opts.Config.Endpoint == "" {
		return NewExitError(ExitCommandError, "no sync endpoint configured")
	}

	return withApp(cmd.Context(), opts.RootOptions, func(a *app) error {
		ctx := cmd.Context()
		out := ResolveResult{Resolved: []engine.Resolved{}}

		out.Sync = a.eng.Sync(ctx)
		if !out.Sync.Success {
			if err := opts.formatter(cmd).Emit(out, func(w io.Writer) { writeSyncResult(w, out.Sync) }); err != nil {
				return err
			}
			return WrapExitError(ExitFailure, "sync failed", out.Sync.Err).WithErrCode(CodeSync)
		}

		resolved, err := a.eng.ResolvePending(ctx, strategy)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to resolve conflicts", err).WithErrCode(CodeConflict)
		}
		out.Resolved = resolved

		adopted := 0
		for _, r := range resolved {
			if r.Adopted != nil {
				adopted++
			}
		}
		if adopted > 0 {
			push := a.eng.Sync(ctx)
			out.Push = &push
		}

		if err := opts.formatter(cmd).Emit(out, func(w io.Writer) {
			writeResolveResult(w, out)
		}); err != nil {
			return err
		}
		if out.Push != nil {
			return syncExit(*out.Push)
		}
		return nil
	})
}

func writeResolveResult(w io.Writer, out ResolveResult) {
	writeSyncResult(w, out.Sync)
	if len(out.Resolved) == 0 {
		fmt.Fprintln(w, "nothing to resolve")
		return
	}
	for _, r := range out.Resolved {
		writeConflict(w, r.Conflict)
		if r.Adopted != nil {
			fmt.Fprintf(w, "  adopted as %s (version %d)\n", r.Adopted.ID, r.Adopted.Version)
		}
	}
	if out.Push != nil {
		fmt.Fprint(w, "push: ")
		writeSyncResult(w, *out.Push)
	}
}
