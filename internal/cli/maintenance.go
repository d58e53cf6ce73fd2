package cli

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/eventstore"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	All bool
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot [aggregate-id]",
		Short: "Replay aggregates and store their snapshots",
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.All {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts.RootOptions, func(a *app) error {
				ctx := cmd.Context()
				ids := args
				if opts.All {
					var err error
					if ids, err = a.eng.Aggregates(ctx); err != nil {
						return WrapExitError(ExitCommandError, "failed to list aggregates", err)
					}
				}

				snaps := make([]event.Snapshot, 0, len(ids))
				for _, id := range ids {
					snap, found, err := a.eng.Store().CreateSnapshot(ctx, id)
					if err != nil {
						return WrapExitError(ExitCommandError, fmt.Sprintf("failed to snapshot %s", id), err)
					}
					if !found {
						return NewExitError(ExitFailure, fmt.Sprintf("aggregate %s has no events", id))
					}
					snaps = append(snaps, snap)
				}

				return opts.formatter(cmd).Emit(snaps, func(w io.Writer) {
					for _, s := range snaps {
						fmt.Fprintf(w, "snapshot %s at version %d (clock %d)\n", s.AggregateID, s.Version, s.Clock)
					}
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "snapshot every aggregate")
	return cmd
}

// VerifyResult is the output of the verify command.
type VerifyResult struct {
	Events  int64                `json:"events"`
	Corrupt []eventstore.Corrupt `json:"corrupt"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every event checksum",
		Long: `Recompute the checksum of every event in the log and report mismatches.

Exit codes:
  0 - Every checksum matches
  1 - At least one event was altered`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				ctx := cmd.Context()
				total, err := a.eng.Store().GetEventCount(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to count events", err)
				}
				corrupt, err := a.eng.Store().Verify(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to verify events", err)
				}

				res := VerifyResult{Events: total, Corrupt: corrupt}
				if err := rootOpts.formatter(cmd).Emit(res, func(w io.Writer) {
					for _, c := range corrupt {
						fmt.Fprintf(w, "✗ %s (%s v%d): stored %s, expected %s\n",
							c.Event.ID, c.Event.AggregateID, c.Event.Version, c.Event.Checksum, c.Expected)
					}
					if len(corrupt) == 0 {
						fmt.Fprintf(w, "✓ %d events verified\n", total)
					}
				}); err != nil {
					return err
				}

				if len(corrupt) > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d corrupt events", len(corrupt))).WithErrCode(CodeIntegrity)
				}
				return nil
			})
		},
	}
}

// ReplayAggregateResult compares the full replay of an aggregate with its
// snapshot-based projection.
type ReplayAggregateResult struct {
	AggregateID   string         `json:"aggregateId"`
	Events        int            `json:"events"`
	State         map[string]any `json:"state"`
	Deterministic bool           `json:"deterministic"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Aggregates       []ReplayAggregateResult `json:"aggregates"`
	AllDeterministic bool                    `json:"allDeterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay [aggregate-id...]",
		Short: "Replay the log and check it against snapshots",
		Long: `Replay every event of each aggregate from scratch and compare the result
with the snapshot-based projection. Without arguments every aggregate is
replayed.

Exit codes:
  0 - Every replay matches its projection
  1 - A replay differs (a stale or corrupt snapshot)
  2 - Command error (database not found, etc.)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				return runReplay(rootOpts, cmd, a, args)
			})
		},
	}
}

func runReplay(opts *RootOptions, cmd *cobra.Command, a *app, ids []string) error {
	ctx := cmd.Context()
	if len(ids) == 0 {
		var err error
		if ids, err = a.eng.Aggregates(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to list aggregates", err)
		}
	}

	result := ReplayResult{
		Aggregates:       make([]ReplayAggregateResult, 0, len(ids)),
		AllDeterministic: true,
	}
	for _, id := range ids {
		r, err := replayAggregate(cmd, a, id)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s", id), err)
		}
		result.Aggregates = append(result.Aggregates, r)
		if !r.Deterministic {
			result.AllDeterministic = false
		}
	}

	if err := opts.formatter(cmd).Emit(result, func(w io.Writer) {
		writeReplayText(w, result, opts.Verbose)
	}); err != nil {
		return err
	}
	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "replay differs from projection").WithErrCode(CodeIntegrity)
	}
	return nil
}

func replayAggregate(cmd *cobra.Command, a *app, id string) (ReplayAggregateResult, error) {
	ctx := cmd.Context()
	events, err := a.eng.GetEvents(ctx, id)
	if err != nil {
		return ReplayAggregateResult{}, err
	}
	full, err := a.eng.Store().Replay(ctx, id)
	if err != nil {
		return ReplayAggregateResult{}, fmt.Errorf("full replay: %w", err)
	}
	projected, err := a.eng.GetState(ctx, id)
	if err != nil {
		return ReplayAggregateResult{}, fmt.Errorf("projection: %w", err)
	}

	same, err := sameCanonical(full, projected)
	if err != nil {
		return ReplayAggregateResult{}, err
	}
	return ReplayAggregateResult{
		AggregateID:   id,
		Events:        len(events),
		State:         full,
		Deterministic: same,
	}, nil
}

// sameCanonical compares two states by their canonical JSON, so number
// representations decoded from different sources compare equal.
func sameCanonical(a, b map[string]any) (bool, error) {
	ca, err := event.MarshalCanonical(a)
	if err != nil {
		return false, err
	}
	cb, err := event.MarshalCanonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func writeReplayText(w io.Writer, result ReplayResult, verbose bool) {
	if len(result.Aggregates) == 0 {
		fmt.Fprintln(w, "No aggregates found in database.")
		return
	}
	for _, r := range result.Aggregates {
		status := "✓"
		if !r.Deterministic {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s: %d events\n", status, r.AggregateID, r.Events)
		if verbose {
			writeState(w, r.State)
		}
	}
	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All projections match a full replay")
		return
	}
	fmt.Fprintln(w, "✗ Replay differs from projection")
}

// ClearOptions holds flags for the clear command.
type ClearOptions struct {
	*RootOptions
	Yes bool
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every event and snapshot",
		Long: `Delete every event and snapshot from the local log. The Lamport clock
and node id are kept, so new events still order after everything this node
produced before.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Yes {
				return NewExitError(ExitCommandError, "refusing to clear without --yes")
			}
			return withApp(cmd.Context(), opts.RootOptions, func(a *app) error {
				if err := a.eng.Store().Clear(cmd.Context()); err != nil {
					return WrapExitError(ExitCommandError, "failed to clear log", err).WithErrCode(CodeStorage)
				}
				return opts.formatter(cmd).Success("log cleared")
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm deleting the log")
	return cmd
}
