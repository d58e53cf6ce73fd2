package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/event"
)

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <aggregate-id>",
		Short: "Print the projected state of an aggregate",
		Long: `Print the projected state of an aggregate: the latest snapshot plus
every later event, applied in clock order.

Exit codes:
  0 - State printed
  1 - The aggregate has no events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				state, err := a.eng.GetState(cmd.Context(), args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read state", err)
				}
				if len(state) == 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("aggregate %s has no events", args[0]))
				}
				return rootOpts.formatter(cmd).Emit(state, func(w io.Writer) {
					writeState(w, state)
				})
			})
		},
	}
}

func writeState(w io.Writer, state map[string]any) {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", k, formatValue(state[k]))
	}
	tw.Flush()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Unsynced bool
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events [aggregate-id]",
		Short: "List events in clock order",
		Long: `List events in clock order: one aggregate's, every unsynced event with
--unsynced, or the whole log.

Examples:
  offsync events case-1
  offsync events --unsynced --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Unsynced && len(args) > 0 {
				return NewExitError(ExitCommandError, "--unsynced cannot be combined with an aggregate id")
			}
			return withApp(cmd.Context(), opts.RootOptions, func(a *app) error {
				ctx := cmd.Context()
				var (
					events []event.DomainEvent
					err    error
				)
				switch {
				case opts.Unsynced:
					events, err = a.eng.Store().GetUnsyncedEvents(ctx)
				case len(args) == 1:
					events, err = a.eng.GetEvents(ctx, args[0])
				default:
					events, err = a.eng.Store().GetAllEvents(ctx)
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read events", err)
				}
				return opts.formatter(cmd).Emit(events, func(w io.Writer) {
					writeEvents(w, events, opts.Verbose)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Unsynced, "unsynced", false, "only events not yet acknowledged by the server")
	return cmd
}

func writeEvents(w io.Writer, events []event.DomainEvent, verbose bool) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLOCK\tAGGREGATE\tVERSION\tTYPE\tNODE\tSYNCED\tID")
	for _, ev := range events {
		synced := "yes"
		if !ev.Synced {
			synced = "no"
			if ev.SyncAttempts > 0 {
				synced = fmt.Sprintf("no (%d attempts)", ev.SyncAttempts)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			ev.Clock, ev.AggregateID, ev.Version, ev.EventType, ev.NodeID, synced, ev.ID)
		if verbose {
			fmt.Fprintf(tw, "\t\t\t%s\t\t\t\n", formatValue(ev.Data))
		}
	}
	tw.Flush()
}

// UnsyncedResult is the output of the unsynced command.
type UnsyncedResult struct {
	Count int64 `json:"count"`
}

// NewUnsyncedCommand creates the unsynced command.
func NewUnsyncedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unsynced",
		Short: "Print the number of events waiting to be synced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				n, err := a.eng.GetUnsyncedCount(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to count unsynced events", err)
				}
				return rootOpts.formatter(cmd).Emit(UnsyncedResult{Count: n}, func(w io.Writer) {
					fmt.Fprintf(w, "%d unsynced\n", n)
				})
			})
		},
	}
}
