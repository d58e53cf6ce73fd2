package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/eventstore"
	"github.com/roach88/offsync/internal/schema"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Data          string
	DataFile      string
	CorrelationID string
	CausationID   string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <aggregate-id> <aggregate-type> <event-type>",
		Short: "Append a domain event to the local log",
		Long: `Append a domain event to the local log.

The payload is a JSON object given with --data or read from --data-file
("-" reads stdin). The event is stamped with the node id, the next Lamport
clock value, the aggregate's next version and a checksum.

Examples:
  offsync append case-1 case created --data '{"title":"Lost wallet"}'
  offsync append case-1 case updated --data-file patch.json`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, cmd, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Data, "data", "d", "{}", "event payload as a JSON object")
	cmd.Flags().StringVar(&opts.DataFile, "data-file", "", `read the payload from a file ("-" for stdin)`)
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "correlation id to record")
	cmd.Flags().StringVar(&opts.CausationID, "causation-id", "", "id of the event that caused this one")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")

	return cmd
}

func runAppend(opts *AppendOptions, cmd *cobra.Command, args []string) error {
	data, err := readPayload(cmd, opts.Data, opts.DataFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid payload", err)
	}

	var appendOpts []eventstore.AppendOption
	if opts.CorrelationID != "" {
		appendOpts = append(appendOpts, eventstore.WithCorrelationID(opts.CorrelationID))
	}
	if opts.CausationID != "" {
		appendOpts = append(appendOpts, eventstore.WithCausationID(opts.CausationID))
	}

	return withApp(cmd.Context(), opts.RootOptions, func(a *app) error {
		ev, err := a.eng.AppendEvent(cmd.Context(), args[0], args[1], event.Type(args[2]), data, appendOpts...)
		if err != nil {
			if errors.Is(err, schema.ErrInvalidPayload) {
				return WrapExitError(ExitFailure, "payload rejected by schema", err)
			}
			return WrapExitError(ExitCommandError, "failed to append event", err)
		}

		return opts.formatter(cmd).Emit(ev, func(w io.Writer) {
			fmt.Fprintf(w, "appended %s to %s (version %d, clock %d)\n",
				ev.ID, ev.AggregateID, ev.Version, ev.Clock)
		})
	})
}

func readPayload(cmd *cobra.Command, inline, file string) (map[string]any, error) {
	raw := []byte(inline)
	switch file {
	case "":
	case "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	default:
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		raw = b
	}
	return event.DecodeObject(raw)
}
