package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/schema"
)

// SchemaOptions holds flags for the schema command.
type SchemaOptions struct {
	*RootOptions
	Aggregate string
	Event     string
	Data      string
}

// SchemaResult is the output of the schema command.
type SchemaResult struct {
	Path  string              `json:"path"`
	Types map[string][]string `json:"types"`
	Valid *bool               `json:"valid,omitempty"`
	Error string              `json:"error,omitempty"`
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema [path]",
		Short: "Check CUE payload schemas",
		Long: `Load CUE payload schemas and list the event types they declare. With
--aggregate, --event and --data a payload is validated against them.

The path defaults to the schema setting of the config.

Exit codes:
  0 - Schemas load (and the payload is valid)
  1 - The payload is invalid
  2 - The schemas do not compile

Examples:
  offsync schema schemas/
  offsync schema schemas/ --aggregate case --event created --data '{"status":"open"}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Aggregate, "aggregate", "", "aggregate type of the payload to validate")
	cmd.Flags().StringVar(&opts.Event, "event", "", "event type of the payload to validate")
	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "payload to validate as a JSON object")
	cmd.MarkFlagsRequiredTogether("aggregate", "event", "data")

	return cmd
}

func runSchema(opts *SchemaOptions, cmd *cobra.Command, args []string) error {
	path := opts.Config.Schema
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return NewExitError(ExitCommandError, "no schema path given")
	}

	opts.formatter(cmd).VerboseLog("loading schemas from %s", path)
	reg, err := schema.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schema", err)
	}
	types, err := reg.Types()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list schema types", err)
	}

	res := SchemaResult{Path: path, Types: types}
	var invalid error
	if opts.Aggregate != "" {
		data, err := event.DecodeObject([]byte(opts.Data))
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid payload", err)
		}
		invalid = reg.Validate(opts.Aggregate, event.Type(opts.Event), data)
		if invalid != nil && !errors.Is(invalid, schema.ErrInvalidPayload) {
			return WrapExitError(ExitCommandError, "failed to validate payload", invalid)
		}
		valid := invalid == nil
		res.Valid = &valid
		if invalid != nil {
			res.Error = invalid.Error()
		}
	}

	if err := opts.formatter(cmd).Emit(res, func(w io.Writer) {
		writeSchemaText(w, res)
	}); err != nil {
		return err
	}
	if invalid != nil {
		return WrapExitError(ExitFailure, "payload does not match schema", invalid)
	}
	return nil
}

func writeSchemaText(w io.Writer, res SchemaResult) {
	aggs := make([]string, 0, len(res.Types))
	for agg := range res.Types {
		aggs = append(aggs, agg)
	}
	slices.Sort(aggs)
	for _, agg := range aggs {
		for _, ev := range res.Types[agg] {
			fmt.Fprintf(w, "%s.%s\n", agg, ev)
		}
	}
	switch {
	case res.Valid == nil:
	case *res.Valid:
		fmt.Fprintln(w, "✓ payload valid")
	default:
		fmt.Fprintf(w, "✗ %s\n", res.Error)
	}
}
