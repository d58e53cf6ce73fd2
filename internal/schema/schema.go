// Package schema validates event payloads against CUE definitions.
//
// A schema file declares one struct per aggregate type and, inside it, one
// struct per event type:
//
//	case: {
//		created: {
//			status!: "open" | "closed"
//			amount?: int & >=0
//		}
//		updated: status?: "open" | "closed"
//	}
//
// A payload is valid when unifying it with its schema yields a concrete value.
// Aggregate or event types without a schema are open maps and always pass:
// unknown payloads keep the generic merge semantics of replay.
package schema

import (
	stderrors "errors"
	"fmt"
	"os"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/offsync/internal/event"
)

// ErrInvalidPayload is wrapped by every validation failure.
var ErrInvalidPayload = stderrors.New("invalid event payload")

// ValidationError reports why a payload does not satisfy its schema.
type ValidationError struct {
	AggregateType string
	EventType     event.Type
	Message       string
	Pos           token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s %s: %s:%d:%d: %s",
			e.AggregateType, e.EventType,
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.AggregateType, e.EventType, e.Message)
}

// Unwrap lets callers match ErrInvalidPayload.
func (e *ValidationError) Unwrap() error { return ErrInvalidPayload }

// Registry holds compiled payload schemas. It is safe for concurrent reads.
type Registry struct {
	ctx  *cue.Context
	root cue.Value
}

// Compile builds a registry from CUE source. name is used in error positions.
func Compile(name, src string) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", formatCUEError(err))
	}
	return &Registry{ctx: ctx, root: v}, nil
}

// Load builds a registry from a .cue file or from a directory holding one
// CUE package.
func Load(path string) (*Registry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if !info.IsDir() {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load schema: %w", err)
		}
		return Compile(path, string(src))
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load schema: no CUE instances in %s", path)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load schema: %w", formatCUEError(inst.Err))
	}
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("load schema: %w", formatCUEError(err))
	}
	return &Registry{ctx: ctx, root: v}, nil
}

// Lookup returns the schema of an event type, if one is declared.
func (r *Registry) Lookup(aggregateType string, eventType event.Type) (cue.Value, bool) {
	if r == nil {
		return cue.Value{}, false
	}
	v := r.root.LookupPath(cue.MakePath(cue.Str(aggregateType), cue.Str(string(eventType))))
	return v, v.Exists()
}

// Validate checks data against the schema for (aggregateType, eventType).
// Types without a schema pass. Implements eventstore.Validator.
func (r *Registry) Validate(aggregateType string, eventType event.Type, data map[string]any) error {
	schema, ok := r.Lookup(aggregateType, eventType)
	if !ok {
		return nil
	}

	payload := r.ctx.Encode(data)
	if err := payload.Err(); err != nil {
		return r.validationError(aggregateType, eventType, err)
	}
	if err := schema.Unify(payload).Validate(cue.Concrete(true)); err != nil {
		return r.validationError(aggregateType, eventType, err)
	}
	return nil
}

func (r *Registry) validationError(aggregateType string, eventType event.Type, err error) error {
	verr := &ValidationError{
		AggregateType: aggregateType,
		EventType:     eventType,
		Message:       err.Error(),
	}
	if errs := errors.Errors(err); len(errs) > 0 {
		verr.Message = errs[0].Error()
		if pos := errors.Positions(errs[0]); len(pos) > 0 {
			verr.Pos = pos[0]
		}
	}
	return verr
}

// Types lists declared aggregate types and their event types, sorted.
func (r *Registry) Types() (map[string][]string, error) {
	out := map[string][]string{}
	aggs, err := r.root.Fields()
	if err != nil {
		return nil, fmt.Errorf("list schema types: %w", err)
	}
	for aggs.Next() {
		agg := aggs.Selector().Unquoted()
		events, err := aggs.Value().Fields()
		if err != nil {
			return nil, fmt.Errorf("list schema types %s: %w", agg, err)
		}
		names := []string{}
		for events.Next() {
			names = append(names, events.Selector().Unquoted())
		}
		slices.Sort(names)
		out[agg] = names
	}
	return out, nil
}

// formatCUEError keeps the first CUE error with its source position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if pos := errors.Positions(first); len(pos) > 0 && pos[0].IsValid() {
		return fmt.Errorf("%s:%d:%d: %w", pos[0].Filename(), pos[0].Line(), pos[0].Column(), first)
	}
	return first
}
