// Package tools provides the registry the planner dispatches through: named
// tools with JSON-schema validated inputs and outputs, per-call timing, and
// tool_call trace emission.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sentienceapi/sentience-go/pkg/trace"
)

// Handler executes a tool call. Input has already been validated against the
// tool's input schema; the returned map is validated against the output
// schema before it reaches the caller.
type Handler func(ctx *CallContext, input map[string]any) (map[string]any, error)

// CallContext carries the per-call runtime a handler may need.
type CallContext struct {
	Context context.Context
	Tracer  trace.Tracer
	StepID  string
	// Runtime is an opaque slot for the embedding runtime (e.g. the
	// verification engine plus browser page). Handlers type-assert it.
	Runtime any
}

// Spec declares one tool. InputSchema and OutputSchema are JSON-schema
// documents as maps; a nil schema skips validation on that side.
// Parameters optionally overrides the model-facing parameter schema.
type Spec struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
	Parameters   map[string]any
	Handler      Handler
}

// Description of a tool as presented to a model.
type ModelTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type entry struct {
	spec   Spec
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// Registry maps tool names to specs. Registration compiles schemas once;
// execution is otherwise stateless.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{entries: make(map[string]*entry), logger: logger}
}

// Register adds a tool. Fails with ErrAlreadyRegistered if the name exists
// and surfaces schema compilation errors immediately rather than at call
// time.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec missing name")
	}
	in, err := compileSchema(spec.Name+"/input", spec.InputSchema)
	if err != nil {
		return fmt.Errorf("input schema for %s: %w", spec.Name, err)
	}
	out, err := compileSchema(spec.Name+"/output", spec.OutputSchema)
	if err != nil {
		return fmt.Errorf("output schema for %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, spec.Name)
	}
	r.entries[spec.Name] = &entry{spec: spec, input: in, output: out}
	r.logger.Debug().Str("tool", spec.Name).Msg("tool registered")
	return nil
}

// Get returns the spec for name, or false.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Spec{}, false
	}
	return e.spec, true
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DescribeForModel returns the model-facing tool catalogue. Parameters is
// the explicit override when provided, otherwise the input schema.
func (r *Registry) DescribeForModel() []ModelTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelTool, 0, len(r.entries))
	for _, e := range r.entries {
		params := e.spec.Parameters
		if params == nil {
			params = e.spec.InputSchema
		}
		out = append(out, ModelTool{
			Name:        e.spec.Name,
			Description: e.spec.Description,
			Parameters:  params,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute dispatches one tool call: resolve, validate input, run the
// handler, validate output, emit a tool_call trace event. Handler errors
// propagate to the caller after the failure event is emitted.
func (r *Registry) Execute(name string, payload map[string]any, ctx *CallContext) (map[string]any, error) {
	if ctx == nil {
		ctx = &CallContext{Context: context.Background()}
	}
	if ctx.Context == nil {
		ctx.Context = context.Background()
	}

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if e.spec.Handler == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, name)
	}

	start := time.Now()
	// Normalize through JSON so handlers and schemas see the wire form
	// (all numbers as float64) regardless of how the caller built the map.
	payload, nErr := normalize(payload)
	if nErr != nil {
		inErr := contractError(ErrInvalidInput, name, nErr)
		r.emit(ctx, name, payload, nil, inErr, time.Since(start))
		return nil, inErr
	}
	if err := validate(e.input, payload); err != nil {
		inErr := contractError(ErrInvalidInput, name, err)
		r.emit(ctx, name, payload, nil, inErr, time.Since(start))
		return nil, inErr
	}

	result, err := e.spec.Handler(ctx, payload)
	if err != nil {
		r.emit(ctx, name, payload, nil, err, time.Since(start))
		return nil, err
	}

	if vErr := validate(e.output, result); vErr != nil {
		outErr := contractError(ErrInvalidOutput, name, vErr)
		r.emit(ctx, name, payload, nil, outErr, time.Since(start))
		return nil, outErr
	}

	r.emit(ctx, name, payload, result, nil, time.Since(start))
	return result, nil
}

func (r *Registry) emit(ctx *CallContext, name string, inputs, outputs map[string]any, err error, elapsed time.Duration) {
	if ctx.Tracer == nil {
		return
	}
	data := map[string]any{
		"tool_name":   name,
		"inputs":      inputs,
		"success":     err == nil,
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	} else {
		data["outputs"] = outputs
	}
	ctx.Tracer.Emit(trace.KindToolCall, data, ctx.StepID)
}

// compileSchema compiles a JSON-schema map with jsonschema/v5. A nil map
// compiles to nil (validation skipped).
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "inmem://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compilation failed: %w", err)
	}
	return compiled, nil
}

// normalize round-trips a payload through JSON, yielding the wire form.
func normalize(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload not serializable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// validate runs a compiled schema over a payload. Handler results may carry
// typed values (ints, structs), so they round-trip through JSON first.
func validate(schema *jsonschema.Schema, payload map[string]any) error {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload not serializable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
