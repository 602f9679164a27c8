// Package registry is the Tool Registry named in spec §4.4: a thread-safe
// catalog of the fixed tool set, each tool's JSON Schema compiled once and
// cached, and a single Execute entry point the Tool Worker calls after
// validating a tool call's arguments against that schema.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool-call parameter limits, mirrored from the teacher's ToolRegistry to
// keep a misbehaving model from exhausting memory on a single call.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

// Tool is implemented by every member of the fixed tool set.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is a tool's outcome, independent of how it's later persisted or
// truncated by the Tool Worker.
type Result struct {
	Content string
	IsError bool
}

// Registry holds the fixed tool set and validates calls against each tool's
// declared JSON Schema before executing it.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	schemas sync.Map // name -> *jsonschema.Schema
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name and compiles its schema eagerly
// so a bad schema fails at startup rather than on first call.
func (r *Registry) Register(tool Tool) error {
	schema, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas.Store(tool.Name(), schema)
	return nil
}

// Unregister removes a tool and its compiled schema.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	r.schemas.Delete(name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, for building the LLM-facing tool
// list and for duplicate-call tracking in the Conversation Engine.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Validate checks argsJSON against name's compiled schema without executing
// the tool. Execute calls it before running the tool, so invalid arguments
// come back as an error Result before any side effect runs.
func (r *Registry) Validate(name string, argsJSON json.RawMessage) error {
	schemaAny, ok := r.schemas.Load(name)
	if !ok {
		return fmt.Errorf("no schema registered for tool %q", name)
	}
	schema := schemaAny.(*jsonschema.Schema)

	var decoded any
	if err := json.Unmarshal(argsJSON, &decoded); err != nil {
		return fmt.Errorf("tool %q arguments are not valid JSON: %w", name, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("tool %q arguments failed validation: %w", name, err)
	}
	return nil
}

// Execute validates params against the tool's schema and, if valid, runs it.
// Unknown tools and oversized inputs return an error Result rather than a Go
// error, matching the teacher's convention of surfacing these to the model
// as a tool-result message instead of aborting the turn.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return &Result{Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), IsError: true}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &Result{Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), IsError: true}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{Content: "tool not found: " + name, IsError: true}, nil
	}

	if err := r.Validate(name, params); err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}

	return tool.Execute(ctx, params)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := compiler.AddResource(resourceName, bytesReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %q: invalid schema: %w", name, err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("tool %q: schema compile failed: %w", name, err)
	}
	return schema, nil
}

func bytesReader(raw json.RawMessage) io.Reader {
	return bytes.NewReader(raw)
}
