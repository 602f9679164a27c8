package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/niffler-ai/niffler/internal/mode"
	"github.com/niffler-ai/niffler/internal/registry"
)

// CreateTool writes a new file into the workspace. Unlike edit, create is
// never blocked by the Plan-mode gate; instead it records the path as
// created, so a later edit to that same file is permitted within the plan.
type CreateTool struct {
	resolver Resolver
	gate     *mode.Gate
}

// NewCreateTool creates a create tool scoped to the workspace.
func NewCreateTool(cfg Config, g *mode.Gate) *CreateTool {
	return &CreateTool{resolver: Resolver{Root: cfg.Workspace}, gate: g}
}

func (t *CreateTool) Name() string { return "create" }

func (t *CreateTool) Description() string {
	return "Create a new file in the workspace with the given content, overwriting it if it already exists."
}

func (t *CreateTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to create (relative to workspace).",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "File contents.",
			},
		},
		"required": []string{"path", "content"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *CreateTool) Execute(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
	_ = ctx
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create directory: %v", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	if t.gate != nil {
		t.gate.MarkCreated(input.Path)
	}

	result := map[string]any{
		"path":          input.Path,
		"bytes_written": len(input.Content),
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &registry.Result{Content: string(payload)}, nil
}
