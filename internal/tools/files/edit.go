package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/niffler-ai/niffler/internal/mode"
	"github.com/niffler-ai/niffler/internal/registry"
)

// EditOperation names one of the six ways edit can mutate a file.
type EditOperation string

const (
	OpReplace EditOperation = "replace"
	OpInsert  EditOperation = "insert"
	OpDelete  EditOperation = "delete"
	OpAppend  EditOperation = "append"
	OpPrepend EditOperation = "prepend"
	OpRewrite EditOperation = "rewrite"
)

// EditTool mutates an existing file in the workspace, gated by Plan mode.
type EditTool struct {
	resolver Resolver
	gate     *mode.Gate
}

// NewEditTool creates an edit tool scoped to the workspace and gated by g.
func NewEditTool(cfg Config, g *mode.Gate) *EditTool {
	return &EditTool{resolver: Resolver{Root: cfg.Workspace}, gate: g}
}

func (t *EditTool) Name() string { return "edit" }

func (t *EditTool) Description() string {
	return "Edit an existing file in the workspace: replace, insert, delete, append, prepend, or rewrite."
}

func (t *EditTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to edit (relative to workspace).",
			},
			"operation": map[string]any{
				"type":        "string",
				"enum":        []string{"replace", "insert", "delete", "append", "prepend", "rewrite"},
				"description": "Edit operation to apply.",
			},
			"old_text": map[string]any{
				"type":        "string",
				"description": "Text to find, for replace/delete.",
			},
			"new_text": map[string]any{
				"type":        "string",
				"description": "Replacement or inserted text, for replace/insert/append/prepend/rewrite.",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace every occurrence instead of just the first (replace only).",
			},
			"line": map[string]any{
				"type":        "integer",
				"description": "1-indexed line to insert before (insert only). Omit to insert at end of file.",
				"minimum":     1,
			},
		},
		"required": []string{"path", "operation"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *EditTool) Execute(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
	_ = ctx
	var input struct {
		Path       string        `json:"path"`
		Operation  EditOperation `json:"operation"`
		OldText    string        `json:"old_text"`
		NewText    string        `json:"new_text"`
		ReplaceAll bool          `json:"replace_all"`
		Line       int           `json:"line"`
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

	existing, statErr := os.Stat(resolved)
	existsOnDisk := statErr == nil && !existing.IsDir()
	if t.gate != nil {
		if err := t.gate.CheckEdit(input.Path, existsOnDisk); err != nil {
			return toolError(err.Error()), nil
		}
	}

	var content string
	if existsOnDisk {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return toolError(fmt.Sprintf("read file: %v", err)), nil
		}
		content = string(data)
	} else if input.Operation != OpRewrite {
		return toolError(fmt.Sprintf("file does not exist: %s", input.Path)), nil
	}

	replacements := 0
	switch input.Operation {
	case OpReplace:
		if input.OldText == "" {
			return toolError("old_text is required for replace"), nil
		}
		if !strings.Contains(content, input.OldText) {
			return toolError("old_text not found"), nil
		}
		if input.ReplaceAll {
			replacements = strings.Count(content, input.OldText)
			content = strings.ReplaceAll(content, input.OldText, input.NewText)
		} else {
			content = strings.Replace(content, input.OldText, input.NewText, 1)
			replacements = 1
		}

	case OpDelete:
		if input.OldText == "" {
			return toolError("old_text is required for delete"), nil
		}
		if !strings.Contains(content, input.OldText) {
			return toolError("old_text not found"), nil
		}
		if input.ReplaceAll {
			replacements = strings.Count(content, input.OldText)
			content = strings.ReplaceAll(content, input.OldText, "")
		} else {
			content = strings.Replace(content, input.OldText, "", 1)
			replacements = 1
		}

	case OpInsert:
		lines := splitLines(content)
		at := input.Line
		if at <= 0 || at > len(lines)+1 {
			at = len(lines) + 1
		}
		idx := at - 1
		inserted := append([]string{}, lines[:idx]...)
		inserted = append(inserted, input.NewText)
		inserted = append(inserted, lines[idx:]...)
		content = strings.Join(inserted, "\n")
		replacements = 1

	case OpAppend:
		content += input.NewText
		replacements = 1

	case OpPrepend:
		content = input.NewText + content
		replacements = 1

	case OpRewrite:
		content = input.NewText
		replacements = 1

	default:
		return toolError(fmt.Sprintf("unsupported operation: %s", input.Operation)), nil
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	result := map[string]any{
		"path":         input.Path,
		"operation":    input.Operation,
		"replacements": replacements,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}

	return &registry.Result{Content: string(payload)}, nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}
