package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	execsafety "github.com/niffler-ai/niffler/internal/exec"
	"github.com/niffler-ai/niffler/internal/registry"
)

// BashTool runs a shell command synchronously within the workspace.
type BashTool struct {
	manager        *Manager
	defaultTimeout time.Duration
	timeoutCeiling time.Duration
}

// NewBashTool creates a bash tool backed by manager. defaultTimeout applies
// when the caller doesn't specify one; timeoutCeiling caps how long any
// single call may run regardless of what's requested.
func NewBashTool(manager *Manager, defaultTimeout, timeoutCeiling time.Duration) *BashTool {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if timeoutCeiling <= 0 {
		timeoutCeiling = 300 * time.Second
	}
	return &BashTool{manager: manager, defaultTimeout: defaultTimeout, timeoutCeiling: timeoutCeiling}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command in the workspace and return its stdout, stderr, and exit code."
}

func (t *BashTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory, relative to the workspace.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (capped at the tool's ceiling).",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *BashTool) Execute(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
	if t.manager == nil {
		return &registry.Result{Content: "bash tool has no process manager configured", IsError: true}, nil
	}
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &registry.Result{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}, nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return &registry.Result{Content: "command is required", IsError: true}, nil
	}
	if input.Cwd != "" {
		if _, err := execsafety.SanitizeArgument(input.Cwd); err != nil {
			return &registry.Result{Content: fmt.Sprintf("invalid cwd: %v", err), IsError: true}, nil
		}
	}

	timeout := t.defaultTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	if timeout > t.timeoutCeiling {
		timeout = t.timeoutCeiling
	}

	result, err := t.manager.RunCommand(ctx, command, input.Cwd, nil, "", timeout)
	if err != nil {
		return &registry.Result{Content: err.Error(), IsError: true}, nil
	}

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return &registry.Result{Content: fmt.Sprintf("encode result: %v", err), IsError: true}, nil
	}
	return &registry.Result{Content: string(payload), IsError: result.ExitCode != 0}, nil
}
