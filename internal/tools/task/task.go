// Package task implements the optional task tool: a thin delegate that runs
// a single synchronous child turn through a separate model conversation and
// returns its final answer. It tracks run records the way
// internal/multiagent/subagent_registry.go tracks subagent runs, but scoped
// down to one child turn at a time with no swarm or orchestrator machinery.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/niffler-ai/niffler/internal/registry"
)

// RunStatus is the lifecycle state of a delegated run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
	StatusTimeout   RunStatus = "timeout"
)

// RunRecord tracks one delegated child turn.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Task      string    `json:"task"`
	Status    RunStatus `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Delegate runs a single child turn for the given task description and
// returns its final text answer. The engine supplies this; it's the only
// point of contact between the task tool and the conversation runtime.
type Delegate func(ctx context.Context, description string) (string, error)

// Tool implements the task tool.
type Tool struct {
	delegate Delegate
	timeout  time.Duration

	mu     sync.Mutex
	nextID int
	runs   map[string]*RunRecord
}

// New creates a task tool that delegates child turns to delegate, each
// bounded by timeout (defaults to 10 minutes, matching the subagent
// registry's default).
func New(delegate Delegate, timeout time.Duration) *Tool {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Tool{delegate: delegate, timeout: timeout, runs: make(map[string]*RunRecord)}
}

func (t *Tool) Name() string { return "task" }

func (t *Tool) Description() string {
	return "Delegate a self-contained piece of work to a fresh child conversation and return its answer."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{
				"type":        "string",
				"description": "What the child agent should do. Include all context it needs; it starts with none.",
			},
		},
		"required": []string{"description"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
	if t.delegate == nil {
		return &registry.Result{Content: "task tool has no delegate configured", IsError: true}, nil
	}
	var input struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &registry.Result{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}, nil
	}
	if input.Description == "" {
		return &registry.Result{Content: "description is required", IsError: true}, nil
	}

	record := t.startRun(input.Description)

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result, err := t.delegate(runCtx, input.Description)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		t.finishRun(record.RunID, StatusTimeout, "", "child turn exceeded its time limit")
		return &registry.Result{Content: "delegated task timed out", IsError: true}, nil
	case err != nil:
		t.finishRun(record.RunID, StatusError, "", err.Error())
		return &registry.Result{Content: fmt.Sprintf("delegated task failed: %v", err), IsError: true}, nil
	default:
		t.finishRun(record.RunID, StatusCompleted, result, "")
		return &registry.Result{Content: result}, nil
	}
}

func (t *Tool) startRun(description string) *RunRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	record := &RunRecord{
		RunID:     fmt.Sprintf("run-%d", t.nextID),
		Task:      description,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	t.runs[record.RunID] = record
	return record
}

func (t *Tool) finishRun(runID string, status RunStatus, result, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.runs[runID]
	if !ok {
		return
	}
	record.Status = status
	record.Result = result
	record.Error = errMsg
	record.EndedAt = time.Now()
}

// Runs returns a snapshot of tracked run records, most recent last.
func (t *Tool) Runs() []RunRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RunRecord, 0, len(t.runs))
	for i := 1; i <= t.nextID; i++ {
		if r, ok := t.runs[fmt.Sprintf("run-%d", i)]; ok {
			out = append(out, *r)
		}
	}
	return out
}
