// Package todolist implements the todolist tool: a scratch list of steps
// the model can track for itself across a single conversation's turns.
// State lives in memory only, scoped to one conversation at a time, and is
// not part of the persisted conversation history.
package todolist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/niffler-ai/niffler/internal/registry"
)

// ItemStatus is the lifecycle state of one todo item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
)

// Item is one entry in the list.
type Item struct {
	ID     int        `json:"id"`
	Text   string     `json:"text"`
	Status ItemStatus `json:"status"`
}

// Tool implements the todolist tool. It's safe for concurrent use, though in
// practice only the Tool Worker's single goroutine calls Execute.
type Tool struct {
	mu       sync.Mutex
	byConv   map[string][]Item
	nextID   map[string]int
	currentC string
}

// New returns an empty todolist tool.
func New() *Tool {
	return &Tool{byConv: make(map[string][]Item), nextID: make(map[string]int)}
}

// SetConversation scopes subsequent Execute calls to conversationID's list.
func (t *Tool) SetConversation(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentC = conversationID
}

func (t *Tool) Name() string { return "todolist" }

func (t *Tool) Description() string {
	return "Track a scratch list of steps for the current task: add, complete, or view items."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"add", "update", "remove", "list", "clear"},
				"description": "Action to perform.",
			},
			"text": map[string]any{
				"type":        "string",
				"description": "Item text, for add.",
			},
			"id": map[string]any{
				"type":        "integer",
				"description": "Item id, for update/remove.",
			},
			"status": map[string]any{
				"type":        "string",
				"enum":        []string{"pending", "in_progress", "completed"},
				"description": "New status, for update.",
			},
		},
		"required": []string{"action"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
	_ = ctx
	var input struct {
		Action string     `json:"action"`
		Text   string     `json:"text"`
		ID     int        `json:"id"`
		Status ItemStatus `json:"status"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &registry.Result{Content: fmt.Sprintf("Invalid parameters: %v", err), IsError: true}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	conv := t.currentC

	switch strings.ToLower(input.Action) {
	case "add":
		if strings.TrimSpace(input.Text) == "" {
			return &registry.Result{Content: "text is required for add", IsError: true}, nil
		}
		t.nextID[conv]++
		item := Item{ID: t.nextID[conv], Text: input.Text, Status: StatusPending}
		t.byConv[conv] = append(t.byConv[conv], item)
		return t.resultFor(conv)

	case "update":
		items := t.byConv[conv]
		for i := range items {
			if items[i].ID == input.ID {
				if input.Status != "" {
					items[i].Status = input.Status
				}
				if input.Text != "" {
					items[i].Text = input.Text
				}
				return t.resultFor(conv)
			}
		}
		return &registry.Result{Content: fmt.Sprintf("no item with id %d", input.ID), IsError: true}, nil

	case "remove":
		items := t.byConv[conv]
		out := items[:0]
		found := false
		for _, it := range items {
			if it.ID == input.ID {
				found = true
				continue
			}
			out = append(out, it)
		}
		t.byConv[conv] = out
		if !found {
			return &registry.Result{Content: fmt.Sprintf("no item with id %d", input.ID), IsError: true}, nil
		}
		return t.resultFor(conv)

	case "list":
		return t.resultFor(conv)

	case "clear":
		t.byConv[conv] = nil
		return t.resultFor(conv)

	default:
		return &registry.Result{Content: fmt.Sprintf("unsupported action: %s", input.Action), IsError: true}, nil
	}
}

func (t *Tool) resultFor(conv string) (*registry.Result, error) {
	payload, err := json.MarshalIndent(map[string]any{"items": t.byConv[conv]}, "", "  ")
	if err != nil {
		return &registry.Result{Content: err.Error(), IsError: true}, nil
	}
	return &registry.Result{Content: string(payload)}, nil
}
