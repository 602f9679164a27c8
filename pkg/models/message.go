// Package models provides the core domain types shared across Niffler's
// API Worker, Tool Worker, Conversation Engine, and Persistence layer.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Mode is the conversation's editing policy: Plan restricts file mutation,
// Code allows it without restriction.
type Mode string

const (
	ModePlan Mode = "plan"
	ModeCode Mode = "code"
)

// Message is a single turn in a conversation's transcript. Ordering within
// a conversation is by the sequence number the store assigns on append,
// never by ID or CreatedAt.
type Message struct {
	ID              string       `json:"id"`
	ConversationID  string       `json:"conversation_id"`
	Role            Role         `json:"role"`
	Content         string       `json:"content"`
	ToolCalls       []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID      string       `json:"tool_call_id,omitempty"`
	InputTokens     int64        `json:"input_tokens,omitempty"`
	OutputTokens    int64        `json:"output_tokens,omitempty"`
	ReasoningTokens int64        `json:"reasoning_tokens,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// ToolCall represents the model's request to invoke a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the outcome of executing a tool call. ToolCallID
// must reference a ToolCall already persisted in the same conversation.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

