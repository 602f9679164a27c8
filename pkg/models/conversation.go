package models

import "time"

// Conversation is a persisted chat thread between the user and the model.
// Lifecycle ends only by archival (IsActive=false); there is no hard delete.
type Conversation struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	Mode          Mode      `json:"mode"`
	ModelNickname string    `json:"model_nickname"`
	Created       time.Time `json:"created"`
	LastActivity  time.Time `json:"last_activity"`
	MessageCount  int64     `json:"message_count"`
	IsActive      bool      `json:"is_active"`
}

// PlanModeCreatedFiles tracks the set of workspace-relative paths a
// conversation created while in Plan mode. A file in this set may be edited
// in Plan mode even though it would otherwise be gated to Code mode.
type PlanModeCreatedFiles struct {
	ConversationID string          `json:"conversation_id"`
	Enabled        bool            `json:"enabled"`
	Files          map[string]bool `json:"files"`
}

// NewPlanModeCreatedFiles returns an empty tracker for a conversation.
func NewPlanModeCreatedFiles(conversationID string) *PlanModeCreatedFiles {
	return &PlanModeCreatedFiles{
		ConversationID: conversationID,
		Files:          make(map[string]bool),
	}
}

// MarkCreated records path as created under Plan mode.
func (p *PlanModeCreatedFiles) MarkCreated(path string) {
	if p.Files == nil {
		p.Files = make(map[string]bool)
	}
	p.Files[path] = true
}

// WasCreated reports whether path was created during this conversation's
// Plan mode session.
func (p *PlanModeCreatedFiles) WasCreated(path string) bool {
	if p == nil || p.Files == nil {
		return false
	}
	return p.Files[path]
}

// Clear empties the tracked set.
func (p *PlanModeCreatedFiles) Clear() {
	p.Files = make(map[string]bool)
}
