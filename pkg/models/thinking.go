package models

import "time"

// ThinkingFormat identifies which wire convention produced a thinking token.
type ThinkingFormat string

const (
	ThinkingFormatAnthropic ThinkingFormat = "anthropic"
	ThinkingFormatOpenAI    ThinkingFormat = "openai"
	ThinkingFormatEncrypted ThinkingFormat = "encrypted"
	ThinkingFormatNone      ThinkingFormat = "none"
)

// ThinkingImportance lets callers filter or redact reasoning independently
// of assistant text.
type ThinkingImportance string

const (
	ThinkingLow     ThinkingImportance = "low"
	ThinkingMed     ThinkingImportance = "med"
	ThinkingHigh    ThinkingImportance = "high"
	ThinkingEssential ThinkingImportance = "essential"
)

// ThinkingToken is a block of reasoning content stored apart from the
// assistant message it accompanied.
type ThinkingToken struct {
	ID               string             `json:"id"`
	ConversationID   string             `json:"conversation_id"`
	MessageID        string             `json:"message_id,omitempty"`
	Format           ThinkingFormat     `json:"format"`
	ReasoningContent string             `json:"reasoning_content,omitempty"`
	EncryptedContent string             `json:"encrypted_content,omitempty"`
	ReasoningID      string             `json:"reasoning_id,omitempty"`
	Importance       ThinkingImportance `json:"importance"`
	TokenCount       int64              `json:"token_count"`
	Dropped          bool               `json:"dropped,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
}
