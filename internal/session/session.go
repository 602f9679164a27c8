// Package session holds the process-wide Session state described in spec
// §4.7: the active conversation id, the active Plan/Code mode, and running
// token counters. Updates are serialized under a mutex since the UI and
// Conversation Engine both observe and mutate it.
package session

import (
	"sync"

	"github.com/niffler-ai/niffler/internal/mode"
	"github.com/niffler-ai/niffler/pkg/models"
)

// Session is the single process-wide source of truth for "what conversation
// and mode are active right now".
type Session struct {
	mu             sync.Mutex
	conversationID string
	currentMode    models.Mode
	counters       map[string]*models.TokenUsage // keyed by model nickname
	gate           *mode.Gate
}

// New creates a Session starting in Code mode with no active conversation.
func New(gate *mode.Gate) *Session {
	return &Session{
		currentMode: models.ModeCode,
		counters:    make(map[string]*models.TokenUsage),
		gate:        gate,
	}
}

// ConversationID returns the active conversation id, empty if none.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Mode returns the active editing mode.
func (s *Session) Mode() models.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentMode
}

// RestoreModeWithProtection is the single entry point used after a
// conversation load (startup or an explicit /conv switch)
// to guarantee the Plan-mode gate is initialized consistently regardless of
// which path triggered the load, per spec §4.7.
func (s *Session) RestoreModeWithProtection(conversationID string, m models.Mode) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.currentMode = m
	s.mu.Unlock()

	if s.gate == nil {
		return
	}
	s.gate.SwitchConversation(conversationID)
	s.gate.SwitchMode(m)
}

// SwitchMode toggles the active mode for the current conversation. It is
// idempotent: switching to the mode already active still resets the gate's
// created-files set, matching the engine's mode-switch contract in §4.5.
func (s *Session) SwitchMode(m models.Mode) {
	s.mu.Lock()
	s.currentMode = m
	s.mu.Unlock()
	if s.gate != nil {
		s.gate.SwitchMode(m)
	}
}

// ToggleMode flips Plan<->Code, the behavior bound to the UI's Shift+Tab key.
func (s *Session) ToggleMode() models.Mode {
	s.mu.Lock()
	next := models.ModeCode
	if s.currentMode == models.ModeCode {
		next = models.ModePlan
	}
	s.currentMode = next
	s.mu.Unlock()
	if s.gate != nil {
		s.gate.SwitchMode(next)
	}
	return next
}

// AddUsage folds a completed turn's usage into the model's running counter.
func (s *Session) AddUsage(model string, input, output, reasoning, costMicroDollars int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[model]
	if !ok {
		counter = &models.TokenUsage{ConversationID: s.conversationID, Model: model}
		s.counters[model] = counter
	}
	counter.Add(input, output, reasoning, costMicroDollars)
}

// Usage returns a snapshot of the running counters keyed by model nickname.
func (s *Session) Usage() map[string]models.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.TokenUsage, len(s.counters))
	for model, counter := range s.counters {
		out[model] = *counter
	}
	return out
}
