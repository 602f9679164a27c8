// Package mode implements the Plan/Code policy gate described in spec §4.
// In Plan mode, edits to files that already existed before the plan started
// are refused; files the plan itself created remain editable. Code mode and
// brand-new files are never gated.
package mode

import (
	"errors"
	"sync"

	"github.com/niffler-ai/niffler/pkg/models"
)

// ErrPlanProtection is returned by CheckEdit when Plan mode blocks a write.
var ErrPlanProtection = errors.New("plan mode protection: file was not created during this plan and may not be edited")

// Gate tracks the active mode and, per conversation, which paths the current
// plan has created. It is the single entry point tool execution consults
// before mutating a file.
type Gate struct {
	mu                     sync.Mutex
	mode                   models.Mode
	conversationID         string
	created                *models.PlanModeCreatedFiles
	persistenceUnavailable bool
}

// New returns a Gate defaulting to Code mode, matching spec §9's decision to
// start every conversation unrestricted until the user opts into Plan mode.
func New() *Gate {
	return &Gate{mode: models.ModeCode}
}

// SwitchConversation resets the gate for a newly loaded conversation. Per
// spec §9, the created-files set is intentionally not persisted across a
// reload: switching conversations always starts from an empty set.
func (g *Gate) SwitchConversation(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conversationID = conversationID
	g.created = models.NewPlanModeCreatedFiles(conversationID)
}

// SwitchMode changes the active mode and clears the created-files set, so a
// prior plan's allowances don't leak into a later one.
func (g *Gate) SwitchMode(m models.Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = m
	g.created = models.NewPlanModeCreatedFiles(g.conversationID)
}

// Mode returns the active mode.
func (g *Gate) Mode() models.Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// SetPersistenceUnavailable toggles fail-open behavior: while the backing
// store can't record created files, CheckEdit never blocks, since refusing
// writes based on state we can't reliably track would be worse than
// allowing them.
func (g *Gate) SetPersistenceUnavailable(unavailable bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.persistenceUnavailable = unavailable
}

// MarkCreated records that path was created during the current plan, so a
// later edit within the same plan is allowed.
func (g *Gate) MarkCreated(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.created != nil {
		g.created.MarkCreated(path)
	}
}

// CheckEdit returns nil if an edit to path is currently allowed, or
// ErrPlanProtection if Plan mode blocks it. existsOnDisk tells the gate
// whether this is a write to a pre-existing file; paths that don't exist
// yet are always allowed, since they can only be new files regardless of
// which tool produces them.
func (g *Gate) CheckEdit(path string, existsOnDisk bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.persistenceUnavailable {
		return nil
	}
	if g.mode != models.ModePlan {
		return nil
	}
	if !existsOnDisk {
		return nil
	}
	if g.created != nil && g.created.WasCreated(path) {
		return nil
	}
	return ErrPlanProtection
}
