package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/niffler-ai/niffler/internal/mode"
	"github.com/niffler-ai/niffler/pkg/models"
)

func TestSession_DefaultsToCodeMode(t *testing.T) {
	s := New(mode.New())
	require.Equal(t, models.ModeCode, s.Mode())
}

func TestSession_RestoreModeWithProtectionSyncsGate(t *testing.T) {
	g := mode.New()
	s := New(g)

	s.RestoreModeWithProtection("conv-1", models.ModePlan)
	require.Equal(t, "conv-1", s.ConversationID())
	require.Equal(t, models.ModePlan, s.Mode())
	require.Equal(t, models.ModePlan, g.Mode())
}

func TestSession_ToggleModeFlips(t *testing.T) {
	s := New(mode.New())
	require.Equal(t, models.ModePlan, s.ToggleMode())
	require.Equal(t, models.ModeCode, s.ToggleMode())
}

func TestSession_AddUsageAccumulatesPerModel(t *testing.T) {
	s := New(mode.New())
	s.AddUsage("gpt-main", 100, 50, 10, 500)
	s.AddUsage("gpt-main", 20, 5, 0, 50)

	usage := s.Usage()
	require.Equal(t, int64(120), usage["gpt-main"].InputTokens)
	require.Equal(t, int64(55), usage["gpt-main"].OutputTokens)
	require.Equal(t, int64(550), usage["gpt-main"].CostMicroDollars)
}
