package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/niffler-ai/niffler/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CreateAndLoadConversation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "first chat", Mode: models.ModeCode, ModelNickname: "gpt-main"}
	require.NoError(t, store.CreateConversation(ctx, conv))
	require.NotEmpty(t, conv.ID)

	loaded, err := store.LoadConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "first chat", loaded.Title)
	require.True(t, loaded.IsActive)
}

func TestStore_ListOrdersByActivity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c1 := &models.Conversation{Title: "old", LastActivity: time.Now().UTC().Add(-time.Hour)}
	c2 := &models.Conversation{Title: "new"}
	require.NoError(t, store.CreateConversation(ctx, c1))
	require.NoError(t, store.CreateConversation(ctx, c2))

	list, err := store.ListConversations(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "new", list[0].Title)
}

func TestStore_ArchiveAndUnarchive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "archivable"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	require.NoError(t, store.SetArchived(ctx, conv.ID, true))
	active, err := store.ListConversations(ctx, true)
	require.NoError(t, err)
	require.Empty(t, active)

	require.NoError(t, store.SetArchived(ctx, conv.ID, false))
	active, err = store.ListConversations(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestStore_AppendMessageAndReadHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "chat"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	require.NoError(t, store.AppendMessage(ctx, &models.Message{ConversationID: conv.ID, Role: models.RoleUser, Content: "hello"}))
	require.NoError(t, store.AppendMessage(ctx, &models.Message{ConversationID: conv.ID, Role: models.RoleAssistant, Content: "hi there"}))

	msgs, err := store.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, "hi there", msgs[1].Content)

	reloaded, err := store.LoadConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), reloaded.MessageCount)
}

func TestStore_ToolResultRequiresExistingToolCall(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "chat"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	err := store.AppendMessage(ctx, &models.Message{ConversationID: conv.ID, Role: models.RoleTool, ToolCallID: "missing", Content: "result"})
	require.ErrorIs(t, err, ErrDanglingToolResult)
}

func TestStore_ToolResultSucceedsAgainstPriorToolCall(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "chat"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	assistantMsg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		ToolCalls:      []models.ToolCall{{ID: "call-1", Name: "read", Input: []byte(`{"path":"a.txt"}`)}},
	}
	require.NoError(t, store.AppendMessage(ctx, assistantMsg))

	toolMsg := &models.Message{ConversationID: conv.ID, Role: models.RoleTool, ToolCallID: "call-1", Content: "file contents"}
	require.NoError(t, store.AppendMessage(ctx, toolMsg))

	msgs, err := store.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestStore_CreatedFilesRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "chat"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	require.NoError(t, store.MarkFileCreated(ctx, conv.ID, "new.txt"))
	set, err := store.CreatedFiles(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, set.WasCreated("new.txt"))

	require.NoError(t, store.ClearCreatedFiles(ctx, conv.ID))
	set, err = store.CreatedFiles(ctx, conv.ID)
	require.NoError(t, err)
	require.False(t, set.WasCreated("new.txt"))
}

func TestStore_TokenUsageAccumulates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "chat"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	require.NoError(t, store.UpdateTokenUsage(ctx, &models.TokenUsage{ConversationID: conv.ID, Model: "gpt-main", InputTokens: 10, OutputTokens: 5}))
	require.NoError(t, store.UpdateTokenUsage(ctx, &models.TokenUsage{ConversationID: conv.ID, Model: "gpt-main", InputTokens: 3, OutputTokens: 1}))

	usage, err := store.TokenUsageByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	require.Equal(t, int64(13), usage[0].InputTokens)
	require.Equal(t, int64(6), usage[0].OutputTokens)
}

func TestStore_UpdateModeAndModelNicknamePersist(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{Title: "chat", Mode: models.ModeCode, ModelNickname: "gpt-main"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	require.NoError(t, store.UpdateMode(ctx, conv.ID, models.ModePlan))
	require.NoError(t, store.UpdateModelNickname(ctx, conv.ID, "claude-main"))

	reloaded, err := store.LoadConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, models.ModePlan, reloaded.Mode)
	require.Equal(t, "claude-main", reloaded.ModelNickname)
}

func TestStore_UpdateModeUnknownConversation(t *testing.T) {
	store := openTestStore(t)
	err := store.UpdateMode(context.Background(), "missing", models.ModePlan)
	require.Error(t, err)
}

func TestStore_CorrectionFactorDefaultsThenSaves(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	f, err := store.CorrectionFactor(ctx, "gpt-main")
	require.NoError(t, err)
	require.Equal(t, 1.0, f.Factor)

	f.Update(120, 100)
	require.NoError(t, store.SaveCorrectionFactor(ctx, f))

	reloaded, err := store.CorrectionFactor(ctx, "gpt-main")
	require.NoError(t, err)
	require.InDelta(t, f.Factor, reloaded.Factor, 0.0001)
}
