package todolist

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTodolist_AddAndList(t *testing.T) {
	tool := New()
	tool.SetConversation("c1")

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"add","text":"write tests"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, "write tests")
	require.Contains(t, result.Content, `"status": "pending"`)

	result, err = tool.Execute(context.Background(), json.RawMessage(`{"action":"list"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, "write tests")
}

func TestTodolist_AddRequiresText(t *testing.T) {
	tool := New()
	tool.SetConversation("c1")

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"add"}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestTodolist_UpdateStatus(t *testing.T) {
	tool := New()
	tool.SetConversation("c1")

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"add","text":"ship feature"}`))
	require.NoError(t, err)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"update","id":1,"status":"completed"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, `"status": "completed"`)
}

func TestTodolist_UpdateUnknownIDErrors(t *testing.T) {
	tool := New()
	tool.SetConversation("c1")

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"update","id":99,"status":"completed"}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestTodolist_Remove(t *testing.T) {
	tool := New()
	tool.SetConversation("c1")

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"add","text":"one"}`))
	require.NoError(t, err)
	_, err = tool.Execute(context.Background(), json.RawMessage(`{"action":"add","text":"two"}`))
	require.NoError(t, err)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"remove","id":1}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NotContains(t, result.Content, "\"one\"")
	require.Contains(t, result.Content, "two")
}

func TestTodolist_Clear(t *testing.T) {
	tool := New()
	tool.SetConversation("c1")

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"add","text":"one"}`))
	require.NoError(t, err)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"clear"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, `"items": null`)
}

func TestTodolist_ScopesListsPerConversation(t *testing.T) {
	tool := New()
	tool.SetConversation("c1")
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"add","text":"c1 item"}`))
	require.NoError(t, err)

	tool.SetConversation("c2")
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"list"}`))
	require.NoError(t, err)
	require.NotContains(t, result.Content, "c1 item")
}

func TestTodolist_UnsupportedAction(t *testing.T) {
	tool := New()
	tool.SetConversation("c1")

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"nonsense"}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}
