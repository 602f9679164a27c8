package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTask_DelegatesAndReturnsResult(t *testing.T) {
	tool := New(func(ctx context.Context, description string) (string, error) {
		return "child says: " + description, nil
	}, time.Second)

	params, _ := json.Marshal(map[string]string{"description": "summarize the README"})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "child says: summarize the README", result.Content)

	runs := tool.Runs()
	require.Len(t, runs, 1)
	require.Equal(t, StatusCompleted, runs[0].Status)
}

func TestTask_MissingDescription(t *testing.T) {
	tool := New(func(ctx context.Context, description string) (string, error) {
		return "", nil
	}, time.Second)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestTask_DelegateErrorMarksRunFailed(t *testing.T) {
	tool := New(func(ctx context.Context, description string) (string, error) {
		return "", errors.New("boom")
	}, time.Second)

	params, _ := json.Marshal(map[string]string{"description": "do a thing"})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.True(t, result.IsError)

	runs := tool.Runs()
	require.Len(t, runs, 1)
	require.Equal(t, StatusError, runs[0].Status)
	require.Equal(t, "boom", runs[0].Error)
}

func TestTask_DelegateTimeout(t *testing.T) {
	tool := New(func(ctx context.Context, description string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, 20*time.Millisecond)

	params, _ := json.Marshal(map[string]string{"description": "take forever"})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.True(t, result.IsError)

	runs := tool.Runs()
	require.Len(t, runs, 1)
	require.Equal(t, StatusTimeout, runs[0].Status)
}

func TestTask_NoDelegateConfigured(t *testing.T) {
	tool := New(nil, time.Second)
	params, _ := json.Marshal(map[string]string{"description": "anything"})
	result, err := tool.Execute(context.Background(), params)
	require.NoError(t, err)
	require.True(t, result.IsError)
}
