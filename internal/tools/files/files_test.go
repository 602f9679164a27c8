package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/niffler-ai/niffler/internal/mode"
	"github.com/niffler-ai/niffler/pkg/models"
)

func TestResolverRejectsEscape(t *testing.T) {
	r := Resolver{Root: t.TempDir()}
	_, err := r.Resolve("../outside.txt")
	require.Error(t, err)
}

func TestResolverRejectsSymlinkEscape(t *testing.T) {
	workspace := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(workspace, "link")))

	r := Resolver{Root: workspace}
	_, err := r.Resolve("link/secret.txt")
	require.Error(t, err, "a symlink that targets outside the workspace must be rejected, not followed blindly")
}

func TestResolverAllowsSymlinkWithinWorkspace(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(workspace, "real"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "real", "a.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(workspace, "real"), filepath.Join(workspace, "alias")))

	r := Resolver{Root: workspace}
	resolved, err := r.Resolve("alias/a.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(workspace, "real", "a.txt"), resolved)
}

func TestReadTool_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world"), 0o644))

	tool := NewReadTool(Config{Workspace: dir})
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a.txt"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, "hello world")
}

func TestListTool_ListsEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	tool := NewListTool(Config{Workspace: dir})
	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, "a.txt")
	require.Contains(t, result.Content, "sub")
}

func TestEditTool_ReplaceRequiresExistingFile(t *testing.T) {
	dir := t.TempDir()
	tool := NewEditTool(Config{Workspace: dir}, mode.New())

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"missing.txt","operation":"replace","old_text":"a","new_text":"b"}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestEditTool_ReplaceSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	tool := NewEditTool(Config{Workspace: dir}, mode.New())
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","operation":"replace","old_text":"world","new_text":"there"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)

	data, _ := os.ReadFile(path)
	require.Equal(t, "hello there", string(data))
}

func TestEditTool_BlockedInPlanModeForPreexistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	g := mode.New()
	g.SwitchConversation("c1")
	g.SwitchMode(models.ModePlan)

	tool := NewEditTool(Config{Workspace: dir}, g)
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","operation":"replace","old_text":"hello","new_text":"bye"}`))
	require.NoError(t, err)
	require.True(t, result.IsError)

	data, _ := os.ReadFile(path)
	require.Equal(t, "hello", string(data))
}

func TestCreateTool_MarksCreatedForPlanMode(t *testing.T) {
	dir := t.TempDir()
	g := mode.New()
	g.SwitchConversation("c1")
	g.SwitchMode(models.ModePlan)

	createTool := NewCreateTool(Config{Workspace: dir}, g)
	result, err := createTool.Execute(context.Background(), json.RawMessage(`{"path":"new.txt","content":"hi"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)

	editTool := NewEditTool(Config{Workspace: dir}, g)
	editResult, err := editTool.Execute(context.Background(), json.RawMessage(`{"path":"new.txt","operation":"replace","old_text":"hi","new_text":"bye"}`))
	require.NoError(t, err)
	require.False(t, editResult.IsError, "editing a file created in this plan session should be allowed")
}

func TestEditTool_AppendAndPrependAndRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("middle"), 0o644))

	tool := NewEditTool(Config{Workspace: dir}, mode.New())

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","operation":"append","new_text":"-end"}`))
	require.NoError(t, err)
	_, err = tool.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","operation":"prepend","new_text":"start-"}`))
	require.NoError(t, err)

	data, _ := os.ReadFile(path)
	require.Equal(t, "start-middle-end", string(data))

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"path":"a.txt","operation":"rewrite","new_text":"fresh"}`))
	require.NoError(t, err)
	data, _ = os.ReadFile(path)
	require.Equal(t, "fresh", string(data))
}
