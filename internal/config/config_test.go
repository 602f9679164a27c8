package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 30, cfg.Tools.DefaultTimeoutSeconds)
	require.NotEmpty(t, cfg.DatabasePath)
}

func TestLoad_YAMLWithIncludeAndEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NIFFLER_TEST_API_KEY", "sk-test-123")

	modelsPath := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(modelsPath, []byte(`
models:
  - nickname: fast
    base_url: https://api.example.com/v1
    api_env_var: NIFFLER_TEST_API_KEY
    model: gpt-test
    reasoning: med
    input_cost_per_mtoken: 1.5
    output_cost_per_mtoken: 6.0
`), 0o644))

	mainPath := filepath.Join(dir, "niffler.yaml")
	require.NoError(t, os.WriteFile(mainPath, []byte(`
version: 1
default_model: fast
$include: models.yaml
`), 0o644))

	cfg, err := Load(mainPath)
	require.NoError(t, err)
	require.Equal(t, "fast", cfg.DefaultModel)
	require.Len(t, cfg.Models, 1)

	entry, err := cfg.ModelByNickname("")
	require.NoError(t, err)
	require.Equal(t, "fast", entry.Nickname)
	require.Equal(t, ReasoningMed, entry.Reasoning)
	require.Equal(t, 4096, entry.Reasoning.ReasoningBudget())

	key, err := entry.APIKey()
	require.NoError(t, err)
	require.Equal(t, "sk-test-123", key)
}

func TestLoad_RejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "niffler.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 99\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	var ve *VersionError
	require.ErrorAs(t, err, &ve)
}

func TestModelByNickname_Unknown(t *testing.T) {
	cfg := &Config{}
	_, err := cfg.ModelByNickname("nonexistent")
	require.Error(t, err)
}
