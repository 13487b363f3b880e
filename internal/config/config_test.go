package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("RLM_CONFIG", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RLM.MaxIterations)
	assert.Equal(t, 3, cfg.RLM.RecursiveMaxDepth)
	assert.Contains(t, cfg.Backends, "root")
	assert.Equal(t, "anthropic", cfg.Backends["root"].Provider)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	content := `
log_level: debug
rlm:
  max_iterations: 9
  recursive_max_depth: 1
backends:
  root:
    provider: openai
    model: gpt-4o-mini
    api_key_env: OPENAI_API_KEY
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9, cfg.RLM.MaxIterations)
	assert.Equal(t, 1, cfg.RLM.RecursiveMaxDepth)
	assert.Equal(t, "openai", cfg.Backends["root"].Provider)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	content := "rlm:\n  max_iterations: 9\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
	t.Setenv("RLM_MAX_ITERATIONS", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.RLM.MaxIterations)
}

func TestLoad_MissingRootBackendIsError(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	content := "backends:\n  other:\n    provider: gemini\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestBackendConfig_APIKey_MissingEnvIsError(t *testing.T) {
	b := BackendConfig{Provider: "anthropic", APIKeyEnv: "RLM_TEST_MISSING_KEY"}
	t.Setenv("RLM_TEST_MISSING_KEY", "")
	_, err := b.APIKey()
	assert.Error(t, err)
}

func TestBackendConfig_APIKey_Present(t *testing.T) {
	b := BackendConfig{Provider: "anthropic", APIKeyEnv: "RLM_TEST_KEY"}
	t.Setenv("RLM_TEST_KEY", "sk-test")
	key, err := b.APIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)
}

// chdir switches the test's working directory to dir for the duration of
// the test, since Load() reads "config.yaml"/".env" relative to cwd.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
