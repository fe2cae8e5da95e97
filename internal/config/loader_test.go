package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadWithFile_Defaults(t *testing.T) {
	path := writeConfigFile(t, "")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Pipeline.IterationCap)
	assert.Equal(t, 2, cfg.Pipeline.FixAttemptCap)
	assert.Equal(t, 2, cfg.Pipeline.ReviewersPerCheckpoint)
	assert.Equal(t, 15*time.Minute, cfg.Workers.DispatchTimeout.Duration())
	assert.Equal(t, "shipwright/", cfg.Workspace.BranchPrefix)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Run.RunsDir)
}

func TestLoadWithFile_YAMLValues(t *testing.T) {
	path := writeConfigFile(t, `
run:
  runs_dir: /tmp/shipwright-runs
pipeline:
  iteration_cap: 3
workers:
  dispatch_timeout: 90s
  builder:
    command: ["claude", "--role", "builder"]
logging:
  level: debug
  format: console
`)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/shipwright-runs", cfg.Run.RunsDir)
	assert.Equal(t, 3, cfg.Pipeline.IterationCap)
	assert.Equal(t, 90*time.Second, cfg.Workers.DispatchTimeout.Duration())
	assert.Equal(t, []string{"claude", "--role", "builder"}, cfg.Workers.Builder.Command)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Defaults still fill gaps
	assert.Equal(t, 2, cfg.Pipeline.FixAttemptCap)
}

func TestLoadWithFile_EnvOverride(t *testing.T) {
	path := writeConfigFile(t, `
pipeline:
  iteration_cap: 3
`)
	t.Setenv("SHIPWRIGHT_PIPELINE_ITERATION_CAP", "4")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pipeline.IterationCap)
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run: {}"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Pipeline.IterationCap)
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("45s")))
	assert.Equal(t, 45*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}

func TestConfig_Validate(t *testing.T) {
	path := writeConfigFile(t, "")
	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	cfg.Pipeline.IterationCap = 0
	require.Error(t, cfg.Validate())

	cfg.Pipeline.IterationCap = 5
	cfg.Workers.DispatchTimeout = 0
	require.Error(t, cfg.Validate())
}
