package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.InDelta(t, 0.75, cfg.Gate.MinConfidenceForAutoApply, 0.001)
	assert.InDelta(t, 0.05, cfg.Gate.AdvisoryPenalty, 0.001)
	assert.Equal(t, 2, cfg.Gate.Quorum)
	assert.Equal(t, 500*time.Millisecond, cfg.Coordinator.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Coordinator.StageTimeout)
	assert.Equal(t, 2, cfg.Escalation.MaxRetries)
	assert.Equal(t, "evidence", cfg.Evidence.BaseDir)
	assert.NotEmpty(t, cfg.Routing.Strong.Model)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Coordinator.StageTimeout = cfg.Coordinator.PollInterval
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Gate.Quorum = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Escalation.MaxBackoff = cfg.Escalation.InitialBackoff / 2
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Evidence.BaseDir = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Escalation.MaxRetries)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
gate:
  min_confidence_for_auto_apply: 0.9
  quorum: 3
escalation:
  max_retries: 3
routing:
  strong:
    provider: openai
    model: gpt-5-pro
    kind: cloud
toggles:
  sidecar_critic_enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, cfg.Gate.MinConfidenceForAutoApply, 0.001)
	assert.Equal(t, 3, cfg.Gate.Quorum)
	assert.Equal(t, 3, cfg.Escalation.MaxRetries)
	assert.Equal(t, "gpt-5-pro", cfg.Routing.Strong.Model)
	assert.True(t, cfg.Toggles.SidecarCriticEnabled)
	// Unset sections keep defaults.
	assert.Equal(t, 500*time.Millisecond, cfg.Coordinator.PollInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gate:\n  quorum: 3\n"), 0o600))

	t.Setenv("SPECPIPE_GATE_QUORUM", "1")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Gate.Quorum)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gate:\n  quorum: -2\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
