package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.8, cfg.RetrievalThreshold)
	assert.Equal(t, float64(3), cfg.LoadCap)
	assert.Equal(t, float64(5), cfg.HardLoadCap)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LM_STUDIO_ENDPOINT", "http://127.0.0.1:9999/v1")
	t.Setenv("LOCALLAMA_COST_THRESHOLD", "0.5")
	t.Setenv("LOCALLAMA_INDEX_EXCLUDES", "target, .cache ,")
	t.Setenv("LOCALLAMA_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9999/v1", cfg.LMStudioEndpoint)
	assert.Equal(t, 0.5, cfg.CostThreshold)
	assert.Equal(t, []string{"target", ".cache"}, cfg.IndexExcludes)
}

func TestYAMLOverlayThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("granularity: coarse\nlog_level: debug\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "locallama.yaml"), yaml, 0o644))

	t.Setenv("LOCALLAMA_DATA_DIR", dir)
	t.Setenv("LOCALLAMA_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "coarse", cfg.Granularity, "yaml overlay applies")
	assert.Equal(t, "warn", cfg.LogLevel, "env overrides yaml")
}

func TestValidateRejectsBadGranularity(t *testing.T) {
	cfg := Default()
	cfg.Granularity = "extreme"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedLoadCaps(t *testing.T) {
	cfg := Default()
	cfg.LoadCap = 6
	cfg.HardLoadCap = 2
	assert.Error(t, cfg.Validate())
}

func TestStatePaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/llx"
	assert.Equal(t, "/tmp/llx/locallama.lock", cfg.LockPath())
	assert.Equal(t, "/tmp/llx/models-db.json", cfg.PerfDBPath())
}
