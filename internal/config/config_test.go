package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Processing.MaxWorkers)
	assert.Equal(t, 3, cfg.Retry.Transfer.MaxAttempts)
	assert.Equal(t, "exponential", cfg.Retry.Submission.Strategy)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 22, cfg.HPC.Port)
	assert.Equal(t, "output.raw", cfg.HPC.ResultFileName)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beamline.yaml")
	content := `
scan:
  directory: /srv/cases
processing:
  max_workers: 8
retry:
  transfer:
    max_attempts: 5
    strategy: fixed
hpc:
  host: hpc01.example.org
  user: moqui
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/cases", cfg.Scan.Directory)
	assert.Equal(t, 8, cfg.Processing.MaxWorkers)
	assert.Equal(t, 5, cfg.Retry.Transfer.MaxAttempts)
	assert.Equal(t, "fixed", cfg.Retry.Transfer.Strategy)
	// Unset keys keep their defaults.
	assert.Equal(t, 3, cfg.Retry.Poll.MaxAttempts)
	assert.Equal(t, "hpc01.example.org", cfg.HPC.Host)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BEAMLINE_HPC_HOST", "env-host")
	t.Setenv("BEAMLINE_PROCESSING_MAX_WORKERS", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.HPC.Host)
	assert.Equal(t, 2, cfg.Processing.MaxWorkers)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Processing.MaxWorkers = 0 }},
		{"zero acquire timeout", func(c *Config) { c.Resources.AcquireTimeoutSec = 0 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"unknown strategy", func(c *Config) { c.Retry.Poll.Strategy = "random" }},
		{"zero attempts", func(c *Config) { c.Retry.Submission.MaxAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
