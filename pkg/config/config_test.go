package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/var/lib/joblet", cfg.StateDir)
	assert.Equal(t, ":7622", cfg.Server.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.StopGrace)
	assert.Equal(t, 4096, cfg.Buffers.RingSize)
	assert.GreaterOrEqual(t, cfg.Workers, 1)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "joblet.yml")
	data := []byte(`
stateDir: /tmp/joblet-test
workers: 4
stopGrace: 5s
logging:
  level: debug
  json: true
gpus:
  - index: 0
    memoryMb: 16384
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/joblet-test", cfg.StateDir)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.StopGrace)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	require.Len(t, cfg.GPUs, 1)
	assert.Equal(t, int64(16384), cfg.GPUs[0].MemoryMB)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "joblet.yml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 4\nstateDir: /from-file\n"), 0644))

	t.Setenv(EnvWorkers, "2")
	t.Setenv(EnvStateDir, "/from-env")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvTLSCert, "/certs/server.pem")
	t.Setenv(EnvTLSKey, "/certs/server-key.pem")
	t.Setenv(EnvTLSClientCA, "/certs/ca.pem")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "/from-env", cfg.StateDir)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/certs/ca.pem", cfg.Server.TLSClientCA)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"empty state dir", func(c *Config) { c.StateDir = "" }},
		{"negative grace", func(c *Config) { c.StopGrace = -time.Second }},
		{"cert without key", func(c *Config) { c.Server.TLSCert = "/x.pem" }},
		{"client ca without server cert", func(c *Config) { c.Server.TLSClientCA = "/ca.pem" }},
		{"duplicate gpu", func(c *Config) {
			c.GPUs = []GPUSpec{{Index: 1}, {Index: 1}}
		}},
		{"zero ring", func(c *Config) { c.Buffers.RingSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
