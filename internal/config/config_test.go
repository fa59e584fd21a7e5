package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9000"
  env: staging
marketplace:
  fee_bps: 250
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, "staging", cfg.Server.Env)
	assert.Equal(t, 250, cfg.Marketplace.FeeBps)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestApplyDefaultsFillsZeroValuesOnly(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Env = "production"
	cfg.applyDefaults()

	assert.Equal(t, "production", cfg.Server.Env, "explicit value must not be clobbered")
	assert.Equal(t, ":7650", cfg.Server.ListenAddr)
	assert.Equal(t, 60, cfg.Server.ReadTimeoutSec)
	assert.Equal(t, 1<<20, cfg.Server.MaxFrameBytes)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10, cfg.Node.HeartbeatIntervalSec)
	assert.Equal(t, 1, cfg.Node.ProtocolVersion)
	assert.Equal(t, 500, cfg.Marketplace.FeeBps)
	assert.Equal(t, "./clawbernetes-state", cfg.Persistence.StateDir)
	assert.Equal(t, float64(20), cfg.RateLimit.RequestsPerSecond)
}

func TestApplyEnvOverridesTakePrecedenceOverFileValues(t *testing.T) {
	t.Setenv("CLAWBERNETES_LISTEN_ADDR", ":1234")
	t.Setenv("CLAWBERNETES_MARKETPLACE_FEE_BPS", "750")
	t.Setenv("CLAWBERNETES_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := &Config{}
	cfg.Server.ListenAddr = ":7650"
	cfg.Marketplace.FeeBps = 500
	cfg.applyEnvOverrides()

	assert.Equal(t, ":1234", cfg.Server.ListenAddr)
	assert.Equal(t, 750, cfg.Marketplace.FeeBps)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Env = "production"
	assert.True(t, cfg.IsProduction())

	cfg.Server.Env = "development"
	assert.False(t, cfg.IsProduction())
}

func TestSplitCSVTrimsAndDropsEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a ,, b "))
}
