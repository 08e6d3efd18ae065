package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, "device", cfg.Role)
	assert.Equal(t, 5683, cfg.CoAP.Port)
	assert.Equal(t, 10, cfg.Bootstrap.HoldOffSec)
	assert.Equal(t, 86400, cfg.Registration.LifetimeSec)
	assert.Equal(t, "U", cfg.Registration.Binding)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
role: Server
coap:
  host: 127.0.0.1
  port: 5684
registration:
  endpoint: urn:dev:yaml
  lifetime_seconds: 120
logging:
  level: debug
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Role, "role is normalized to lower case")
	assert.Equal(t, "127.0.0.1", cfg.CoAP.Host)
	assert.Equal(t, 5684, cfg.CoAP.Port)
	assert.Equal(t, "urn:dev:yaml", cfg.Registration.Endpoint)
	assert.Equal(t, 120, cfg.Registration.LifetimeSec)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "U", cfg.Registration.Binding, "unset fields keep defaults")
}

func TestLoadFileMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "device", cfg.Role)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coap:\n  port: 5684\n"), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("COAP_PORT", "15683")
	t.Setenv("REGISTRATION_ENDPOINT", "urn:dev:env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15683, cfg.CoAP.Port)
	assert.Equal(t, "urn:dev:env", cfg.Registration.Endpoint)
}

func TestIsFactoryBootstrap(t *testing.T) {
	cfg := New()
	assert.False(t, cfg.IsFactoryBootstrap())

	cfg.Bootstrap.Factory.ServerURI = "coap://server:5683"
	assert.True(t, cfg.IsFactoryBootstrap())

	cfg.Bootstrap.ServerURI = "coap://bootstrap:15685"
	assert.False(t, cfg.IsFactoryBootstrap(), "a bootstrap server URI wins over factory credentials")
}
