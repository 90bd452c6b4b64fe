package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "parley", cfg.Name)
	assert.Equal(t, 30*time.Second, cfg.API.RequestTimeout())
	assert.Equal(t, 400*time.Millisecond, cfg.Engine.Debounce())
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://decisions.example.com
  timeout: 5s
engine:
  debounce_interval: 150ms
store:
  database_path: /tmp/parley.db
logging:
  debug_mode: true
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://decisions.example.com", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.RequestTimeout())
	assert.Equal(t, 150*time.Millisecond, cfg.Engine.Debounce())
	assert.Equal(t, "/tmp/parley.db", cfg.Store.DatabasePath)
	assert.True(t, cfg.Logging.DebugMode)
}

func TestEnvOverridesWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://from-file.example.com
`), 0o644))

	t.Setenv("PARLEY_API_URL", "https://from-env.example.com")
	t.Setenv("PARLEY_DEBOUNCE", "75ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://from-env.example.com", cfg.API.BaseURL)
	assert.Equal(t, 75*time.Millisecond, cfg.Engine.Debounce())
}

func TestMalformedTimeoutFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Timeout = "not-a-duration"
	assert.Equal(t, 30*time.Second, cfg.API.RequestTimeout())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.API.BaseURL = "https://example.com"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", loaded.API.BaseURL)
}
