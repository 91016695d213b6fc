package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useTempProject points Dir at a scratch working directory.
func useTempProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	useTempProject(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8046", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.Breaker.MinSamples)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	useTempProject(t)

	cfg := Default()
	cfg.ListenAddr = ":9099"
	cfg.NotifyURL = "https://hooks.example.com/capsmith"
	cfg.Breaker.ErrorRate = 0.25
	require.NoError(t, Save(cfg))

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9099", loaded.ListenAddr)
	assert.Equal(t, "https://hooks.example.com/capsmith", loaded.NotifyURL)
	assert.Equal(t, 0.25, loaded.Breaker.ErrorRate)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, loaded.Breaker.Cooldown)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	dir := useTempProject(t)

	cfgDir := filepath.Join(dir, ".capsmith")
	require.NoError(t, os.MkdirAll(cfgDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"),
		[]byte("listen_addr: \":7070\"\nbreaker:\n  min_samples: 3\n"), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.Breaker.MinSamples)
	assert.Equal(t, 0.5, cfg.Breaker.ErrorRate)
	assert.Equal(t, 4, cfg.Sandbox.MaxConcurrent)
}

func TestEnvOverridesAPIKey(t *testing.T) {
	useTempProject(t)
	t.Setenv("CAPSMITH_API_KEY", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIKey)
}
