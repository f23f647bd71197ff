package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Dispatch.Delay)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 50, cfg.Verify.BatchSize)
	assert.Equal(t, 4, cfg.Verify.Concurrency)
	assert.Equal(t, "sse", cfg.Stream.Transport)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
api:
  url: https://backend.example.com/
  user_id: "42"
dispatch:
  delay: 2s
verify:
  concurrency: 8
stream:
  transport: redis
  redis_url: redis://localhost:6379/0
`)
	t.Setenv(envUserID, "77")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://backend.example.com", cfg.API.URL)
	assert.Equal(t, "77", cfg.API.UserID)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.Delay)
	assert.Equal(t, 8, cfg.Verify.Concurrency)
	assert.Equal(t, 50, cfg.Verify.BatchSize)
	require.NoError(t, cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ADSBOT_API_URL=http://localhost:9000\nADSBOT_USER_ID=5\n"), 0600))
	os.Unsetenv(envAPIURL)
	os.Unsetenv(envUserID)
	t.Cleanup(func() {
		os.Unsetenv(envAPIURL)
		os.Unsetenv(envUserID)
	})

	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.API.URL)
	assert.Equal(t, "5", cfg.API.UserID)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.API.URL = "https://backend.example.com"
		c.API.UserID = "1"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing url", func(c *Config) { c.API.URL = "" }, "API.URL"},
		{"missing user", func(c *Config) { c.API.UserID = "" }, "API.UserID"},
		{"bad transport", func(c *Config) { c.Stream.Transport = "ws" }, "Stream.Transport"},
		{"redis without url", func(c *Config) { c.Stream.Transport = "redis" }, "redis_url"},
		{"snapshot without key", func(c *Config) { c.Snapshot.Enabled = true }, "snapshot.key"},
		{"short snapshot key", func(c *Config) { c.Snapshot.Enabled = true; c.Snapshot.Key = "short" }, "Snapshot.Key"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "Logging.Format"},
		{"zero batch", func(c *Config) { c.Verify.BatchSize = 0 }, "Verify.BatchSize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.API.URL = "https://backend.example.com"
	cfg.API.UserID = "9"
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.API, loaded.API)
	assert.Equal(t, cfg.Dispatch, loaded.Dispatch)
}
