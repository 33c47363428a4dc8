package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost:5432/campaigns?sslmode=disable"
  max_open_conns: 50

redis:
  url: "redis://localhost:6380/1"
  enabled: true

transport:
  api_url: "https://api.example.com/v1/transmissions"
  api_key: "test-api-key"
  timeout_seconds: 45

dispatch:
  send_timeout_seconds: 20

scheduler:
  enabled: true
  interval_seconds: 15
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Test database config
	assert.Equal(t, "postgres://localhost:5432/campaigns?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 50, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)

	// Test redis config
	assert.Equal(t, "redis://localhost:6380/1", cfg.Redis.URL)
	assert.True(t, cfg.Redis.Enabled)

	// Test transport config
	assert.Equal(t, "https://api.example.com/v1/transmissions", cfg.Transport.APIURL)
	assert.Equal(t, "test-api-key", cfg.Transport.APIKey)
	assert.Equal(t, 45, cfg.Transport.TimeoutSeconds)

	// Test dispatch and scheduler config
	assert.Equal(t, 20, cfg.Dispatch.SendTimeoutSeconds)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 15, cfg.Scheduler.IntervalSeconds)
}

func TestLoadDefaults(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
transport:
  api_key: "test-key"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Verify defaults are applied
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 30, cfg.Transport.TimeoutSeconds)
	assert.Equal(t, 30, cfg.Dispatch.SendTimeoutSeconds)
	assert.Equal(t, 30, cfg.Scheduler.IntervalSeconds)
}

func TestLoadFromEnv(t *testing.T) {
	// Create a minimal config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://file-host/db"
transport:
  api_key: "file-key"
  api_url: "https://file-url.com"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	// Set environment variables
	os.Setenv("DATABASE_URL", "postgres://env-host/db")
	os.Setenv("TRANSPORT_API_KEY", "env-key")
	os.Setenv("TRANSPORT_API_URL", "https://env-url.com")
	os.Setenv("REDIS_URL", "redis://env-redis:6379/2")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("TRANSPORT_API_KEY")
		os.Unsetenv("TRANSPORT_API_URL")
		os.Unsetenv("REDIS_URL")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "postgres://env-host/db", cfg.Database.URL)
	assert.Equal(t, "env-key", cfg.Transport.APIKey)
	assert.Equal(t, "https://env-url.com", cfg.Transport.APIURL)
	assert.Equal(t, "redis://env-redis:6379/2", cfg.Redis.URL)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestTimeout(t *testing.T) {
	cfg := TransportConfig{TimeoutSeconds: 45}
	assert.Equal(t, 45*time.Second, cfg.Timeout())
}

func TestInterval(t *testing.T) {
	cfg := SchedulerConfig{IntervalSeconds: 120}
	assert.Equal(t, 120*time.Second, cfg.Interval())
}
