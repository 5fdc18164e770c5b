package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: data/test.db
remote:
  base_url: https://api.example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "salonsync", cfg.App.Name)
	assert.Equal(t, "/api/health", cfg.Remote.HealthEndpoint)
	assert.Equal(t, 30*time.Second, cfg.Remote.ProbeInterval)
	assert.Equal(t, 5*time.Second, cfg.Remote.ProbeTimeout)
	assert.Equal(t, 15*time.Second, cfg.Remote.DispatchTimeout)
	assert.Equal(t, 3, cfg.Outbox.MaxRetries)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}, cfg.Outbox.RetryDelays)
	assert.Equal(t, 2*time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "exports", cfg.Exports.Path)
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_REMOTE_URL", "https://staging.example.com")
	t.Setenv("TEST_AUTH_TOKEN", "tok-123")

	path := writeConfig(t, `
database:
  path: data/test.db
remote:
  base_url: ${TEST_REMOTE_URL}
  auth_token: ${TEST_AUTH_TOKEN}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://staging.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, "tok-123", cfg.Remote.AuthToken)
}

func TestLoadCapsProbeTimeout(t *testing.T) {
	path := writeConfig(t, `
database:
  path: data/test.db
remote:
  base_url: https://api.example.com
  probe_timeout: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Remote.ProbeTimeout)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing database path",
			content: "remote:\n  base_url: https://api.example.com\n",
			wantErr: "database path is required",
		},
		{
			name:    "missing remote base url",
			content: "database:\n  path: data/test.db\n",
			wantErr: "remote base_url is required",
		},
		{
			name:    "negative retries",
			content: "database:\n  path: data/test.db\nremote:\n  base_url: https://api.example.com\noutbox:\n  max_retries: -1\n",
			wantErr: "max_retries must be at least 1",
		},
		{
			name:    "api enabled without key",
			content: "database:\n  path: data/test.db\nremote:\n  base_url: https://api.example.com\napi:\n  enabled: true\n",
			wantErr: "api key is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
