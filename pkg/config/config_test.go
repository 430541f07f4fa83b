package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/relay/pkg/observability"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, 25, cfg.Database.MaxConns)
	assert.Equal(t, 1024, cfg.Cache.Size)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "* * * * *", cfg.Scheduler.SweepSchedule)
	assert.Equal(t, "5 0 * * *", cfg.Scheduler.ExportSchedule)
	assert.False(t, cfg.Export.Enabled)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_PORT", "3000")
	t.Setenv("RELAY_POSTGRES_URL", "postgres://db.internal/relay")
	t.Setenv("RELAY_POSTGRES_MAX_CONNS", "50")
	t.Setenv("RELAY_CACHE_TTL", "30s")
	t.Setenv("RELAY_EXPORT_ENABLED", "true")
	t.Setenv("RELAY_EXPORT_BUCKET", "relay-stats")
	t.Setenv("RELAY_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, "postgres://db.internal/relay", cfg.Database.URL)
	assert.Equal(t, 50, cfg.Database.MaxConns)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.Export.Enabled)
	assert.Equal(t, "relay-stats", cfg.Export.Bucket)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.ParseLogLevel())
}

func TestLoadConfigYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := []byte(`
server:
  port: "4000"
database:
  url: postgres://yaml.internal/relay
  max_conns: 10
scheduler:
  sweep_schedule: "*/5 * * * *"
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	t.Setenv("RELAY_CONFIG_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "4000", cfg.Server.Port)
	assert.Equal(t, "postgres://yaml.internal/relay", cfg.Database.URL)
	assert.Equal(t, 10, cfg.Database.MaxConns)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.SweepSchedule)
	// Fields the file omits keep their defaults.
	assert.Equal(t, "9090", cfg.Server.HealthPort)
}

// Environment variables win over the YAML file.
func TestLoadConfigEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"4000\"\n"), 0o600))
	t.Setenv("RELAY_CONFIG_FILE", path)
	t.Setenv("RELAY_PORT", "5000")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "5000", cfg.Server.Port)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("RELAY_CONFIG_FILE", "/nonexistent/relay.yaml")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "ports must differ",
			mutate:  func(c *Config) { c.Server.HealthPort = c.Server.Port },
			wantErr: "must be different",
		},
		{
			name:    "postgres url required",
			mutate:  func(c *Config) { c.Database.URL = "" },
			wantErr: "postgres URL is required",
		},
		{
			name:    "export needs bucket",
			mutate:  func(c *Config) { c.Export.Enabled = true },
			wantErr: "export bucket is required",
		},
		{
			name: "otel needs endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelEndpoint = ""
			},
			wantErr: "endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want observability.LogLevel
	}{
		{"debug", observability.DebugLevel},
		{"info", observability.InfoLevel},
		{"WARN", observability.WarnLevel},
		{"warning", observability.WarnLevel},
		{"error", observability.ErrorLevel},
		{"bogus", observability.InfoLevel},
		{"", observability.InfoLevel},
	}
	for _, tt := range tests {
		cfg := ObservabilityConfig{LogLevel: tt.in}
		assert.Equal(t, tt.want, cfg.ParseLogLevel(), "level %q", tt.in)
	}
}
