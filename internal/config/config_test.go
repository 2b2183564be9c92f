package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8887/ocpp", cfg.CSMS.URL)
	assert.Equal(t, 25000, cfg.Pool.MaxSessions)
	assert.Equal(t, 500, cfg.Pool.RampRate)
	assert.Equal(t, 256, cfg.Session.PendingCallLimit)
	assert.Equal(t, 1024, cfg.Session.InboxSize)
	assert.Equal(t, 30*time.Second, cfg.Session.CallTimeout)
	assert.Equal(t, 5, cfg.Session.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.Session.ReconnectDelay)
	assert.Equal(t, 60*time.Second, cfg.Session.ReconnectDelayMax)
	assert.Equal(t, 230.0, cfg.Profile.VoltageV)
	assert.Equal(t, 1, cfg.Profile.DefaultPhases)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
csms:
  url: wss://csms.example.com/ocpp
  tls_skip_verify: true
pool:
  max_sessions: 100
  ramp_rate: 10
session:
  heartbeat_interval: 60s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://csms.example.com/ocpp", cfg.CSMS.URL)
	assert.True(t, cfg.CSMS.TLSSkipVerify)
	assert.Equal(t, 100, cfg.Pool.MaxSessions)
	assert.Equal(t, 10, cfg.Pool.RampRate)
	assert.Equal(t, 60*time.Second, cfg.Session.HeartbeatInterval)
	// 未覆盖的键保持默认值
	assert.Equal(t, 60*time.Second, cfg.Session.MeterInterval)
	assert.Equal(t, 256, cfg.Session.PendingCallLimit)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SIM_CSMS_URL", "ws://env-csms:9000/ocpp")
	t.Setenv("SIM_POOL_MAX_SESSIONS", "42")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws://env-csms:9000/ocpp", cfg.CSMS.URL)
	assert.Equal(t, 42, cfg.Pool.MaxSessions)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad url scheme", mutate: func(c *Config) { c.CSMS.URL = "http://x" }},
		{name: "empty url", mutate: func(c *Config) { c.CSMS.URL = "" }},
		{name: "zero connectors", mutate: func(c *Config) { c.Session.ConnectorCount = 0 }},
		{name: "zero pending limit", mutate: func(c *Config) { c.Session.PendingCallLimit = 0 }},
		{name: "zero max sessions", mutate: func(c *Config) { c.Pool.MaxSessions = 0 }},
		{name: "zero voltage", mutate: func(c *Config) { c.Profile.VoltageV = 0 }},
		{name: "bad phases", mutate: func(c *Config) { c.Profile.DefaultPhases = 4 }},
		{name: "kafka enabled without brokers", mutate: func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}},
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
