package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/siproxylin/drunk-call-service/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:50051", cfg.Listen)
	assert.Equal(t, 3*time.Second, cfg.Session.GatherTimeout)
	assert.Equal(t, 100, cfg.Session.EventQueue)
	assert.Equal(t, 10*time.Second, cfg.Liveness.Timeout)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callservice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 127.0.0.1:6000
log:
  level: debug
liveness:
  interval: 1s
  warn_after: 3s
  timeout: 5s
relay:
  urls:
    - turn:turn.example.org:3478?transport=tcp
  username: alice
  password: secret
`), 0o600))

	t.Setenv(EnvListen, "127.0.0.1:7000")
	t.Setenv(EnvGatherWait, "1500ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.Liveness.Interval)
	assert.Equal(t, 5*time.Second, cfg.Liveness.Timeout)
	assert.Equal(t, []string{"turn:turn.example.org:3478?transport=tcp"}, cfg.Relay.URLs)
	assert.Equal(t, "alice", cfg.Relay.Username)
	assert.Equal(t, 1500*time.Millisecond, cfg.Session.GatherTimeout)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty listen", mutate: func(c *Config) { c.Listen = "" }},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "chatty" }},
		{name: "warn after timeout", mutate: func(c *Config) { c.Liveness.WarnAfter = c.Liveness.Timeout }},
		{name: "zero queue", mutate: func(c *Config) { c.Session.EventQueue = 0 }},
		{name: "zero gather", mutate: func(c *Config) { c.Session.GatherTimeout = 0 }},
		{name: "no relay", mutate: func(c *Config) { c.Relay.URLs = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), shared.ErrInvalidConfig)
		})
	}
}

func TestValidateIgnoresLivenessWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.Liveness = Liveness{Disabled: true}
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
