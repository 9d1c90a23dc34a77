package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-eatguard/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, "0660", cfg.Server.SocketMode)
	assert.True(t, cfg.Store.Enabled)
	assert.Equal(t, 10000, cfg.Store.Retain)
	assert.Equal(t, "kernel32.dll", cfg.Agent.Module)
	assert.Equal(t, 2*time.Second, cfg.Agent.Timeout.Duration)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eatguard.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
runtime_dir = "/tmp/eatguard-test"
socket_mode = "0600"

[store]
retain = 50

[agent]
timeout = "250ms"

[logging.components]
dispatcher = "trace"
`), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/eatguard-test", cfg.Server.RuntimeDir)
	assert.Equal(t, 50, cfg.Store.Retain)
	assert.True(t, cfg.Store.Enabled, "unset keys keep their defaults")
	assert.Equal(t, "kernel32.dll", cfg.Agent.Module)
	assert.Equal(t, 250*time.Millisecond, cfg.Agent.Timeout.Duration)
	assert.Equal(t, "info,dispatcher=trace", cfg.Logging.ToSpec())

	mode, err := cfg.Server.FileMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), mode)

	dirs, err := cfg.RuntimeDirs()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/eatguard-test/sock/eatguard.sock", cfg.SocketPath(dirs))
	assert.Equal(t, "/tmp/eatguard-test/db/events.db", cfg.StorePath(dirs))
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "[server\n"},
		{"unknown key", "[server]\nsokcet = \"/x\"\n"},
		{"socket mode", "[server]\nsocket_mode = \"rw\"\n"},
		{"negative retain", "[store]\nretain = -1\n"},
		{"relative runtime dir", "[server]\nruntime_dir = \"run\"\n"},
		{"bad duration", "[agent]\ntimeout = \"soon\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "eatguard.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			_, err := config.Load(path)
			assert.Error(t, err)
		})
	}
}

func TestToSpec(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LoggingConfig
		want string
	}{
		{"level only", config.LoggingConfig{Level: "debug"}, "debug"},
		{"components only", config.LoggingConfig{Components: map[string]string{"server": "debug", "guard": "warn"}}, "info,guard=warn,server=debug"},
		{"both", config.LoggingConfig{Level: "warn", Components: map[string]string{"store": "trace"}}, "warn,store=trace"},
		{"empty", config.LoggingConfig{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.ToSpec(); got != tt.want {
				t.Errorf("ToSpec() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndpointOverride(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Endpoint = "unix:///tmp/other.sock"
	ep, err := cfg.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "unix:///tmp/other.sock", ep)
}
