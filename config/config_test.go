package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ironfish.sock", cfg.RPC.SocketPath)
	assert.Equal(t, "127.0.0.1:8020", cfg.RPC.HTTPAddr)
	assert.Equal(t, int64(16*1024*1024), cfg.RPC.MaxMessageBytes)
	assert.Equal(t, 0, cfg.RPC.MaxPendingPerConn)
	assert.Equal(t, 10*time.Second, cfg.RPC.WSUpgradeTimeout.Duration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "ironfish", cfg.Metrics.Namespace)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := DefaultConfig()
	cfg.RPC.TCPAddr = "127.0.0.1:8021"
	cfg.RPC.MaxPendingPerConn = 64
	cfg.Logging.Level = "debug"

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	data := `
[rpc]
socket_path = "custom.sock"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "custom.sock", cfg.RPC.SocketPath)
	// Untouched fields keep defaults
	assert.Equal(t, int64(1024*1024), cfg.RPC.MaxBodyBytes)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadConfig_UnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	data := `
[rpc]
socket_path = "a.sock"
bogus_key = true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config keys")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no listeners",
			mutate:  func(c *Config) { c.RPC.SocketPath = ""; c.RPC.TCPAddr = ""; c.RPC.HTTPAddr = "" },
			wantErr: "at least one RPC listener",
		},
		{
			name:    "bad tcp addr",
			mutate:  func(c *Config) { c.RPC.TCPAddr = "no-port" },
			wantErr: "invalid tcp_addr",
		},
		{
			name:    "bad http addr",
			mutate:  func(c *Config) { c.RPC.HTTPAddr = "no-port" },
			wantErr: "invalid http_addr",
		},
		{
			name:    "zero message bytes",
			mutate:  func(c *Config) { c.RPC.MaxMessageBytes = 0 },
			wantErr: "max_message_bytes",
		},
		{
			name:    "negative pending bound",
			mutate:  func(c *Config) { c.RPC.MaxPendingPerConn = -1 },
			wantErr: "max_pending_per_conn",
		},
		{
			name:    "negative upgrade timeout",
			mutate:  func(c *Config) { c.RPC.WSUpgradeTimeout = Duration(-time.Second) },
			wantErr: "ws_upgrade_timeout",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_TextRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	var parsed Duration
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, d, parsed)
	assert.Equal(t, 90*time.Second, parsed.Duration())

	require.Error(t, parsed.UnmarshalText([]byte("not-a-duration")))
}
