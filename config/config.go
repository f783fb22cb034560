// Package config provides configuration loading for the ironfish RPC server.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for an ironfish RPC server.
type Config struct {
	RPC     RPCConfig     `toml:"rpc"`
	Metrics MetricsConfig `toml:"metrics"`
	Logging LoggingConfig `toml:"logging"`
}

// RPCConfig contains RPC transport configuration.
type RPCConfig struct {
	// SocketPath is the filesystem path for the local domain socket.
	// Empty disables the IPC listener.
	SocketPath string `toml:"socket_path"`

	// TCPAddr is the host:port for the raw TCP listener. When set, the
	// companion HTTP/WebSocket server binds the same host at port+1.
	// Empty disables the TCP listener.
	TCPAddr string `toml:"tcp_addr"`

	// HTTPAddr is the host:port for a standalone HTTP/WebSocket server.
	// Empty disables it.
	HTTPAddr string `toml:"http_addr"`

	// MaxMessageBytes is the maximum size of a single inbound wire message
	// on the socket/TCP channel.
	MaxMessageBytes int64 `toml:"max_message_bytes"`

	// MaxBodyBytes is the maximum size of an HTTP request body.
	MaxBodyBytes int64 `toml:"max_body_bytes"`

	// MaxPendingPerConn bounds in-flight requests per connection.
	// Requests past the bound are rejected with a 503 response.
	// Zero disables the bound.
	MaxPendingPerConn int `toml:"max_pending_per_conn"`

	// WSUpgradeTimeout bounds the WebSocket upgrade handshake.
	WSUpgradeTimeout Duration `toml:"ws_upgrade_timeout"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Enabled determines whether metrics collection is active.
	Enabled bool `toml:"enabled"`

	// Namespace is the Prometheus metrics namespace prefix.
	Namespace string `toml:"namespace"`

	// ListenAddr is the address to serve metrics on (e.g., ":9090").
	ListenAddr string `toml:"listen_addr"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `toml:"level"`

	// Format is the log output format ("text" or "json").
	Format string `toml:"format"`

	// Output is the log output destination ("stdout", "stderr", or a file path).
	Output string `toml:"output"`
}

// Duration is a wrapper around time.Duration for TOML unmarshaling.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		RPC: RPCConfig{
			SocketPath:        "ironfish.sock",
			TCPAddr:           "",
			HTTPAddr:          "127.0.0.1:8020",
			MaxMessageBytes:   16 * 1024 * 1024,
			MaxBodyBytes:      1024 * 1024,
			MaxPendingPerConn: 0,
			WSUpgradeTimeout:  Duration(10 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Namespace:  "ironfish",
			ListenAddr: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from a TOML file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.RPC.SocketPath == "" && c.RPC.TCPAddr == "" && c.RPC.HTTPAddr == "" {
		return errors.New("at least one RPC listener must be configured")
	}

	if c.RPC.TCPAddr != "" {
		if _, _, err := net.SplitHostPort(c.RPC.TCPAddr); err != nil {
			return fmt.Errorf("invalid tcp_addr %q: %w", c.RPC.TCPAddr, err)
		}
	}
	if c.RPC.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.RPC.HTTPAddr); err != nil {
			return fmt.Errorf("invalid http_addr %q: %w", c.RPC.HTTPAddr, err)
		}
	}

	if c.RPC.MaxMessageBytes <= 0 {
		return errors.New("max_message_bytes must be positive")
	}
	if c.RPC.MaxBodyBytes <= 0 {
		return errors.New("max_body_bytes must be positive")
	}
	if c.RPC.MaxPendingPerConn < 0 {
		return errors.New("max_pending_per_conn must not be negative")
	}
	if c.RPC.WSUpgradeTimeout < 0 {
		return errors.New("ws_upgrade_timeout must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}

	return nil
}
