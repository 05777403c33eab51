// Package config provides TOML configuration file loading and parsing
// for the remote profile host. The configuration file lives at
// ~/.veilchat/remote.toml by default, but can be overridden with the
// --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML
// files via struct tags.
type Config struct {
	// Addr is the host:port the secure channel listener binds to.
	// Default: 0.0.0.0:5225
	Addr string `toml:"addr"`

	// Registry is the path to the SQLite database holding the chat
	// store and the remote device registry.
	// Default: ~/.veilchat/veilchat.db
	Registry string `toml:"registry"`

	// Transport selects the outer transport: "tcp" (plain TCP with the
	// AEAD record layer) or "ws" (TLS WebSocket pinned by fingerprint).
	// Default: tcp
	Transport string `toml:"transport"`

	// TLSCert is the path to the TLS certificate file (ws transport).
	// Default: ~/.veilchat/certs/host.crt (auto-generated if missing)
	TLSCert string `toml:"tls_cert"`

	// TLSKey is the path to the TLS key file (ws transport).
	// Default: ~/.veilchat/certs/host.key (auto-generated if missing)
	TLSKey string `toml:"tls_key"`

	// MaxRecordBytes caps the size of a single record on the channel.
	// Must be at least 262144 (256 KiB) to leave room for file
	// descriptor payloads. Default: 1048576 (1 MiB).
	MaxRecordBytes int `toml:"max_record_bytes"`

	// KeepaliveSeconds is the idle interval between ping frames.
	// Default: 20
	KeepaliveSeconds int `toml:"keepalive_seconds"`

	// ReconnectCeilingSeconds is how long a suspended session keeps
	// retrying before it is disposed. Default: 600 (10 minutes).
	ReconnectCeilingSeconds int `toml:"reconnect_ceiling_seconds"`

	// CommandTimeoutSeconds is the default deadline for a satellite
	// command awaiting its reply. Default: 30
	CommandTimeoutSeconds int `toml:"command_timeout_seconds"`

	// EventBufferSize bounds the events buffered for a suspended
	// session (drop-oldest). Default: 256
	EventBufferSize int `toml:"event_buffer_size"`

	// CommandQueueSize bounds the satellite's outbound command queue
	// while suspended. Default: 64
	CommandQueueSize int `toml:"command_queue_size"`

	// MdnsEnabled enables mDNS/Bonjour service advertisement.
	// Discovery only reveals presence; the OOB token is still required.
	// Default: false (disabled for security - must be explicitly enabled)
	MdnsEnabled bool `toml:"mdns_enabled"`

	// QR displays the pairing token as a QR code when pairing starts.
	// Default: true
	QR bool `toml:"qr"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`
}

// Defaults applied when the file or flags leave a field unset.
const (
	DefaultAddr                    = "0.0.0.0:5225"
	DefaultTransport               = "tcp"
	DefaultMaxRecordBytes          = 1 << 20   // 1 MiB
	MinRecordBytes                 = 256 << 10 // file descriptor payload floor
	DefaultKeepaliveSeconds        = 20
	DefaultReconnectCeilingSeconds = 600
	DefaultCommandTimeoutSeconds   = 30
	DefaultEventBufferSize         = 256
	DefaultCommandQueueSize        = 64
)

// ApplyDefaults fills unset fields with their documented defaults and
// clamps MaxRecordBytes to the minimum.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if c.MaxRecordBytes == 0 {
		c.MaxRecordBytes = DefaultMaxRecordBytes
	}
	if c.MaxRecordBytes < MinRecordBytes {
		c.MaxRecordBytes = MinRecordBytes
	}
	if c.KeepaliveSeconds == 0 {
		c.KeepaliveSeconds = DefaultKeepaliveSeconds
	}
	if c.ReconnectCeilingSeconds == 0 {
		c.ReconnectCeilingSeconds = DefaultReconnectCeilingSeconds
	}
	if c.CommandTimeoutSeconds == 0 {
		c.CommandTimeoutSeconds = DefaultCommandTimeoutSeconds
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.CommandQueueSize == 0 {
		c.CommandQueueSize = DefaultCommandQueueSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// KeepaliveInterval returns KeepaliveSeconds as a duration.
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

// ReconnectCeiling returns ReconnectCeilingSeconds as a duration.
func (c *Config) ReconnectCeiling() time.Duration {
	return time.Duration(c.ReconnectCeilingSeconds) * time.Second
}

// CommandTimeout returns CommandTimeoutSeconds as a duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// DefaultConfigPath returns the default config file location:
// ~/.veilchat/remote.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".veilchat", "remote.toml"), nil
}

// DefaultRegistryPath returns the default database location:
// ~/.veilchat/veilchat.db.
func DefaultRegistryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".veilchat", "veilchat.db"), nil
}

// WriteDefault creates a config file with LAN-ready defaults at the
// given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	// Check if file already exists - never overwrite
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Build minimal TOML config with LAN-ready defaults.
	// Using a raw string to control formatting exactly.
	content := `# veilchat remote profile session configuration
# Created by 'veilchat-remote host'

# Listen on all interfaces so a satellite on the LAN can connect
addr = "0.0.0.0:5225"

# Outer transport: "tcp" or "ws"
transport = "tcp"
`

	// Write with restrictive permissions (owner read/write only)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location.
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// Parse the TOML file. Any parse error is fatal since the user
	// expects the config to be applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}
