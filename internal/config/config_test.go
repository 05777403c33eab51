package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.toml")
	content := `
addr = "127.0.0.1:9000"
transport = "ws"
max_record_bytes = 524288
keepalive_seconds = 5
mdns_enabled = true
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.Transport != "ws" {
		t.Errorf("Transport = %q", cfg.Transport)
	}
	if cfg.MaxRecordBytes != 524288 {
		t.Errorf("MaxRecordBytes = %d", cfg.MaxRecordBytes)
	}
	if cfg.KeepaliveSeconds != 5 {
		t.Errorf("KeepaliveSeconds = %d", cfg.KeepaliveSeconds)
	}
	if !cfg.MdnsEnabled {
		t.Error("MdnsEnabled should be true")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("addr = [broken"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	if cfg.Addr != DefaultAddr {
		t.Errorf("Addr = %q, want %q", cfg.Addr, DefaultAddr)
	}
	if cfg.MaxRecordBytes != DefaultMaxRecordBytes {
		t.Errorf("MaxRecordBytes = %d", cfg.MaxRecordBytes)
	}
	if cfg.KeepaliveSeconds != DefaultKeepaliveSeconds {
		t.Errorf("KeepaliveSeconds = %d", cfg.KeepaliveSeconds)
	}
	if cfg.ReconnectCeilingSeconds != DefaultReconnectCeilingSeconds {
		t.Errorf("ReconnectCeilingSeconds = %d", cfg.ReconnectCeilingSeconds)
	}
	if cfg.CommandQueueSize != DefaultCommandQueueSize {
		t.Errorf("CommandQueueSize = %d", cfg.CommandQueueSize)
	}
}

func TestApplyDefaultsClampsRecordFloor(t *testing.T) {
	// Records must stay large enough for file descriptor payloads.
	cfg := &Config{MaxRecordBytes: 1024}
	cfg.ApplyDefaults()
	if cfg.MaxRecordBytes != MinRecordBytes {
		t.Errorf("MaxRecordBytes = %d, want clamped to %d", cfg.MaxRecordBytes, MinRecordBytes)
	}
}

func TestWriteDefaultNeverOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "remote.toml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	// Scribble over it, then call WriteDefault again.
	if err := os.WriteFile(path, []byte("addr = \"1.2.3.4:1\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault second call: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "1.2.3.4:1" {
		t.Errorf("WriteDefault overwrote an existing file: addr = %q", cfg.Addr)
	}
}
