package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadConfigCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	_, err := ReadConfigFrom(path)
	if err == nil {
		t.Fatal("expected error for missing configuration file")
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("default configuration file was not created: %v", statErr)
	}

	cfg, err := ReadConfigFrom(path)
	if err != nil {
		t.Fatalf("reading generated configuration: %v", err)
	}
	if cfg.Database.Port != 27017 || cfg.Database.Database != "roomsocket" {
		t.Fatalf("unexpected database defaults %+v", cfg.Database)
	}
	if cfg.Presence.LeaseTTLDuration() != 30*time.Second {
		t.Fatalf("unexpected lease ttl %v", cfg.Presence.LeaseTTLDuration())
	}
	if cfg.Socket.DedupeSize != 1024 {
		t.Fatalf("unexpected dedupe size %d", cfg.Socket.DedupeSize)
	}
}

func TestReadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
	"database": {"host": "mongo.internal", "port": 27018, "operation_timeout": "2s"},
	"presence": {"lease_ttl": "1m"},
	"debug_mode": true
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ROOMSOCKET_APP_NAME", "from-env")
	t.Setenv("ROOMSOCKET_SOCKET_DEDUPE_SIZE", "64")

	cfg, err := ReadConfigFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Host != "mongo.internal" || cfg.Database.Port != 27018 {
		t.Fatalf("file values not applied: %+v", cfg.Database)
	}
	if cfg.Database.OperationTimeoutDuration() != 2*time.Second {
		t.Fatalf("unexpected operation timeout %v", cfg.Database.OperationTimeoutDuration())
	}
	if cfg.Presence.LeaseTTLDuration() != time.Minute || cfg.Presence.ReapIntervalDuration() != 10*time.Second {
		t.Fatalf("unexpected presence config %+v", cfg.Presence)
	}
	if !cfg.DebugMode {
		t.Fatal("debug_mode not applied")
	}
	if cfg.AppName != "from-env" || cfg.Socket.DedupeSize != 64 {
		t.Fatalf("env overrides not applied: app=%s dedupe=%d", cfg.AppName, cfg.Socket.DedupeSize)
	}
}

func TestReadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadConfigFrom(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
