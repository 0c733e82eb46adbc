package config

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduler.HighQosMax != 4 {
		t.Errorf("expected default high_qos_max=4, got %d", cfg.Scheduler.HighQosMax)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requestd.conf")
	cfg := New()
	cfg.Scheduler.HighQosMax = 9
	cfg.Daemon.SocketPath = "/tmp/custom.sock"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Scheduler.HighQosMax != 9 {
		t.Errorf("high_qos_max = %d, want 9", loaded.Scheduler.HighQosMax)
	}
	if loaded.Daemon.SocketPath != "/tmp/custom.sock" {
		t.Errorf("socket_path = %q, want /tmp/custom.sock", loaded.Daemon.SocketPath)
	}
}

func TestValidateRejectsZeroHighQosMax(t *testing.T) {
	cfg := New()
	cfg.Scheduler.HighQosMax = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for high_qos_max=0")
	}
}
