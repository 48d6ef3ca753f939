package labconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.DefaultLeaseTTLS != 30 {
		t.Fatalf("expected default lease ttl 30, got %d", cfg.General.DefaultLeaseTTLS)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lab.toml")
	content := `
[general]
lab_root = "runs"
default_lease_ttl_s = 60
default_heartbeat_s = 20

[runtime]
default_mode = "local_container"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.LabRoot != "runs" {
		t.Fatalf("expected lab_root=runs, got %q", cfg.General.LabRoot)
	}
	if cfg.Runtime.DefaultMode != "local_container" {
		t.Fatalf("expected default_mode=local_container, got %q", cfg.Runtime.DefaultMode)
	}
}

func TestValidateRejectsHeartbeatExceedingTTLThird(t *testing.T) {
	cfg := Default()
	cfg.General.DefaultHeartbeatS = cfg.General.DefaultLeaseTTLS
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for heartbeat too close to ttl")
	}
}

func TestValidateRejectsUnknownExecutorMode(t *testing.T) {
	cfg := Default()
	cfg.Runtime.DefaultMode = "teleport"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for unknown runtime mode")
	}
}
