package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	cfg.NodeAddress = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}
}

func TestValidateRejectsReservedAddress(t *testing.T) {
	cfg := Default()
	cfg.NodeAddress = 0x0000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for reserved node_address")
	}
}

func TestValidateRejectsNodeTimeoutBelowRouteTimeout(t *testing.T) {
	cfg := Default()
	cfg.NodeAddress = 1
	cfg.NodeTimeoutMs = cfg.RouteTimeoutMs - 1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error when node_timeout_ms < route_timeout_ms")
	}
}

func TestValidateRejectsOversizedPacket(t *testing.T) {
	cfg := Default()
	cfg.NodeAddress = 1
	cfg.MaxPacketSize = 300
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_packet_size > 255")
	}
}

func TestTotalSlotsSumsCategories(t *testing.T) {
	cfg := Default()
	want := cfg.DefaultDataSlots + cfg.DefaultControlSlots + cfg.DefaultDiscoverySlots
	if got := cfg.TotalSlots(); got != want {
		t.Fatalf("TotalSlots() = %d, want %d", got, want)
	}
}

func TestLoadReadsAndValidatesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	contents := "node_address: 42\nmax_hops: 4\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeAddress != 42 {
		t.Fatalf("expected node_address 42, got %d", cfg.NodeAddress)
	}
	if cfg.MaxHops != 4 {
		t.Fatalf("expected max_hops 4, got %d", cfg.MaxHops)
	}
	// fields not present in the file keep Default()'s values.
	if cfg.HelloIntervalMs != Default().HelloIntervalMs {
		t.Fatalf("expected hello_interval_ms to fall back to default")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("node_address: 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for reserved node_address")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
