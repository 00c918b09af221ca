package meshconfig

import (
	"path/filepath"
	"testing"
)

func TestSaveAndLoadConfig_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := DefaultConfig()
	cfg.Workspace = WorkspaceConfig{ID: "ws-1", ServerURL: "wss://example.com/ws", Token: "secret"}
	cfg.Identity = IdentityConfig{Seed: "device-seed"}
	cfg.Topology = TopologyConfig{Preference: "star", MaxPeersForMesh: 4}

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if got.Workspace != cfg.Workspace {
		t.Errorf("Workspace = %+v, want %+v", got.Workspace, cfg.Workspace)
	}
	if got.Identity != cfg.Identity {
		t.Errorf("Identity = %+v, want %+v", got.Identity, cfg.Identity)
	}
	if got.Topology != cfg.Topology {
		t.Errorf("Topology = %+v, want %+v", got.Topology, cfg.Topology)
	}
}

func TestLoadConfig_MissingFileIsError(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadConfig_AppliesDefaultsForOmittedSections(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg := &Config{Workspace: WorkspaceConfig{ID: "ws-1", ServerURL: "wss://example.com"}}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(got.STUN.Servers) == 0 {
		t.Error("STUN.Servers not defaulted")
	}
	if got.Topology.Preference != "mesh" {
		t.Errorf("Topology.Preference = %q, want %q", got.Topology.Preference, "mesh")
	}
}
