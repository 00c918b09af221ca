// Package meshconfig is the TOML-backed configuration file for
// cmd/meshctl, independent of the library's programmatic mesh.Config
// (spec §6: "no file I/O in the library"). Structure and load/save
// conventions follow the teacher's internal/config/config.go.
package meshconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultSTUNServers are used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultConfigDir is the per-user config directory for meshctl.
const DefaultConfigDir = ".config/meshctl"

// Config is the top-level on-disk configuration for meshctl.
type Config struct {
	Workspace WorkspaceConfig `toml:"workspace"`
	Identity  IdentityConfig  `toml:"identity"`
	STUN      STUNConfig      `toml:"stun"`
	Topology  TopologyConfig  `toml:"topology"`
}

// WorkspaceConfig identifies which workspace and server this client joins.
type WorkspaceConfig struct {
	ID        string `toml:"id"`
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token,omitempty"`
}

// IdentityConfig seeds this device's stable participant identity.
type IdentityConfig struct {
	// Seed, if set, derives a stable identity across restarts via
	// mesh.DeriveIdentity. Empty means a fresh identity is generated on
	// every run.
	Seed string `toml:"seed,omitempty"`
}

// STUNConfig lists the STUN/TURN servers used for ICE.
type STUNConfig struct {
	Servers    []string `toml:"servers"`
	Username   string   `toml:"username,omitempty"`
	Credential string   `toml:"credential,omitempty"`
}

// TopologyConfig controls the mesh/star preference.
type TopologyConfig struct {
	Preference      string `toml:"preference"` // "mesh" or "star"
	MaxPeersForMesh int    `toml:"max_peers_for_mesh,omitempty"`
}

// DefaultConfig returns a Config populated with sensible defaults; fields
// specific to a workspace (id, server_url, token) are left empty.
func DefaultConfig() *Config {
	return &Config{
		STUN:     STUNConfig{Servers: append([]string(nil), DefaultSTUNServers...)},
		Topology: TopologyConfig{Preference: "mesh"},
	}
}

// DefaultConfigPath returns ~/.config/meshctl/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("meshconfig: determining home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir, "config.toml"), nil
}

// LoadConfig reads and decodes a config file, applying defaults for any
// fields left unset.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("meshconfig: config file not found: %w", err)
		}
		return nil, fmt.Errorf("meshconfig: reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes cfg as TOML to path (0600: may contain a bearer token),
// creating parent directories as needed.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("meshconfig: creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("meshconfig: creating config file %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("meshconfig: encoding TOML: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
	if cfg.Topology.Preference == "" {
		cfg.Topology.Preference = "mesh"
	}
}
