package main

import (
	"fmt"

	"github.com/kuuji/meshlink/internal/meshconfig"
)

// resolvedConfigPath returns the --config flag value, or the default
// per-user path if unset.
func resolvedConfigPath() (string, error) {
	if globalConfigPath != "" {
		return globalConfigPath, nil
	}
	return meshconfig.DefaultConfigPath()
}

// loadConfig resolves the config path and loads it, producing an error
// message that points the user at `meshctl config init`.
func loadConfig() (*meshconfig.Config, error) {
	path, err := resolvedConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := meshconfig.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("%w (run 'meshctl config init' first)", err)
	}
	return cfg, nil
}
