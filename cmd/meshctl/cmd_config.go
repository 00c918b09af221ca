package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/meshlink/internal/meshconfig"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the meshctl configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively create a configuration file",
	RunE:  runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, err := resolvedConfigPath()
	if err != nil {
		return err
	}

	cfg := meshconfig.DefaultConfig()
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace ID").
				Description("The workspace to join.").
				Value(&cfg.Workspace.ID),
			huh.NewInput().
				Title("Signaling server URL").
				Description("e.g. wss://signal.example.com/ws").
				Value(&cfg.Workspace.ServerURL),
			huh.NewInput().
				Title("Bearer token").
				Password(true).
				Value(&cfg.Workspace.Token),
			huh.NewSelect[string]().
				Title("Topology preference").
				Options(huh.NewOption("mesh", "mesh"), huh.NewOption("star", "star")).
				Value(&cfg.Topology.Preference),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("cancelled")
	}

	if err := meshconfig.SaveConfig(path, cfg); err != nil {
		return err
	}
	fmt.Printf("Saved configuration to %s\n", path)
	return nil
}
