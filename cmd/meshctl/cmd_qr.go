package main

import (
	"fmt"
	"os"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Print a scannable invite for the configured workspace",
	Long: `Prints a QR code encoding the workspace id and signaling server URL so
another device can join without typing them manually.

Requires an existing configuration (run 'meshctl config init' first).`,
	RunE: runQR,
}

func runQR(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Workspace.ID == "" || cfg.Workspace.ServerURL == "" {
		return fmt.Errorf("workspace not configured — run 'meshctl config init' first")
	}

	invite := fmt.Sprintf("meshlink://%s@%s", cfg.Workspace.ID, cfg.Workspace.ServerURL)
	qr, err := qrcode.New(invite, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}

	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintf(os.Stderr, "Workspace: %s\nServer: %s\n", cfg.Workspace.ID, cfg.Workspace.ServerURL)
	return nil
}
