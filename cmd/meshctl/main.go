// Command meshctl is a demo CLI for the mesh connection fabric: it joins
// a workspace, relays terminal lines as broadcasts, and prints
// peer/topology changes as they happen.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "Join a meshlink workspace from the terminal",
	Long: `meshctl is a demo client for the meshlink connection fabric. It joins a
workspace, upgrades to direct peer-to-peer channels where possible, and
relays typed lines as broadcasts to everyone else present.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: ~/.config/meshctl/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(qrCmd)
	rootCmd.AddCommand(pingCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
