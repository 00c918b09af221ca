package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/meshlink/internal/mesh"
)

var pingCmd = &cobra.Command{
	Use:   "ping [peer-id]",
	Short: "Measure round-trip latency to a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runPing,
}

func runPing(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	identity := ""
	if cfg.Identity.Seed != "" {
		identity = mesh.DeriveIdentity([]byte(cfg.Identity.Seed))
	}

	active := make(chan struct{}, 1)
	client, err := mesh.NewClient(mesh.Config{
		WorkspaceID: cfg.Workspace.ID,
		Token:       cfg.Workspace.Token,
		ServerURL:   cfg.Workspace.ServerURL,
		Identity:    identity,
		Logger:      globalLogger,
		Listener: mesh.Listener{
			OnLifecycleStateChange: func(state mesh.LifecycleState) {
				if state == mesh.StateActive {
					select {
					case active <- struct{}{}:
					default:
					}
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("constructing client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer client.Destroy()

	select {
	case <-active:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting to become active")
	}

	latency := client.Ping(ctx, args[0])
	if latency < 0 {
		return fmt.Errorf("ping to %s timed out", args[0])
	}
	fmt.Printf("%s: %dms\n", args[0], latency)
	return nil
}
