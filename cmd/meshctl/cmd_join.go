package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/meshlink/internal/mesh"
	"github.com/kuuji/meshlink/internal/rtc"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join the configured workspace and relay stdin as broadcasts",
	RunE:  runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Workspace.ID == "" || cfg.Workspace.ServerURL == "" {
		return fmt.Errorf("workspace not configured — run 'meshctl config init' first")
	}

	identity := ""
	if cfg.Identity.Seed != "" {
		identity = mesh.DeriveIdentity([]byte(cfg.Identity.Seed))
	}

	topology := mesh.TopologyMesh
	if cfg.Topology.Preference == "star" {
		topology = mesh.TopologyStar
	}

	client, err := mesh.NewClient(mesh.Config{
		WorkspaceID:     cfg.Workspace.ID,
		Token:           cfg.Workspace.Token,
		ServerURL:       cfg.Workspace.ServerURL,
		Identity:        identity,
		Topology:        topology,
		MaxPeersForMesh: cfg.Topology.MaxPeersForMesh,
		ICE: rtc.ICEConfig{Servers: []rtc.ICEServerConfig{{
			URLs:       cfg.STUN.Servers,
			Username:   cfg.STUN.Username,
			Credential: cfg.STUN.Credential,
		}}},
		Debug:  globalVerbose,
		Logger: globalLogger,
		Listener: mesh.Listener{
			OnConnect:    func() { fmt.Println("connected") },
			OnDisconnect: func() { fmt.Println("disconnected") },
			OnPeerJoin:   func(peerID string) { fmt.Printf("peer joined: %s\n", peerID) },
			OnPeerDisconnect: func(peerID string) {
				fmt.Printf("peer left: %s\n", peerID)
			},
			OnPeerStatus: func(peerID string, transport mesh.Transport) {
				fmt.Printf("peer %s is now %s\n", peerID, transport)
			},
			OnMessage: func(peerID string, data []byte) {
				fmt.Printf("[%s] %s\n", peerID, string(data))
			},
			OnEphemeral: func(payload json.RawMessage) {
				fmt.Printf("ephemeral: %s\n", string(payload))
			},
			OnError: func(err error) { fmt.Fprintf(os.Stderr, "error: %v\n", err) },
			OnLifecycleStateChange: func(state mesh.LifecycleState) {
				if globalVerbose {
					fmt.Printf("state: %s\n", state)
				}
			},
			OnTopologyChange: func(topology mesh.Topology, reason string) {
				fmt.Printf("topology: %s (%s)\n", topology, reason)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("constructing client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer client.Destroy()

	fmt.Printf("joined %s as %s — type a line to broadcast it, Ctrl-C to quit\n", cfg.Workspace.ID, client.GetID())

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !client.CanSend() {
				fmt.Fprintln(os.Stderr, "not yet active, dropped")
				continue
			}
			if err := client.Broadcast([]byte(line)); err != nil {
				fmt.Fprintf(os.Stderr, "broadcast: %v\n", err)
			}
		}
	}
}
