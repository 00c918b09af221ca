package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/kuuji/meshlink/internal/diagnostics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNewClient_RejectsMissingWorkspace(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Config{Token: "t"})
	if err != ErrMissingWorkspace {
		t.Errorf("err = %v, want %v", err, ErrMissingWorkspace)
	}
}

func TestNewClient_RejectsMissingCredentials(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Config{WorkspaceID: "ws-1"})
	if err != ErrMissingCredentials {
		t.Errorf("err = %v, want %v", err, ErrMissingCredentials)
	}
}

func TestNewClient_DefaultsTopologyAndIdentity(t *testing.T) {
	t.Parallel()
	c, err := NewClient(Config{WorkspaceID: "ws-1", Token: "t"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.cfg.Topology != TopologyMesh {
		t.Errorf("Topology = %q, want %q", c.cfg.Topology, TopologyMesh)
	}
	if c.cfg.MaxPeersForMesh != defaultMaxPeersForMesh {
		t.Errorf("MaxPeersForMesh = %d, want %d", c.cfg.MaxPeersForMesh, defaultMaxPeersForMesh)
	}
	if c.GetID() == "" {
		t.Error("GetID() is empty, want a generated identity")
	}
}

func TestIsInitiator_GreaterIdentityInitiates(t *testing.T) {
	t.Parallel()
	c := &Client{cfg: Config{Identity: "zzz"}}
	if !c.isInitiator("aaa") {
		t.Error("isInitiator(aaa) = false for greater local identity, want true")
	}

	c2 := &Client{cfg: Config{Identity: "aaa"}}
	if c2.isInitiator("zzz") {
		t.Error("isInitiator(zzz) = true for lesser local identity, want false")
	}
}

func TestDeriveIdentity_Deterministic(t *testing.T) {
	t.Parallel()
	a := DeriveIdentity([]byte("seed-1"))
	b := DeriveIdentity([]byte("seed-1"))
	c := DeriveIdentity([]byte("seed-2"))
	if a != b {
		t.Errorf("DeriveIdentity not deterministic: %q != %q", a, b)
	}
	if a == c {
		t.Error("DeriveIdentity produced identical identities for different seeds")
	}
}

func TestEvaluateTopology_DowngradesAndRestores(t *testing.T) {
	t.Parallel()

	var changes []struct {
		topology Topology
		reason   string
	}
	c := &Client{
		cfg:               Config{Identity: "self", Topology: TopologyMesh, MaxPeersForMesh: 2},
		log:               discardLogger(),
		effectiveTopology: TopologyMesh,
		peers:             make(map[string]*peerRecord),
		listener: Listener{
			OnTopologyChange: func(topology Topology, reason string) {
				changes = append(changes, struct {
					topology Topology
					reason   string
				}{topology, reason})
			},
		},
	}

	c.peers["a"] = &peerRecord{id: "a"}
	c.peers["b"] = &peerRecord{id: "b"}
	c.peers["c"] = &peerRecord{id: "c"}
	c.evaluateTopology()

	if c.effectiveTopology != TopologyStar {
		t.Fatalf("effectiveTopology = %q, want %q after exceeding ceiling", c.effectiveTopology, TopologyStar)
	}
	if len(changes) != 1 || changes[0].topology != TopologyStar || changes[0].reason != "peer_limit_exceeded" {
		t.Fatalf("unexpected topology change sequence: %+v", changes)
	}

	delete(c.peers, "c")
	c.evaluateTopology()

	if c.effectiveTopology != TopologyMesh {
		t.Fatalf("effectiveTopology = %q, want %q after dropping below ceiling", c.effectiveTopology, TopologyMesh)
	}
	if len(changes) != 2 || changes[1].topology != TopologyMesh || changes[1].reason != "peer_limit_restored" {
		t.Fatalf("unexpected topology change sequence: %+v", changes)
	}
}

func TestEvaluateTopology_StarNeverTransitions(t *testing.T) {
	t.Parallel()

	c := &Client{
		cfg:               Config{Identity: "self", Topology: TopologyStar, MaxPeersForMesh: 1},
		log:               discardLogger(),
		effectiveTopology: TopologyStar,
		peers:             map[string]*peerRecord{"a": {id: "a"}, "b": {id: "b"}, "c": {id: "c"}},
		listener: Listener{
			OnTopologyChange: func(Topology, string) { t.Error("topology change fired in star mode") },
		},
	}
	c.evaluateTopology()
	if c.effectiveTopology != TopologyStar {
		t.Errorf("effectiveTopology = %q, want %q", c.effectiveTopology, TopologyStar)
	}
}

func TestSnapshot_ReflectsStateTopologyAndPeers(t *testing.T) {
	t.Parallel()

	c := &Client{
		cfg:               Config{Identity: "self"},
		log:               discardLogger(),
		state:             StateActive,
		effectiveTopology: TopologyStar,
		peers: map[string]*peerRecord{
			"a": {id: "a", transport: TransportDirect},
		},
	}

	snap := c.Snapshot()
	if snap.Identity != "self" {
		t.Errorf("Identity = %q, want %q", snap.Identity, "self")
	}
	if snap.State != StateActive {
		t.Errorf("State = %q, want %q", snap.State, StateActive)
	}
	if snap.Topology != TopologyStar {
		t.Errorf("Topology = %q, want %q", snap.Topology, TopologyStar)
	}
	if len(snap.Peers) != 1 || snap.Peers[0].ID != "a" || snap.Peers[0].Transport != TransportDirect {
		t.Errorf("Peers = %+v, unexpected", snap.Peers)
	}
}

func TestHandlePingPongEphemeral_ResolvesPong(t *testing.T) {
	t.Parallel()

	c := &Client{
		cfg:         Config{Identity: "self"},
		log:         discardLogger(),
		peers:       make(map[string]*peerRecord),
		pingTracker: diagnostics.NewPingTracker(),
	}

	result := c.pingTracker.Begin(context.Background(), "r1")
	pong := diagnostics.PongEnvelope{Type: diagnostics.PongType, RequestID: "r1", Timestamp: time.Now().UnixMilli()}
	raw, err := json.Marshal(pong)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if handled := c.handlePingPongEphemeral("peer-b", raw); !handled {
		t.Fatal("handlePingPongEphemeral() = false for a pong envelope, want true")
	}

	select {
	case latency := <-result:
		if latency < 0 {
			t.Errorf("latency = %d, want >= 0", latency)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ping tracker resolution")
	}
}
