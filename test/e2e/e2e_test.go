package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kuuji/meshlink/internal/mesh"
)

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

// TestE2E_ConnectPresenceUpgradeBroadcastDisconnect drives two in-process
// Clients through the full path named in spec §8 scenario 1: both join
// the same workspace against an in-memory hub, learn of each other via
// presence, upgrade to a direct datagram channel, exchange a broadcast
// over that channel, and tear down cleanly.
func TestE2E_ConnectPresenceUpgradeBroadcastDisconnect(t *testing.T) {
	t.Parallel()

	h := newHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()
	defer h.close()

	type events struct {
		joined    chan string
		active    chan struct{}
		direct    chan string
		messages  chan string
		gone      chan string
	}
	newEvents := func() *events {
		return &events{
			joined:   make(chan string, 4),
			active:   make(chan struct{}, 1),
			direct:   make(chan string, 4),
			messages: make(chan string, 4),
			gone:     make(chan string, 4),
		}
	}

	evA, evB := newEvents(), newEvents()

	makeClient := func(identity string, ev *events) *mesh.Client {
		c, err := mesh.NewClient(mesh.Config{
			WorkspaceID: "room-1",
			Token:       "test-token",
			ServerURL:   wsURL(srv.URL),
			Identity:    identity,
			Listener: mesh.Listener{
				OnPeerJoin: func(peerID string) { ev.joined <- peerID },
				OnPeerStatus: func(peerID string, transport mesh.Transport) {
					if transport == mesh.TransportDirect {
						select {
						case ev.direct <- peerID:
						default:
						}
					}
				},
				OnMessage: func(peerID string, data []byte) { ev.messages <- string(data) },
				OnPeerDisconnect: func(peerID string) { ev.gone <- peerID },
				OnLifecycleStateChange: func(state mesh.LifecycleState) {
					if state == mesh.StateActive {
						select {
						case ev.active <- struct{}{}:
						default:
						}
					}
				},
			},
		})
		if err != nil {
			t.Fatalf("NewClient(%s): %v", identity, err)
		}
		return c
	}

	// "bravo" > "alpha" lexically, so per the deterministic glare tie-break
	// (spec §3 invariant 5) bravo is the side that initiates the offer.
	clientA := makeClient("alpha", evA)
	clientB := makeClient("bravo", evB)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := clientA.Connect(ctx); err != nil {
		t.Fatalf("alpha Connect: %v", err)
	}
	defer clientA.Destroy()
	if err := clientB.Connect(ctx); err != nil {
		t.Fatalf("bravo Connect: %v", err)
	}
	defer clientB.Destroy()

	await := func(t *testing.T, ch <-chan string, want, label string) {
		t.Helper()
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("%s = %q, want %q", label, got, want)
			}
		case <-time.After(15 * time.Second):
			t.Fatalf("timed out waiting for %s", label)
		}
	}

	await(t, evA.joined, "bravo", "alpha's OnPeerJoin")
	await(t, evB.joined, "alpha", "bravo's OnPeerJoin")

	select {
	case <-evA.active:
	case <-time.After(10 * time.Second):
		t.Fatal("alpha never reached ACTIVE")
	}
	select {
	case <-evB.active:
	case <-time.After(10 * time.Second):
		t.Fatal("bravo never reached ACTIVE")
	}

	await(t, evA.direct, "bravo", "alpha's direct upgrade")
	await(t, evB.direct, "alpha", "bravo's direct upgrade")

	if err := clientA.Broadcast([]byte("hello from alpha")); err != nil {
		t.Fatalf("alpha Broadcast: %v", err)
	}
	await(t, evB.messages, "hello from alpha", "bravo's received message")

	if err := clientB.Broadcast([]byte("hello from bravo")); err != nil {
		t.Fatalf("bravo Broadcast: %v", err)
	}
	await(t, evA.messages, "hello from bravo", "alpha's received message")

	if err := clientB.Disconnect(); err != nil {
		t.Fatalf("bravo Disconnect: %v", err)
	}
	await(t, evA.gone, "bravo", "alpha observing bravo's departure")
}

// TestE2E_TopologyDowngradeOnPeerLimit drives three Clients with a low
// MaxPeersForMesh and checks that the topology controller downgrades
// mesh→star once the ceiling is exceeded (spec §4.4/§8 scenario 2). It
// does not check the state of already-open direct channels.
func TestE2E_TopologyDowngradeOnPeerLimit(t *testing.T) {
	t.Parallel()

	h := newHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()
	defer h.close()

	topologyChanges := make(chan mesh.Topology, 8)

	makeClient := func(identity string) *mesh.Client {
		c, err := mesh.NewClient(mesh.Config{
			WorkspaceID:     "room-2",
			Token:           "test-token",
			ServerURL:       wsURL(srv.URL),
			Identity:        identity,
			MaxPeersForMesh: 1,
			Listener: mesh.Listener{
				OnTopologyChange: func(topology mesh.Topology, reason string) {
					topologyChanges <- topology
				},
			},
		})
		if err != nil {
			t.Fatalf("NewClient(%s): %v", identity, err)
		}
		return c
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	clientA := makeClient("node-a")
	if err := clientA.Connect(ctx); err != nil {
		t.Fatalf("node-a Connect: %v", err)
	}
	defer clientA.Destroy()

	clientB := makeClient("node-b")
	if err := clientB.Connect(ctx); err != nil {
		t.Fatalf("node-b Connect: %v", err)
	}
	defer clientB.Destroy()

	clientC := makeClient("node-c")
	if err := clientC.Connect(ctx); err != nil {
		t.Fatalf("node-c Connect: %v", err)
	}
	defer clientC.Destroy()

	select {
	case topology := <-topologyChanges:
		if topology != mesh.TopologyStar {
			t.Errorf("first topology change = %s, want star", topology)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for mesh→star downgrade")
	}
}
