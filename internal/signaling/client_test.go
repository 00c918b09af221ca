package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/meshlink/pkg/protocol"
)

// echoHub is a minimal single-connection test server: it decodes the
// initial Join, then relays any signal frame it receives back to the
// same connection (loopback) with To and From swapped, so the echo
// appears to come from the addressee rather than from the sender itself,
// and answers pings with pongs.
func echoHub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "server done")
		ctx := r.Context()
		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if msgType == websocket.MessageBinary && len(data) == 1 && data[0] == pingByte {
				conn.Write(ctx, websocket.MessageBinary, []byte{pongByte})
				continue
			}
			if msgType == websocket.MessageBinary {
				frame, err := protocol.DecodeFrame(data)
				if err != nil || frame.Type != protocol.FrameSignal {
					continue
				}
				if frame.Signal.To == ServerID {
					continue // Join, nothing to echo
				}
				frame.Signal.To, frame.Signal.From = frame.Signal.From, frame.Signal.To
				echoed, err := protocol.EncodeFrame(frame)
				if err != nil {
					continue
				}
				conn.Write(ctx, websocket.MessageBinary, echoed)
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestClient_ConnectAndReceiveSignal(t *testing.T) {
	t.Parallel()

	srv := echoHub(t)
	defer srv.Close()

	signals := make(chan protocol.SignalPayload, 1)
	connected := make(chan struct{}, 1)

	c := NewClient(Config{
		ServerURL:   wsURL(srv.URL),
		PeerID:      "alice",
		WorkspaceID: "ws-1",
		Reconnect:   ReconnectConfig{},
		Heartbeat:   HeartbeatConfig{},
		Listener: Listener{
			OnConnect: func() { connected <- struct{}{} },
			OnSignal:  func(from string, payload protocol.SignalPayload) { signals <- payload },
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnConnect")
	}

	c.SendSignal(ctx, "bob", &protocol.Offer{SDP: "v=0\r\n"})

	select {
	case payload := <-signals:
		offer, ok := payload.(*protocol.Offer)
		if !ok {
			t.Fatalf("payload type = %T, want *protocol.Offer", payload)
		}
		if offer.SDP != "v=0\r\n" {
			t.Errorf("SDP = %q, want %q", offer.SDP, "v=0\r\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed signal")
	}
}

func TestClient_HeartbeatKeepsConnectionAlive(t *testing.T) {
	t.Parallel()

	srv := echoHub(t)
	defer srv.Close()

	connected := make(chan struct{}, 1)
	disconnected := make(chan struct{}, 1)

	c := NewClient(Config{
		ServerURL:   wsURL(srv.URL),
		PeerID:      "alice",
		WorkspaceID: "ws-1",
		Heartbeat:   HeartbeatConfig{Enabled: true, Interval: 50 * time.Millisecond, MissesAllowed: 3},
		Listener: Listener{
			OnConnect:    func() { connected <- struct{}{} },
			OnDisconnect: func() { disconnected <- struct{}{} },
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnConnect")
	}

	select {
	case <-disconnected:
		t.Fatal("connection dropped despite server answering pings")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestBuildURL_AppendsWorkspaceOnce(t *testing.T) {
	t.Parallel()

	got, err := buildURL("wss://example.com/ws", "room-1")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	want := "wss://example.com/ws/room-1"
	if got != want {
		t.Errorf("buildURL = %q, want %q", got, want)
	}

	// idempotent: already-suffixed URL is not duplicated
	got2, err := buildURL(got, "room-1")
	if err != nil {
		t.Fatalf("buildURL (idempotent): %v", err)
	}
	if got2 != want {
		t.Errorf("buildURL (idempotent) = %q, want %q", got2, want)
	}
}

func TestDecodeLegacy_PresenceDispatch(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(protocol.LegacyMessage{
		Type: protocol.LegacyPresence, UserID: "bob", Status: "online", MeshID: "ws-1",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got struct {
		UserID, Status, MeshID string
	}
	c := NewClient(Config{PeerID: "alice", Listener: Listener{
		OnPresence: func(userID, status, meshID string) {
			got.UserID, got.Status, got.MeshID = userID, status, meshID
		},
	}})
	c.handleText(raw)

	if got.UserID != "bob" || got.Status != "online" || got.MeshID != "ws-1" {
		t.Errorf("got %+v", got)
	}
}
