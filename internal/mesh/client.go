// Package mesh implements the Client: the global lifecycle state machine,
// the peer-status table, hybrid routing between relay and direct
// transport, the mesh/star topology controller, and deterministic glare
// tie-break (spec §4.4). It wires internal/signaling and internal/conn
// together, mirroring the teacher's top-level Agent/Client wiring style.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/meshlink/internal/conn"
	"github.com/kuuji/meshlink/internal/diagnostics"
	"github.com/kuuji/meshlink/internal/rtc"
	"github.com/kuuji/meshlink/internal/signaling"
	"github.com/kuuji/meshlink/pkg/protocol"
)

// ErrMissingWorkspace and ErrMissingCredentials are returned by NewClient
// for invalid configuration (spec §6: "Rejects missing workspaceId or
// missing token-and-tokenProvider").
var (
	ErrMissingWorkspace    = errors.New("mesh: workspaceId is required")
	ErrMissingCredentials  = errors.New("mesh: token or tokenProvider is required")
	ErrNotActive           = errors.New("mesh: client is not in the ACTIVE lifecycle state")
)

const defaultMaxPeersForMesh = 6
const syncTimeout = 5 * time.Second

// Listener receives every subscribable Client event (spec §6).
type Listener struct {
	OnConnect              func()
	OnDisconnect           func()
	OnPeerJoin             func(peerID string)
	OnPeerDisconnect       func(peerID string)
	OnPeerStatus           func(peerID string, transport Transport)
	OnMessage              func(peerID string, data []byte)
	OnAuthorityMessage     func(data []byte)
	OnEphemeral            func(payload json.RawMessage)
	OnError                func(err error)
	OnLifecycleStateChange func(state LifecycleState)
	OnTopologyChange       func(topology Topology, reason string)
}

// SimulateOptions configures the chaos-injection development aid (spec
// §4.5). Nil disables it.
type SimulateOptions = diagnostics.Options

// Config constructs a Client (spec §6).
type Config struct {
	WorkspaceID string
	Token       string
	// TokenProvider, if set, takes priority over Token and is re-evaluated
	// on every (re)connect.
	TokenProvider func(ctx context.Context) (string, error)
	ServerURL     string

	// Identity, if empty, is generated with NewIdentity().
	Identity string

	Topology        Topology // defaults to TopologyMesh
	MaxPeersForMesh int      // defaults to defaultMaxPeersForMesh
	Debug           bool
	ICE             rtc.ICEConfig

	Logger   *slog.Logger
	Listener Listener

	// PreConnectHook, if set, runs before the signaling channel opens;
	// an error transitions the client straight to ERROR (spec §4.4:
	// "INITIALIZING → ERROR").
	PreConnectHook func(ctx context.Context) error
}

type peerRecord struct {
	id        string
	transport Transport
}

// Client is the top-level mesh connection fabric entry point.
type Client struct {
	cfg Config
	log *slog.Logger

	signalingClient *signaling.Client
	connMgr         *conn.Manager
	pingTracker     *diagnostics.PingTracker
	simulator       *diagnostics.Simulator

	mu                sync.Mutex
	state             LifecycleState
	closed            bool
	effectiveTopology Topology
	peers             map[string]*peerRecord
	syncTimer         *time.Timer

	listener Listener
}

// NewClient validates cfg and wires the Signaling Transport and
// Connection Manager together; it does not connect.
func NewClient(cfg Config) (*Client, error) {
	if cfg.WorkspaceID == "" {
		return nil, ErrMissingWorkspace
	}
	if cfg.Token == "" && cfg.TokenProvider == nil {
		return nil, ErrMissingCredentials
	}
	if cfg.Identity == "" {
		cfg.Identity = NewIdentity()
	}
	if cfg.Topology == "" {
		cfg.Topology = TopologyMesh
	}
	if cfg.MaxPeersForMesh == 0 {
		cfg.MaxPeersForMesh = defaultMaxPeersForMesh
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "mesh", "peer_id", cfg.Identity)

	c := &Client{
		cfg:               cfg,
		log:               log,
		state:             StateIdle,
		effectiveTopology: cfg.Topology,
		peers:             make(map[string]*peerRecord),
		pingTracker:       diagnostics.NewPingTracker(),
		simulator:         diagnostics.NewSimulator(),
		listener:          cfg.Listener,
	}

	tokenProvider := cfg.TokenProvider
	if tokenProvider == nil {
		token := cfg.Token
		tokenProvider = func(context.Context) (string, error) { return token, nil }
	}

	c.signalingClient = signaling.NewClient(signaling.Config{
		ServerURL:     cfg.ServerURL,
		PeerID:        cfg.Identity,
		WorkspaceID:   cfg.WorkspaceID,
		TokenProvider: tokenProvider,
		Logger:        log,
		Reconnect:     signaling.DefaultReconnectConfig(),
		Heartbeat:     signaling.DefaultHeartbeatConfig(),
		Listener: signaling.Listener{
			OnConnect:    c.onSignalingConnect,
			OnDisconnect: c.onSignalingDisconnect,
			OnError:      c.onSignalingError,
			OnSignal:     c.onSignal,
			OnPresence:   c.onPresence,
			OnInit:          c.onInit,
			OnEphemeral:     c.onEphemeral,
			OnServerMessage: c.onServerMessage,
		},
	})

	c.connMgr = conn.New(conn.Config{
		LocalID: cfg.Identity,
		ICE:     cfg.ICE,
		Logger:  log,
		Listener: conn.Listener{
			OnOffer:          c.onOffer,
			OnAnswer:         c.onAnswer,
			OnCandidate:      c.onCandidate,
			OnPeerJoin:       c.onPeerJoin,
			OnPeerDisconnect: c.onPeerDisconnect,
			OnMessage:        c.onPeerMessage,
			OnError:          c.onPeerError,
		},
	})

	return c, nil
}

// Connect begins the IDLE → ... → ACTIVE progression.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()

	c.setState(StateInitializing)
	if c.cfg.PreConnectHook != nil {
		if err := c.cfg.PreConnectHook(ctx); err != nil {
			c.setState(StateError)
			c.fireError(fmt.Errorf("mesh: pre-connect hook: %w", err))
			return err
		}
	}

	c.setState(StateConnecting)
	if err := c.signalingClient.Connect(ctx); err != nil {
		c.setState(StateError)
		return fmt.Errorf("mesh: connect: %w", err)
	}
	return nil
}

// Disconnect closes the signaling channel and all direct connections but
// leaves the Client reusable via a subsequent Connect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	c.cancelSyncTimer()
	c.mu.Unlock()

	c.connMgr.CloseAll()
	err := c.signalingClient.Close()
	c.setState(StateDisconnected)
	return err
}

// Destroy is Disconnect plus releasing all local bookkeeping; the Client
// must not be reused afterward.
func (c *Client) Destroy() error {
	err := c.Disconnect()
	c.mu.Lock()
	c.peers = make(map[string]*peerRecord)
	c.mu.Unlock()
	return err
}

// UpdateToken replaces the bearer token used on the next (re)connect.
func (c *Client) UpdateToken(token string) {
	c.signalingClient.UpdateToken(token)
}

// GetID returns this participant's identity.
func (c *Client) GetID() string { return c.cfg.Identity }

// GetStatus returns the current lifecycle state.
func (c *Client) GetStatus() LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanSend reports whether the lifecycle state currently permits sends.
func (c *Client) CanSend() bool {
	return c.GetStatus() == StateActive
}

// PeerStatus is a snapshot entry returned by GetPeers.
type PeerStatus struct {
	ID        string
	Transport Transport
}

// GetPeers returns a snapshot of all currently known peers.
func (c *Client) GetPeers() []PeerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerStatus, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, PeerStatus{ID: p.id, Transport: p.transport})
	}
	return out
}

// SimulateNetwork enables or disables chaos injection on outgoing sends.
// Pass nil to disable.
func (c *Client) SimulateNetwork(opts *SimulateOptions) {
	c.simulator.SetOptions(opts)
}

// Snapshot is a point-in-time view of the Client beyond the individual
// GetStatus/GetPeers accessors named in spec §6 — grounded in the
// teacher's internal/control.Status, adapted from a cross-process /status
// endpoint to a plain in-process accessor (no control socket here: that
// transport is VPN-daemon-specific and has no counterpart in a library).
type Snapshot struct {
	Identity string
	State    LifecycleState
	Topology Topology
	Peers    []PeerStatus
}

// Snapshot returns the current lifecycle state, effective topology, and
// peer table in one consistent read.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]PeerStatus, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, PeerStatus{ID: p.id, Transport: p.transport})
	}
	return Snapshot{
		Identity: c.cfg.Identity,
		State:    c.state,
		Topology: c.effectiveTopology,
		Peers:    peers,
	}
}
