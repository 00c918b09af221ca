// Package conn implements the Connection Manager: the per-peer pairwise
// connection state machine described in spec §4.3. It owns every Pairwise
// Connection, resolves glare via rtc.Peer's rollback-on-glare behavior,
// queues ICE candidates that arrive before a remote description is
// installed, and reports lifecycle events (join, disconnect, message,
// error) and outbound signaling intents to a caller-supplied Listener.
//
// The Connection Manager has no notion of the wire format — it never
// touches pkg/protocol. internal/mesh translates between the two.
package conn

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/meshlink/internal/rtc"
)

// Listener receives every outbound signaling intent and inbound lifecycle
// event the Connection Manager produces. All fields are optional; a nil
// field is simply not invoked.
type Listener struct {
	// OnOffer/OnAnswer/OnCandidate are outbound signaling intents: the
	// Connection Manager has produced a local description or gathered a
	// local candidate and asks the caller to relay it to peerID.
	OnOffer     func(peerID, sdp string)
	OnAnswer    func(peerID, sdp string)
	OnCandidate func(peerID, candidate, sdpMid string, sdpMLineIndex uint32)

	// OnPeerJoin fires exactly once per datagram channel open.
	OnPeerJoin func(peerID string)

	// OnPeerDisconnect fires exactly once per pairwise connection close,
	// after the peer has already been removed from internal maps.
	OnPeerDisconnect func(peerID string)

	// OnMessage forwards a verbatim datagram received from peerID.
	OnMessage func(peerID string, data []byte)

	// OnError reports a negotiation or channel error that does not by
	// itself close the pairwise connection.
	OnError func(peerID string, err error)
}

// Config configures a Manager.
type Config struct {
	LocalID  string
	ICE      rtc.ICEConfig
	Logger   *slog.Logger
	Listener Listener
}

// pendingCandidate is a candidate received before the remote description
// was installed, held in receive order.
type pendingCandidate struct {
	candidate     string
	sdpMid        string
	sdpMLineIndex uint32
}

type pairwise struct {
	peer                       *rtc.Peer
	remoteDescriptionInstalled bool
	pendingCandidates          []pendingCandidate
	joinFired                  bool
}

// Manager owns the set of Pairwise Connections for one local participant.
// All exported methods are safe for concurrent use; spec §5 models the
// core as single-threaded cooperative, which this package approximates
// with a single mutex serializing access to the peer table (pion delivers
// its own callbacks from arbitrary goroutines).
type Manager struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	peers map[string]*pairwise
}

// New creates a Manager. It does not itself open any connection.
func New(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "conn")
	return &Manager{
		cfg:   cfg,
		log:   log,
		peers: make(map[string]*pairwise),
	}
}

// InitiateConnection creates a Pairwise Connection to peerID, attaches the
// datagram channel, produces a local offer, and asks the Listener to
// forward it. A no-op if a record for peerID already exists (spec
// invariant 4: exactly one Pairwise Connection per peer).
func (m *Manager) InitiateConnection(peerID string) error {
	m.mu.Lock()
	if _, exists := m.peers[peerID]; exists {
		m.mu.Unlock()
		return nil
	}
	pw, err := m.newPairwise(peerID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.peers[peerID] = pw
	m.mu.Unlock()

	offerSDP, err := pw.peer.CreateOffer()
	if err != nil {
		m.log.Error("creating offer", "peer_id", peerID, "error", err)
		return fmt.Errorf("conn: creating offer for %s: %w", peerID, err)
	}
	if m.cfg.Listener.OnOffer != nil {
		m.cfg.Listener.OnOffer(peerID, offerSDP)
	}
	return nil
}

// HandleOffer creates a Pairwise Connection if absent, installs the
// remote offer (resolving glare by rollback if this side already has a
// local offer outstanding — see rtc.Peer.HandleOffer), drains any queued
// candidates, produces an answer, and asks the Listener to forward it.
func (m *Manager) HandleOffer(peerID, sdp string) error {
	m.mu.Lock()
	pw, exists := m.peers[peerID]
	if !exists {
		var err error
		pw, err = m.newPairwise(peerID)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.peers[peerID] = pw
	}
	m.mu.Unlock()

	answerSDP, err := pw.peer.HandleOffer(sdp)
	if err != nil {
		m.log.Error("handling offer", "peer_id", peerID, "error", err)
		if m.cfg.Listener.OnError != nil {
			m.cfg.Listener.OnError(peerID, err)
		}
		return fmt.Errorf("conn: handling offer from %s: %w", peerID, err)
	}

	m.markRemoteDescriptionInstalled(peerID)

	if m.cfg.Listener.OnAnswer != nil {
		m.cfg.Listener.OnAnswer(peerID, answerSDP)
	}
	return nil
}

// HandleAnswer installs the remote SDP answer and drains queued
// candidates. A missing record is silently ignored (the peer may have
// already been cleaned up); a stale answer (signaling state is not
// have-local-offer) is ignored with a warning.
func (m *Manager) HandleAnswer(peerID, sdp string) {
	m.mu.Lock()
	pw, exists := m.peers[peerID]
	m.mu.Unlock()
	if !exists {
		m.log.Debug("answer for unknown peer, ignored", "peer_id", peerID)
		return
	}

	if err := pw.peer.SetAnswer(sdp); err != nil {
		m.log.Warn("stale or invalid answer, ignored", "peer_id", peerID, "error", err)
		if m.cfg.Listener.OnError != nil {
			m.cfg.Listener.OnError(peerID, err)
		}
		return
	}

	m.markRemoteDescriptionInstalled(peerID)
}

// HandleCandidate applies a remote ICE candidate immediately if the
// remote description is already installed, or queues it in
// pendingCandidates otherwise. A missing record is ignored. Errors
// applying an individual candidate are logged, reported via OnError, and
// do not fail the connection.
func (m *Manager) HandleCandidate(peerID, candidate, sdpMid string, sdpMLineIndex uint32) {
	m.mu.Lock()
	pw, exists := m.peers[peerID]
	if !exists {
		m.mu.Unlock()
		m.log.Debug("candidate for unknown peer, ignored", "peer_id", peerID)
		return
	}
	if !pw.remoteDescriptionInstalled {
		pw.pendingCandidates = append(pw.pendingCandidates, pendingCandidate{candidate, sdpMid, sdpMLineIndex})
		m.mu.Unlock()
		return
	}
	peer := pw.peer
	m.mu.Unlock()

	if err := peer.AddICECandidate(candidate, sdpMid, sdpMLineIndex); err != nil {
		m.log.Warn("applying ICE candidate", "peer_id", peerID, "error", err)
		if m.cfg.Listener.OnError != nil {
			m.cfg.Listener.OnError(peerID, err)
		}
	}
}

// markRemoteDescriptionInstalled flips the gate and flushes
// pendingCandidates in receive order. Per spec invariant 2, this is the
// only place the buffer drains to empty.
func (m *Manager) markRemoteDescriptionInstalled(peerID string) {
	m.mu.Lock()
	pw, exists := m.peers[peerID]
	if !exists || pw.remoteDescriptionInstalled {
		m.mu.Unlock()
		return
	}
	pw.remoteDescriptionInstalled = true
	queued := pw.pendingCandidates
	pw.pendingCandidates = nil
	peer := pw.peer
	m.mu.Unlock()

	for _, c := range queued {
		if err := peer.AddICECandidate(c.candidate, c.sdpMid, c.sdpMLineIndex); err != nil {
			m.log.Warn("applying queued ICE candidate", "peer_id", peerID, "error", err)
			if m.cfg.Listener.OnError != nil {
				m.cfg.Listener.OnError(peerID, err)
			}
		}
	}
}

// SendToPeer sends bytes verbatim over peerID's datagram channel. A no-op
// with a warning if the channel is not open.
func (m *Manager) SendToPeer(peerID string, data []byte) {
	m.mu.Lock()
	pw, exists := m.peers[peerID]
	m.mu.Unlock()
	if !exists {
		m.log.Warn("sendToPeer: no connection, dropped", "peer_id", peerID)
		return
	}
	dc := pw.peer.DataChannel()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		m.log.Warn("sendToPeer: channel not open, dropped", "peer_id", peerID)
		return
	}
	if err := dc.Send(data); err != nil {
		m.log.Warn("sendToPeer: send failed", "peer_id", peerID, "error", err)
	}
}

// Broadcast sends bytes to every peer with an open datagram channel.
func (m *Manager) Broadcast(data []byte) {
	for _, peerID := range m.GetPeerIds() {
		m.SendToPeer(peerID, data)
	}
}

// IsDirect reports whether peerID has an open datagram channel.
func (m *Manager) IsDirect(peerID string) bool {
	m.mu.Lock()
	pw, exists := m.peers[peerID]
	m.mu.Unlock()
	if !exists {
		return false
	}
	dc := pw.peer.DataChannel()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// HasPeer reports whether a Pairwise Connection record exists for peerID.
func (m *Manager) HasPeer(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.peers[peerID]
	return exists
}

// GetPeerIds returns the ids of every known peer in no particular order.
func (m *Manager) GetPeerIds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every Pairwise Connection. Each fires its
// OnPeerDisconnect exactly once, per the cleanup invariant.
func (m *Manager) CloseAll() {
	for _, peerID := range m.GetPeerIds() {
		m.cleanupPeer(peerID)
	}
}

// cleanupPeer removes peerID from internal maps *before* closing the
// underlying connection, so a re-entrant callback from Close cannot
// observe the stale record and double-fire OnPeerDisconnect.
func (m *Manager) cleanupPeer(peerID string) {
	m.mu.Lock()
	pw, exists := m.peers[peerID]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.peers, peerID)
	m.mu.Unlock()

	if err := pw.peer.Close(); err != nil {
		m.log.Warn("closing peer connection", "peer_id", peerID, "error", err)
	}
	if m.cfg.Listener.OnPeerDisconnect != nil {
		m.cfg.Listener.OnPeerDisconnect(peerID)
	}
}

func (m *Manager) newPairwise(peerID string) (*pairwise, error) {
	pw := &pairwise{}

	peer, err := rtc.NewPeer(rtc.PeerConfig{
		ICE:      m.cfg.ICE,
		LocalID:  m.cfg.LocalID,
		RemoteID: peerID,
		Logger:   m.log,
		OnICECandidate: func(candidate, sdpMid string, sdpMLineIndex uint32) {
			if m.cfg.Listener.OnCandidate != nil {
				m.cfg.Listener.OnCandidate(peerID, candidate, sdpMid, sdpMLineIndex)
			}
		},
		OnDataChannel: func(dc *webrtc.DataChannel) {
			// rtc.Peer invokes this callback from the channel's own OnOpen
			// handler, so the channel is already open by this point. The
			// handlers registered below replace rtc's logging-only ones;
			// this package is the single place application-level channel
			// events are dispatched from.
			m.onChannelOpen(peerID)
			dc.OnClose(func() {
				m.cleanupPeer(peerID)
			})
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				if m.cfg.Listener.OnMessage != nil {
					m.cfg.Listener.OnMessage(peerID, msg.Data)
				}
			})
			dc.OnError(func(err error) {
				if m.cfg.Listener.OnError != nil {
					m.cfg.Listener.OnError(peerID, err)
				}
			})
		},
		OnConnectionStateChange: func(state webrtc.ICEConnectionState) {
			if state == webrtc.ICEConnectionStateFailed {
				m.cleanupPeer(peerID)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("conn: creating peer for %s: %w", peerID, err)
	}
	pw.peer = peer
	return pw, nil
}

// onChannelOpen fires OnPeerJoin exactly once per datagram channel open,
// per spec §4.3.
func (m *Manager) onChannelOpen(peerID string) {
	m.mu.Lock()
	pw, exists := m.peers[peerID]
	if !exists || pw.joinFired {
		m.mu.Unlock()
		return
	}
	pw.joinFired = true
	m.mu.Unlock()

	if m.cfg.Listener.OnPeerJoin != nil {
		m.cfg.Listener.OnPeerJoin(peerID)
	}
}
