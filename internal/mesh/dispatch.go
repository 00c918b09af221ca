package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kuuji/meshlink/pkg/protocol"
)

// --- Signaling Transport callbacks -----------------------------------------

func (c *Client) onSignalingConnect() {
	c.setState(StateHandshaking)
	c.mu.Lock()
	c.syncTimer = time.AfterFunc(syncTimeout, c.onSyncTimeout)
	c.mu.Unlock()
	if c.listener.OnConnect != nil {
		c.listener.OnConnect()
	}
}

func (c *Client) onSignalingDisconnect() {
	c.mu.Lock()
	intentional := c.closed
	c.mu.Unlock()
	if c.listener.OnDisconnect != nil {
		c.listener.OnDisconnect()
	}
	if !intentional {
		c.setState(StateReconnecting)
	}
}

func (c *Client) onSignalingError(err error) {
	c.setState(StateError)
	c.fireError(fmt.Errorf("mesh: signaling: %w", err))
}

func (c *Client) onSyncTimeout() {
	// HANDSHAKING → ACTIVE: this client assumes authority in the absence
	// of an init envelope within the sync window (spec §4.4).
	c.completeSync()
}

func (c *Client) onInit(data json.RawMessage) {
	c.setState(StateSyncing)
	c.completeSync()
}

// completeSync cancels the sync timer (idempotent) and advances to
// ACTIVE exactly once.
func (c *Client) completeSync() {
	c.mu.Lock()
	c.cancelSyncTimer()
	c.mu.Unlock()
	c.setState(StateActive)
}

func (c *Client) cancelSyncTimer() {
	if c.syncTimer != nil {
		c.syncTimer.Stop()
		c.syncTimer = nil
	}
}

func (c *Client) fireError(err error) {
	c.log.Error("client error", "error", err)
	if c.listener.OnError != nil {
		c.listener.OnError(err)
	}
}

// --- Presence -----------------------------------------------------------

func (c *Client) onPresence(userID, status, meshID string) {
	switch status {
	case "online":
		c.recordPeerOnline(userID)
	case "offline":
		c.recordPeerOffline(userID)
	default:
		c.log.Debug("unrecognized presence status, ignored", "status", status)
	}
}

// recordPeerOnline creates the peer record (if new), fires peerJoin
// immediately so applications can address it via relay, re-evaluates the
// topology controller, and — in mesh topology, if this identity is the
// deterministic initiator — opens a direct connection.
func (c *Client) recordPeerOnline(peerID string) {
	c.mu.Lock()
	_, exists := c.peers[peerID]
	if !exists {
		c.peers[peerID] = &peerRecord{id: peerID, transport: TransportRelay}
	}
	c.mu.Unlock()

	if !exists {
		if c.listener.OnPeerJoin != nil {
			c.listener.OnPeerJoin(peerID)
		}
		c.evaluateTopology()
	}

	c.mu.Lock()
	topology := c.effectiveTopology
	c.mu.Unlock()

	if topology == TopologyMesh && c.isInitiator(peerID) {
		if err := c.connMgr.InitiateConnection(peerID); err != nil {
			c.fireError(fmt.Errorf("mesh: initiating connection to %s: %w", peerID, err))
		}
	}
}

func (c *Client) recordPeerOffline(peerID string) {
	c.mu.Lock()
	_, existed := c.peers[peerID]
	delete(c.peers, peerID)
	c.mu.Unlock()

	if existed {
		if c.listener.OnPeerDisconnect != nil {
			c.listener.OnPeerDisconnect(peerID)
		}
		c.evaluateTopology()
	}
}

// isInitiator implements the glare tie-break of spec §3 invariant 5 /
// §4.4: lexicographic comparison on the string identity, greater id
// initiates.
func (c *Client) isInitiator(remoteID string) bool {
	return strings.Compare(c.cfg.Identity, remoteID) > 0
}

// --- Topology controller -------------------------------------------------

func (c *Client) evaluateTopology() {
	if c.cfg.Topology == TopologyStar {
		return // effective is always star; no transitions occur
	}

	c.mu.Lock()
	peerCount := len(c.peers)
	current := c.effectiveTopology
	var next Topology
	var reason string
	switch {
	case peerCount > c.cfg.MaxPeersForMesh && current == TopologyMesh:
		next, reason = TopologyStar, "peer_limit_exceeded"
	case peerCount <= c.cfg.MaxPeersForMesh && current == TopologyStar:
		next, reason = TopologyMesh, "peer_limit_restored"
	default:
		c.mu.Unlock()
		return
	}
	c.effectiveTopology = next
	c.mu.Unlock()

	c.log.Info("topology transition", "topology", next, "reason", reason)
	if c.listener.OnTopologyChange != nil {
		c.listener.OnTopologyChange(next, reason)
	}
}

// --- Signal dispatch (from onSignal) -------------------------------------

func (c *Client) onSignal(from string, payload protocol.SignalPayload) {
	c.mu.Lock()
	topology := c.effectiveTopology
	c.mu.Unlock()

	switch p := payload.(type) {
	case *protocol.Join:
		if topology != TopologyStar {
			if err := c.connMgr.InitiateConnection(from); err != nil {
				c.fireError(fmt.Errorf("mesh: initiating connection to %s: %w", from, err))
			}
		}
	case *protocol.Offer:
		if err := c.connMgr.HandleOffer(from, p.SDP); err != nil {
			c.fireError(fmt.Errorf("mesh: handling offer from %s: %w", from, err))
		}
	case *protocol.Answer:
		c.connMgr.HandleAnswer(from, p.SDP)
	case *protocol.Candidate:
		c.connMgr.HandleCandidate(from, p.Candidate, p.SDPMid, p.SDPMLineIndex)
	case *protocol.Relay:
		if c.listener.OnMessage != nil {
			c.listener.OnMessage(from, p.Data)
		}
	default:
		c.log.Debug("unrecognized signal payload, ignored", "type", fmt.Sprintf("%T", payload))
	}
}

func (c *Client) onEphemeral(from string, payload json.RawMessage) {
	if c.handlePingPongEphemeral(from, payload) {
		return
	}
	if c.listener.OnEphemeral != nil {
		c.listener.OnEphemeral(payload)
	}
}

// --- Connection Manager callbacks -----------------------------------------

func (c *Client) onOffer(peerID, sdp string) {
	c.signalingClient.SendSignal(context.Background(), peerID, &protocol.Offer{SDP: sdp})
}

func (c *Client) onAnswer(peerID, sdp string) {
	c.signalingClient.SendSignal(context.Background(), peerID, &protocol.Answer{SDP: sdp})
}

func (c *Client) onCandidate(peerID, candidate, sdpMid string, sdpMLineIndex uint32) {
	c.signalingClient.SendSignal(context.Background(), peerID, &protocol.Candidate{
		Candidate: candidate, SDPMid: sdpMid, SDPMLineIndex: sdpMLineIndex,
	})
}

// onPeerJoin is the Connection Manager's notification that the direct
// channel opened: the Client upgrades the peer's transport and emits
// peerStatus followed by peerJoin (spec §4.4 "Upgrade path").
func (c *Client) onPeerJoin(peerID string) {
	c.mu.Lock()
	rec, ok := c.peers[peerID]
	if !ok {
		rec = &peerRecord{id: peerID}
		c.peers[peerID] = rec
	}
	rec.transport = TransportDirect
	c.mu.Unlock()

	if c.listener.OnPeerStatus != nil {
		c.listener.OnPeerStatus(peerID, TransportDirect)
	}
	if c.listener.OnPeerJoin != nil {
		c.listener.OnPeerJoin(peerID)
	}
}

func (c *Client) onPeerDisconnect(peerID string) {
	c.mu.Lock()
	_, existed := c.peers[peerID]
	delete(c.peers, peerID)
	c.mu.Unlock()

	if existed && c.listener.OnPeerDisconnect != nil {
		c.listener.OnPeerDisconnect(peerID)
	}
	c.evaluateTopology()
}

func (c *Client) onPeerMessage(peerID string, data []byte) {
	// The first inbound direct-channel message completes the sync window
	// (spec §4.4: "HANDSHAKING → ACTIVE ... or first inbound
	// direct-channel message, whichever comes first").
	c.completeSync()
	if c.listener.OnMessage != nil {
		c.listener.OnMessage(peerID, data)
	}
}

// onServerMessage handles an authoritative message from the signaling
// server: it also completes the sync window (spec §4.4) and is surfaced
// to applications as authorityMessage.
func (c *Client) onServerMessage(data []byte) {
	c.completeSync()
	if c.listener.OnAuthorityMessage != nil {
		c.listener.OnAuthorityMessage(data)
	}
}

func (c *Client) onPeerError(peerID string, err error) {
	c.fireError(fmt.Errorf("mesh: connection to %s: %w", peerID, err))
}
