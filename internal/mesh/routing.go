package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kuuji/meshlink/internal/diagnostics"
	"github.com/kuuji/meshlink/pkg/protocol"
)

// Broadcast sends data to every known peer, preferring each peer's direct
// channel when open and falling back to relay (spec §4.4 routing
// decision). Blocked unless the lifecycle state is ACTIVE.
func (c *Client) Broadcast(data []byte) error {
	if !c.CanSend() {
		return ErrNotActive
	}
	c.simulateThen(func() {
		relayTargets := c.peersWithTransport(TransportRelay)
		for _, peerID := range relayTargets {
			c.relaySend(peerID, data)
		}
		c.connMgr.Broadcast(data)
	})
	return nil
}

// SendToPeer routes one payload to a single peer: direct channel if the
// Connection Manager reports it open, otherwise relay (spec §4.4).
func (c *Client) SendToPeer(peerID string, data []byte) error {
	if !c.CanSend() {
		return ErrNotActive
	}
	c.simulateThen(func() {
		c.mu.Lock()
		rec, ok := c.peers[peerID]
		c.mu.Unlock()

		if ok && rec.transport == TransportDirect && c.connMgr.IsDirect(peerID) {
			c.connMgr.SendToPeer(peerID, data)
			return
		}
		c.relaySend(peerID, data)
	})
	return nil
}

// SendToAuthority sends data to the signaling server itself as an opaque
// Op frame; the frame carries no recipient or sender id.
func (c *Client) SendToAuthority(data []byte) error {
	if !c.CanSend() {
		return ErrNotActive
	}
	c.signalingClient.SendPayload(context.Background(), data)
	return nil
}

// SendEphemeral passes payload through to signaling as a text ephemeral,
// addressed to to (empty string broadcasts to the workspace).
func (c *Client) SendEphemeral(payload any, to string) {
	c.signalingClient.SendEphemeral(context.Background(), payload, to)
}

// Ping measures round-trip latency to peerID in milliseconds, exchanging
// ping/pong ephemerals through the signaling server (not the direct
// channel). Returns -1 if no pong arrives within the diagnostics timeout.
func (c *Client) Ping(ctx context.Context, peerID string) int64 {
	requestID := newRequestID()
	result := c.pingTracker.Begin(ctx, requestID)

	env := diagnostics.PingEnvelope{
		Type:      diagnostics.PingType,
		RequestID: requestID,
		From:      c.cfg.Identity,
		Timestamp: time.Now().UnixMilli(),
	}
	c.SendEphemeral(env, peerID)

	return <-result
}

func newRequestID() string {
	return fmt.Sprintf("%s-%d", NewIdentity(), time.Now().UnixNano())
}

// relaySend wraps data in a Relay signal and hands it to signaling.
func (c *Client) relaySend(peerID string, data []byte) {
	c.signalingClient.SendSignal(context.Background(), peerID, &protocol.Relay{Data: data})
}

func (c *Client) peersWithTransport(transport Transport) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for _, p := range c.peers {
		if p.transport == transport {
			out = append(out, p.id)
		}
	}
	return out
}

// simulateThen runs fn immediately, or after the configured chaos delay,
// or not at all if the simulator decides to drop the call (spec §4.5:
// the hook only perturbs outgoing sends, never inbound traffic).
func (c *Client) simulateThen(fn func()) {
	delay, drop := c.simulator.Apply()
	if drop {
		return
	}
	if delay <= 0 {
		fn()
		return
	}
	time.AfterFunc(delay, fn)
}

// handlePingPongEphemeral intercepts __ping__/__pong__ ephemeral traffic
// before it reaches the application-visible OnEphemeral listener. Returns
// true if the payload was diagnostics traffic and has been fully handled.
func (c *Client) handlePingPongEphemeral(from string, payload json.RawMessage) bool {
	switch diagnostics.DecodeEnvelopeType(payload) {
	case diagnostics.PingType:
		var ping diagnostics.PingEnvelope
		if err := json.Unmarshal(payload, &ping); err != nil {
			c.log.Warn("malformed ping envelope", "error", err)
			return true
		}
		pong := diagnostics.PongEnvelope{Type: diagnostics.PongType, RequestID: ping.RequestID, Timestamp: ping.Timestamp}
		c.SendEphemeral(pong, from)
		return true
	case diagnostics.PongType:
		var pong diagnostics.PongEnvelope
		if err := json.Unmarshal(payload, &pong); err != nil {
			c.log.Warn("malformed pong envelope", "error", err)
			return true
		}
		latency := time.Now().UnixMilli() - pong.Timestamp
		c.pingTracker.Resolve(pong.RequestID, latency)
		return true
	default:
		return false
	}
}
