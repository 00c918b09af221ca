// Package e2e exercises the full connect → presence → direct-upgrade →
// broadcast → disconnect path (spec §8, scenario 1) against an in-memory
// signaling hub, modeled on the teacher's internal/signaling/hub.go but
// speaking meshlink's binary frame + legacy-JSON wire format instead of
// bamgate's all-JSON one.
package e2e

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/kuuji/meshlink/pkg/protocol"
)

// hub is a minimal signaling server: it tracks joined peers, relays binary
// signal frames between them by recipient id, and forwards legacy-JSON
// ephemeral/presence traffic. It implements http.Handler.
type hub struct {
	mu    sync.Mutex
	peers map[string]*hubPeer
	log   *slog.Logger
}

type hubPeer struct {
	id          string
	workspaceID string
	conn        *websocket.Conn
}

func newHub(log *slog.Logger) *hub {
	if log == nil {
		log = slog.Default()
	}
	return &hub{peers: make(map[string]*hubPeer), log: log.With("component", "e2e-hub")}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		_ = p.conn.Close(websocket.StatusGoingAway, "hub shutting down")
	}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("accept failed", "error", err)
		return
	}
	ctx := context.Background()

	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil || frame.Type != protocol.FrameSignal {
		h.log.Warn("first frame is not a signal frame")
		_ = c.Close(websocket.StatusProtocolError, "expected join")
		return
	}
	join, ok := frame.Signal.Payload.(*protocol.Join)
	if !ok {
		h.log.Warn("first signal frame is not a join")
		_ = c.Close(websocket.StatusProtocolError, "expected join")
		return
	}

	peer := &hubPeer{id: frame.Signal.From, workspaceID: join.WorkspaceID, conn: c}

	h.mu.Lock()
	var siblings []*hubPeer
	for _, p := range h.peers {
		if p.workspaceID == peer.workspaceID {
			siblings = append(siblings, p)
		}
	}
	h.peers[peer.id] = peer
	h.mu.Unlock()

	h.log.Info("peer joined", "peer_id", peer.id, "workspace_id", peer.workspaceID)

	h.broadcastPresence(siblings, peer.id, "online")
	for _, s := range siblings {
		h.sendPresence(peer, s.id, "online")
	}

	defer func() {
		h.mu.Lock()
		delete(h.peers, peer.id)
		var remaining []*hubPeer
		for _, p := range h.peers {
			if p.workspaceID == peer.workspaceID {
				remaining = append(remaining, p)
			}
		}
		h.mu.Unlock()
		h.log.Info("peer left", "peer_id", peer.id)
		h.broadcastPresence(remaining, peer.id, "offline")
	}()

	for {
		msgType, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		switch msgType {
		case websocket.MessageBinary:
			h.handleBinary(peer, data)
		case websocket.MessageText:
			h.handleText(peer, data)
		}
	}
}

func (h *hub) handleBinary(from *hubPeer, data []byte) {
	if len(data) == 1 && data[0] == 0x00 {
		_ = from.conn.Write(context.Background(), websocket.MessageBinary, []byte{0x01})
		return
	}

	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		h.log.Warn("dropping malformed frame", "error", err)
		return
	}
	if frame.Type != protocol.FrameSignal {
		return
	}
	h.mu.Lock()
	target, ok := h.peers[frame.Signal.To]
	h.mu.Unlock()
	if !ok {
		h.log.Debug("signal target not found", "to", frame.Signal.To)
		return
	}
	_ = target.conn.Write(context.Background(), websocket.MessageBinary, data)
}

func (h *hub) handleText(from *hubPeer, data []byte) {
	msg, err := protocol.DecodeLegacy(data)
	if err != nil {
		h.log.Warn("dropping malformed legacy message", "error", err)
		return
	}
	if msg.Type != protocol.LegacyEphemeral {
		return
	}
	if msg.UserID != "" {
		h.mu.Lock()
		target, ok := h.peers[msg.UserID]
		h.mu.Unlock()
		if ok {
			_ = target.conn.Write(context.Background(), websocket.MessageText, data)
		}
		return
	}
	h.mu.Lock()
	var siblings []*hubPeer
	for _, p := range h.peers {
		if p.workspaceID == from.workspaceID && p.id != from.id {
			siblings = append(siblings, p)
		}
	}
	h.mu.Unlock()
	for _, p := range siblings {
		_ = p.conn.Write(context.Background(), websocket.MessageText, data)
	}
}

func (h *hub) broadcastPresence(to []*hubPeer, userID, status string) {
	for _, p := range to {
		h.sendPresence(p, userID, status)
	}
}

func (h *hub) sendPresence(to *hubPeer, userID, status string) {
	msg := protocol.LegacyMessage{Type: protocol.LegacyPresence, UserID: userID, Status: status}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = to.conn.Write(context.Background(), websocket.MessageText, data)
}
