// Package signaling implements the authenticated duplex channel to the
// signaling server (spec §4.2): connect/close, signal/payload/ephemeral
// sends, exponential-backoff reconnection, heartbeat, and dispatch of
// typed inbound events. It is built on github.com/coder/websocket and
// pkg/protocol, following the reconnect and token-provider design of the
// teacher's internal/signaling/client.go almost unchanged.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/meshlink/pkg/protocol"
)

// ServerID is the reserved recipient/sender identity of the signaling
// server itself, used for the initial Join signal.
const ServerID = "server"

// ReconnectConfig tunes the exponential backoff reconnection policy.
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultReconnectConfig matches spec §4.2: 1000ms initial, doubling,
// capped at 30000ms, up to 30% jitter, 10 attempts.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:      true,
		InitialDelay: 1000 * time.Millisecond,
		MaxDelay:     30000 * time.Millisecond,
		MaxAttempts:  10,
	}
}

// HeartbeatConfig tunes the ping/pong keepalive.
type HeartbeatConfig struct {
	Enabled       bool
	Interval      time.Duration
	MissesAllowed int
}

// DefaultHeartbeatConfig matches spec §4.2: 1000ms interval, 3 misses.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Enabled: true, Interval: 1000 * time.Millisecond, MissesAllowed: 3}
}

// Listener receives every inbound event the transport dispatches. All
// fields are optional.
type Listener struct {
	OnConnect       func()
	OnDisconnect    func()
	OnError         func(err error)
	OnSignal        func(from string, payload protocol.SignalPayload)
	OnPresence      func(userID, status, meshID string)
	OnInit          func(data json.RawMessage)
	OnEphemeral     func(from string, payload json.RawMessage)
	OnServerMessage func(data []byte)
}

// Config configures a Client.
type Config struct {
	ServerURL string
	PeerID    string

	// WorkspaceID is sent in the initial Join signal.
	WorkspaceID string

	// TokenProvider resolves the bearer token on every connect attempt. A
	// provider error does not abort the attempt: it proceeds
	// unauthenticated and is expected to fail server-side.
	TokenProvider func(ctx context.Context) (string, error)

	// OnAuthFailure is invoked when the server rejects the connection
	// with HTTP 401. If it returns nil, a reconnect is attempted
	// immediately (no backoff); the token is presumed refreshed.
	OnAuthFailure func(ctx context.Context) error

	Logger            *slog.Logger
	MessageBufferSize int
	DialTimeout       time.Duration

	Reconnect ReconnectConfig
	Heartbeat HeartbeatConfig

	Listener Listener
}

// Client is the signaling transport for one participant.
type Client struct {
	cfg Config
	log *slog.Logger

	mu              sync.Mutex
	conn            *websocket.Conn
	closed          bool // intentional close: no reconnection is scheduled
	cancel          context.CancelFunc
	reconnCh        chan struct{}
	missedPongs     int
	heartbeatCancel context.CancelFunc // cancels the heartbeat loop for the current conn
}

// NewClient creates a Client. It does not connect.
func NewClient(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "signaling", "peer_id", cfg.PeerID)
	if cfg.MessageBufferSize == 0 {
		cfg.MessageBufferSize = 64
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		reconnCh: make(chan struct{}, 1),
	}
}

// Connect dials the server, sends the initial Join signal, and starts the
// inbound receive loop. It returns once the initial connection succeeds;
// subsequent reconnects happen in the background.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.closed = false
	c.mu.Unlock()

	if err := c.dial(runCtx); err != nil {
		cancel()
		return err
	}

	go c.receiveLoop(runCtx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	target, err := buildURL(c.cfg.ServerURL, c.cfg.WorkspaceID)
	if err != nil {
		return fmt.Errorf("signaling: building server URL: %w", err)
	}

	var header http.Header
	if c.cfg.TokenProvider != nil {
		token, err := c.cfg.TokenProvider(dialCtx)
		if err != nil {
			c.log.Warn("token provider failed, connecting unauthenticated", "error", err)
		} else if token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + token}}
		}
	}

	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("signaling: dialing %s: %w", target, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.missedPongs = 0
	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
		c.heartbeatCancel = nil
	}
	c.mu.Unlock()

	if err := c.sendJoin(dialCtx); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return err
	}

	if c.cfg.Heartbeat.Enabled {
		hbCtx, hbCancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.heartbeatCancel = hbCancel
		c.mu.Unlock()
		go c.heartbeatLoop(hbCtx)
	}

	if c.cfg.Listener.OnConnect != nil {
		c.cfg.Listener.OnConnect()
	}
	return nil
}

func (c *Client) sendJoin(ctx context.Context) error {
	frame := &protocol.Frame{Type: protocol.FrameSignal, Signal: &protocol.SignalEnvelope{
		To: ServerID, From: c.cfg.PeerID, Payload: &protocol.Join{WorkspaceID: c.cfg.WorkspaceID},
	}}
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		return fmt.Errorf("signaling: encoding join: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("signaling: no connection")
	}
	return conn.Write(ctx, websocket.MessageBinary, data)
}

// SendSignal frames and sends a signal envelope. Silently dropped when
// the channel is closed.
func (c *Client) SendSignal(ctx context.Context, to string, payload protocol.SignalPayload) {
	frame := &protocol.Frame{Type: protocol.FrameSignal, Signal: &protocol.SignalEnvelope{
		To: to, From: c.cfg.PeerID, Payload: payload,
	}}
	c.sendFrame(ctx, frame)
}

// SendPayload frames and sends an opaque Op payload.
func (c *Client) SendPayload(ctx context.Context, data []byte) {
	c.sendFrame(ctx, &protocol.Frame{Type: protocol.FrameOp, Payload: data})
}

func (c *Client) sendFrame(ctx context.Context, frame *protocol.Frame) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.log.Debug("sendFrame: no connection, dropped")
		return
	}
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		c.log.Error("encoding frame", "error", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		c.log.Debug("sendFrame: write failed, dropped", "error", err)
	}
}

// SendEphemeral sends an ephemeral payload as legacy JSON text (for a
// structured object) addressed to to (empty string broadcasts).
func (c *Client) SendEphemeral(ctx context.Context, payload any, to string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.log.Debug("sendEphemeral: no connection, dropped")
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("marshalling ephemeral payload", "error", err)
		return
	}
	msg := protocol.LegacyMessage{Type: protocol.LegacyEphemeral, From: c.cfg.PeerID, Payload: raw}
	if to != "" {
		msg.UserID = to
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshalling ephemeral envelope", "error", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("sendEphemeral: write failed, dropped", "error", err)
	}
}

// UpdateToken replaces the credential used on the next connect attempt.
// Since TokenProvider is called fresh on every dial, callers typically
// swap the provider's closed-over state instead; UpdateToken is provided
// for callers using a static token.
func (c *Client) UpdateToken(token string) {
	c.cfg.TokenProvider = func(context.Context) (string, error) { return token, nil }
}

// ForceReconnect triggers an immediate reconnect attempt (no backoff
// delay), e.g. after the caller observes a network change.
func (c *Client) ForceReconnect() {
	select {
	case c.reconnCh <- struct{}{}:
	default:
	}
}

// Close marks the close as intentional (no reconnection follows) and
// closes the channel.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (c *Client) closeConn(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(code, reason)
	}
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer func() {
		if c.cfg.Listener.OnDisconnect != nil {
			c.cfg.Listener.OnDisconnect()
		}
	}()

	for {
		if err := c.readMessages(ctx); err != nil {
			c.mu.Lock()
			intentional := c.closed
			c.mu.Unlock()
			if intentional {
				return
			}
			if code := websocket.CloseStatus(err); code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway {
				c.log.Debug("signaling: normal closure, not reconnecting", "code", code)
				return
			}
			if !c.cfg.Reconnect.Enabled {
				return
			}
			if isHTTP401(err) && c.cfg.OnAuthFailure != nil {
				if authErr := c.cfg.OnAuthFailure(ctx); authErr != nil {
					c.log.Error("auth failure callback", "error", authErr)
				} else {
					c.ForceReconnect()
				}
			}
			if !c.reconnect(ctx) {
				return
			}
			continue
		}
		return
	}
}

func (c *Client) readMessages(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return errors.New("signaling: connection closed")
		}

		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if c.cfg.Listener.OnError != nil {
				c.cfg.Listener.OnError(err)
			}
			return err
		}

		switch msgType {
		case websocket.MessageBinary:
			c.handleBinary(data)
		case websocket.MessageText:
			c.handleText(data)
		}
	}
}

func (c *Client) handleBinary(data []byte) {
	if len(data) == 1 && data[0] == pongByte {
		c.mu.Lock()
		c.missedPongs = 0
		c.mu.Unlock()
		return
	}

	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		c.log.Warn("dropping malformed or unknown frame", "error", err)
		return
	}

	switch frame.Type {
	case protocol.FrameSignal:
		if frame.Signal.From == c.cfg.PeerID {
			return
		}
		if c.cfg.Listener.OnSignal != nil {
			c.cfg.Listener.OnSignal(frame.Signal.From, frame.Signal.Payload)
		}
	case protocol.FrameSync:
		if c.cfg.Listener.OnServerMessage != nil {
			c.cfg.Listener.OnServerMessage(frame.Payload)
		}
	case protocol.FrameOp:
		if c.cfg.Listener.OnServerMessage != nil {
			c.cfg.Listener.OnServerMessage(frame.Payload)
		}
	}
}

func (c *Client) handleText(data []byte) {
	msg, err := protocol.DecodeLegacy(data)
	if err != nil {
		c.log.Warn("dropping malformed legacy message", "error", err)
		return
	}
	switch msg.Type {
	case protocol.LegacyPresence:
		if c.cfg.Listener.OnPresence != nil {
			c.cfg.Listener.OnPresence(msg.UserID, msg.Status, msg.MeshID)
		}
	case protocol.LegacyInit:
		if c.cfg.Listener.OnInit != nil {
			c.cfg.Listener.OnInit(msg.Data)
		}
	case protocol.LegacySignal:
		if msg.From == c.cfg.PeerID {
			return
		}
		c.log.Debug("legacy text signal frame received, no typed payload decoder available")
	case protocol.LegacyEphemeral:
		if c.cfg.Listener.OnEphemeral != nil {
			c.cfg.Listener.OnEphemeral(msg.From, msg.Payload)
		}
	default:
		c.log.Debug("unrecognized legacy message type, dropped", "type", msg.Type)
	}
}

const pongByte = 0x01
const pingByte = 0x00

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.missedPongs++
			misses := c.missedPongs
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			if misses > c.cfg.Heartbeat.MissesAllowed {
				c.log.Warn("heartbeat timeout, closing connection")
				c.closeConn(4000, "Heartbeat Timeout")
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, []byte{pingByte}); err != nil {
				c.log.Debug("heartbeat ping failed", "error", err)
			}
		}
	}
}

// isHTTP401 detects the coder/websocket error text for a failed upgrade
// due to an unauthorized response, mirroring the teacher's detection.
func isHTTP401(err error) bool {
	return strings.Contains(err.Error(), "status code 101 but got 401") ||
		strings.Contains(err.Error(), "expected handshake response status code 101 but got 401")
}

// reconnect blocks applying exponential backoff (or responds immediately
// to ForceReconnect) and returns true if a new connection was
// established, false if the attempt budget was exhausted or the context
// was cancelled.
func (c *Client) reconnect(ctx context.Context) bool {
	cfg := c.cfg.Reconnect
	attempt := 0
	for attempt < cfg.MaxAttempts {
		attempt++

		immediate := false
		select {
		case <-c.reconnCh:
			immediate = true
		default:
		}

		if !immediate {
			backoff := cfg.InitialDelay
			if attempt > 1 {
				// Exponents past 62 go straight to MaxDelay. A product
				// that overflows Duration is clamped by the check below.
				if attempt-1 <= 62 {
					backoff = time.Duration(float64(cfg.InitialDelay) * math.Pow(2, float64(attempt-1)))
				} else {
					backoff = cfg.MaxDelay
				}
			}
			if backoff <= 0 || backoff > cfg.MaxDelay {
				backoff = cfg.MaxDelay
			}
			jitter := time.Duration(rand.Float64() * 0.3 * float64(backoff))
			backoff += jitter

			select {
			case <-ctx.Done():
				return false
			case <-c.reconnCh:
			case <-time.After(backoff):
			}
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			if c.cfg.Listener.OnError != nil {
				c.cfg.Listener.OnError(err)
			}
			if isHTTP401(err) && c.cfg.OnAuthFailure != nil {
				if authErr := c.cfg.OnAuthFailure(ctx); authErr != nil {
					c.log.Error("auth failure callback", "error", authErr)
				} else {
					c.ForceReconnect()
				}
			}
			continue
		}

		c.log.Info("reconnected", "attempt", attempt)
		return true
	}

	c.log.Error("reconnect attempts exhausted", "max_attempts", cfg.MaxAttempts)
	return false
}

// buildURL appends the workspace id as a path segment (idempotent — no
// duplication if already present).
func buildURL(serverURL, workspaceID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	if workspaceID != "" && !strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/"+workspaceID) {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(workspaceID)
	}
	return u.String(), nil
}

