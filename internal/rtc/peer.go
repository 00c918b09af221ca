// Package rtc wraps a single pion webrtc.PeerConnection and its attached
// datagram DataChannel, handling the SDP offer/answer exchange, ICE
// candidate trickle, and glare rollback. It has no notion of a workspace
// or a mesh of peers — internal/conn builds the pairwise connection state
// machine on top of a Peer.
package rtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerConfig holds configuration for creating a Peer.
type PeerConfig struct {
	// ICE contains the STUN/TURN server configuration.
	ICE ICEConfig

	// API is an optional custom webrtc.API instance. If nil, the default
	// pion API is used.
	API *webrtc.API

	// LocalID and RemoteID identify the two ends of the connection, used
	// only for logging.
	LocalID  string
	RemoteID string

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// OnICECandidate is called when a local ICE candidate is gathered. The
	// caller relays the candidate to the remote peer via the signaling
	// channel. Candidate gathering completion is not reported through this
	// callback; NewPeer only logs it.
	OnICECandidate func(candidate, sdpMid string, sdpMLineIndex uint32)

	// OnDataChannel is called once the data channel is open and ready for
	// use, on both the offerer and answerer side.
	OnDataChannel func(dc *webrtc.DataChannel)

	// OnConnectionStateChange is called whenever the ICE connection state
	// changes — internal/conn uses it to detect failure.
	OnConnectionStateChange func(state webrtc.ICEConnectionState)
}

// Peer wraps a pion RTCPeerConnection and manages the SDP offer/answer
// exchange, ICE candidate trickle, and data channel lifecycle for one
// remote participant.
type Peer struct {
	cfg PeerConfig
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu sync.Mutex
	dc *webrtc.DataChannel
}

// NewPeer creates a new RTCPeerConnection with the given ICE configuration.
// It does not create an SDP offer or data channel — call CreateOffer
// (initiator) or HandleOffer (responder) to proceed with negotiation.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "rtc", "local_id", cfg.LocalID, "remote_id", cfg.RemoteID)

	rtcConfig := webrtc.Configuration{
		ICEServers: cfg.ICE.pionICEServers(),
	}
	if cfg.ICE.ForceRelay {
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
		log.Info("ICE transport policy set to relay-only")
	}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if cfg.API != nil {
		pc, err = cfg.API.NewPeerConnection(rtcConfig)
	} else {
		pc, err = webrtc.NewPeerConnection(rtcConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("rtc: creating peer connection: %w", err)
	}

	p := &Peer{
		cfg: cfg,
		log: log,
		pc:  pc,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug("ICE gathering complete")
			return
		}
		p.log.Debug("ICE candidate gathered", "candidate", c.String())
		if p.cfg.OnICECandidate != nil {
			init := c.ToJSON()
			var mid string
			if init.SDPMid != nil {
				mid = *init.SDPMid
			}
			var idx uint32
			if init.SDPMLineIndex != nil {
				idx = uint32(*init.SDPMLineIndex)
			}
			p.cfg.OnICECandidate(init.Candidate, mid, idx)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Info("ICE connection state changed", "state", state.String())
		if p.cfg.OnConnectionStateChange != nil {
			p.cfg.OnConnectionStateChange(state)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.log.Info("remote data channel received", "label", dc.Label())
		p.setupDataChannel(dc)
	})

	return p, nil
}

// CreateOffer creates the datagram channel, generates an SDP offer, and
// sets it as the local description. The caller sends the returned SDP to
// the remote peer over the signaling channel.
func (p *Peer) CreateOffer() (string, error) {
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, dataChannelConfig())
	if err != nil {
		return "", fmt.Errorf("rtc: creating data channel: %w", err)
	}
	p.setupDataChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: creating SDP offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("rtc: setting local description: %w", err)
	}

	p.log.Debug("SDP offer created")
	return offer.SDP, nil
}

// HandleOffer sets the remote SDP offer, creates an SDP answer, and sets
// it as the local description. The caller sends the returned SDP back to
// the offerer over the signaling channel.
//
// If this side already has a local offer outstanding (glare: both sides
// initiated at once), the pending local offer is rolled back to stable
// before the remote offer is installed — this side yields to the remote
// offer rather than racing it.
func (p *Peer) HandleOffer(sdp string) (string, error) {
	if p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		p.log.Info("glare detected, rolling back local offer to accept remote offer")
		if err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return "", fmt.Errorf("rtc: rolling back local offer on glare: %w", err)
		}
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("rtc: setting remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: creating SDP answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("rtc: setting local description: %w", err)
	}

	p.log.Debug("SDP answer created")
	return answer.SDP, nil
}

// SetAnswer applies the remote SDP answer. Called by the initiator after
// receiving the answer from the remote peer via signaling.
func (p *Peer) SetAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("rtc: setting remote answer: %w", err)
	}
	p.log.Debug("remote SDP answer set")
	return nil
}

// HasRemoteDescription reports whether a remote SDP description has been
// set. Callers use this to decide whether to buffer incoming ICE
// candidates, since pion rejects AddICECandidate before the remote
// description is set.
func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// AddICECandidate adds a remote ICE candidate received via signaling. The
// caller is responsible for ensuring the remote description has already
// been installed (see HasRemoteDescription) — pion rejects candidates
// added before that point.
func (p *Peer) AddICECandidate(candidate, sdpMid string, sdpMLineIndex uint32) error {
	init := webrtc.ICECandidateInit{Candidate: candidate}
	if sdpMid != "" {
		init.SDPMid = &sdpMid
	}
	idx := uint16(sdpMLineIndex)
	init.SDPMLineIndex = &idx

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("rtc: adding ICE candidate: %w", err)
	}
	p.log.Debug("remote ICE candidate added", "candidate", candidate)
	return nil
}

// DataChannel returns the current data channel, or nil if none has been
// created (CreateOffer) or received from the remote side yet. A non-nil
// channel may not be open yet; check its ReadyState.
func (p *Peer) DataChannel() *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

// Close gracefully closes the data channel and the peer connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			p.log.Warn("closing data channel", "error", err)
		}
	}

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("rtc: closing peer connection: %w", err)
	}
	p.log.Info("peer connection closed")
	return nil
}

func (p *Peer) setupDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.log.Info("data channel open", "label", dc.Label())
		if p.cfg.OnDataChannel != nil {
			p.cfg.OnDataChannel(dc)
		}
	})
	dc.OnClose(func() {
		p.log.Info("data channel closed", "label", dc.Label())
	})
	dc.OnError(func(err error) {
		p.log.Error("data channel error", "label", dc.Label(), "error", err)
	})
}
