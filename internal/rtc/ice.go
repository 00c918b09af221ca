package rtc

import "github.com/pion/webrtc/v4"

// ICEServerConfig describes a single STUN or TURN server entry. Username
// and Credential are only meaningful for TURN entries; STUN servers leave
// them empty.
type ICEServerConfig struct {
	URLs       []string
	Username   string
	Credential string
}

// ICEConfig is the STUN/TURN configuration for a Peer. A zero-value
// ICEConfig connects using host candidates only, which is sufficient for
// peers on the same local network (see peer_test.go) but will fail to
// traverse most NATs in production.
type ICEConfig struct {
	Servers []ICEServerConfig

	// ForceRelay restricts ICE candidate gathering to relay candidates
	// only, trading connection latency for a guaranteed-traversable path.
	ForceRelay bool
}

func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}
