package rtc

import "github.com/pion/webrtc/v4"

// DataChannelLabel is the label of the direct datagram channel attached to
// every pairwise connection.
const DataChannelLabel = "mesh"

// dataChannelConfig returns the pion DataChannelInit configured for
// unreliable, unordered delivery. Ordered/reliable delivery would impose
// head-of-line blocking on live cursor and edit broadcasts, which are
// expected to be superseded by newer messages anyway.
func dataChannelConfig() *webrtc.DataChannelInit {
	ordered := false
	maxRetransmits := uint16(0)
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	}
}
