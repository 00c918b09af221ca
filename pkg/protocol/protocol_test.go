package protocol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		frame *Frame
	}{
		{
			name: "join",
			frame: &Frame{Type: FrameSignal, Signal: &SignalEnvelope{
				To: "server", From: "peer-a", Payload: &Join{WorkspaceID: "ws-1"},
			}},
		},
		{
			name: "offer",
			frame: &Frame{Type: FrameSignal, Signal: &SignalEnvelope{
				To: "peer-b", From: "peer-a", Payload: &Offer{SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"},
			}},
		},
		{
			name: "answer",
			frame: &Frame{Type: FrameSignal, Signal: &SignalEnvelope{
				To: "peer-a", From: "peer-b", Payload: &Answer{SDP: "v=0\r\n"},
			}},
		},
		{
			name: "candidate",
			frame: &Frame{Type: FrameSignal, Signal: &SignalEnvelope{
				To: "peer-b", From: "peer-a",
				Payload: &Candidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host", SDPMid: "0", SDPMLineIndex: 0},
			}},
		},
		{
			name: "relay",
			frame: &Frame{Type: FrameSignal, Signal: &SignalEnvelope{
				To: "peer-b", From: "peer-a", Payload: &Relay{Data: []byte{0x01, 0x02, 0xff, 0x00}},
			}},
		},
		{
			name:  "sync",
			frame: &Frame{Type: FrameSync, Payload: []byte("op-log-entry")},
		},
		{
			name:  "op",
			frame: &Frame{Type: FrameOp, Payload: []byte{1, 2, 3, 4, 5}},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			encoded, err := EncodeFrame(tc.frame)
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			decoded, err := DecodeFrame(encoded)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if diff := cmp.Diff(tc.frame, decoded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeFrameUnknownType(t *testing.T) {
	_, err := DecodeFrame([]byte{0x7f, 0x01, 0x02})
	if !errors.Is(err, ErrUnknownFrameType) {
		t.Fatalf("expected ErrUnknownFrameType, got %v", err)
	}
}

func TestDecodeFrameTruncated(t *testing.T) {
	cases := [][]byte{
		{},
		{byte(FrameSignal)},
		{byte(FrameSignal), 0x00, 0x05, 'a'}, // declares 5-byte "to" but only has 1
	}
	for _, data := range cases {
		if _, err := DecodeFrame(data); !errors.Is(err, ErrTruncated) {
			t.Errorf("DecodeFrame(%v): expected ErrTruncated, got %v", data, err)
		}
	}
}

func TestDecodeLegacyRequiresDiscriminator(t *testing.T) {
	_, err := DecodeLegacy([]byte(`{"userId":"abc"}`))
	if err == nil {
		t.Fatal("expected error for missing type discriminator")
	}
}

func TestDecodeLegacyPresence(t *testing.T) {
	msg, err := DecodeLegacy([]byte(`{"type":"presence","userId":"peer-a","status":"joined","meshId":"ws-1"}`))
	if err != nil {
		t.Fatalf("DecodeLegacy: %v", err)
	}
	if msg.Type != LegacyPresence || msg.UserID != "peer-a" || msg.Status != "joined" {
		t.Errorf("unexpected legacy message: %+v", msg)
	}
}
