// Package media implements the SFU-style plane: one Router per tenant,
// Transports (ICE+DTLS endpoints) owned by a single peer, and the
// Producer/Consumer pairs that move RTP between an agent and a media
// worker. This package holds the gateway process's bookkeeping only (IDs,
// ownership, state); the live ICE/DTLS/RTP objects live in
// internal/mediaworker, which uses pion/webrtc/v4's lower-level ICE/DTLS
// transport primitives rather than its high-level PeerConnection, since the
// gateway negotiates transports the way mediasoup does (ICE/DTLS
// established independently of a producer/consumer), not the offer/answer
// way a PeerConnection assumes.
package media

// Kind identifies the media type carried by a Producer/Consumer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Direction is the role a Transport plays for its owning peer.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// TransportState mirrors the DTLS transport state machine that governs a
// Transport's lifetime.
type TransportState string

const (
	TransportStateNew        TransportState = "new"
	TransportStateConnecting TransportState = "connecting"
	TransportStateConnected  TransportState = "connected"
	TransportStateClosed     TransportState = "closed"
	TransportStateFailed     TransportState = "failed"
)

// IsTerminal reports whether the transport must be torn down once in this
// state.
func (s TransportState) IsTerminal() bool {
	return s == TransportStateClosed || s == TransportStateFailed
}

// ICEParameters are the ICE username fragment/password a client uses to
// complete ICE connectivity checks against a Transport.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

// ICECandidate is one gathered local candidate advertised to the client.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"` // udp | tcp
	Port       uint16 `json:"port"`
	Type       string `json:"type"` // host | srflx | relay
	TCPType    string `json:"tcpType,omitempty"`
}

// DTLSParameters describe one side of a DTLS handshake.
type DTLSParameters struct {
	Role        string              `json:"role"` // auto | client | server
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// DTLSFingerprint is one certificate fingerprint entry.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// RTPCodecCapability advertises one codec a Router supports.
type RTPCodecCapability struct {
	Kind        Kind   `json:"kind"`
	MimeType    string `json:"mimeType"`
	ClockRate   int    `json:"clockRate"`
	Channels    int    `json:"channels,omitempty"`
	PayloadType uint8  `json:"preferredPayloadType"`
}

// RTPCapabilities is the set of codecs/header-extensions a Router (or a
// client's receiver) supports. Exposed to clients before they may create a
// send/receive transport.
type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

// RTPParameters describe a concrete encoding a Producer sends or a
// Consumer receives: the negotiated codec, its payload type, and the SSRC
// carrying it.
type RTPParameters struct {
	Kind        Kind   `json:"kind"`
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   int    `json:"clockRate"`
	SSRC        uint32 `json:"ssrc"`
}
