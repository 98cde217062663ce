package peer

import "time"

// EventType names the server-to-client events the signaling server
// forwards verbatim to a peer's socket, matching spec §6's "Events from
// server" table (minus `connected`, which the signaling layer emits
// itself on handshake, and `error`, which rides a specific RPC's reply).
type EventType string

const (
	EventPeerConnected    EventType = "webrtc:peer-connected"
	EventPeerDisconnected EventType = "webrtc:peer-disconnected"
	EventIncoming         EventType = "call:incoming"
	EventRinging          EventType = "call:ringing"
	EventAnswered         EventType = "call:answered"
	EventEnded            EventType = "call:ended"
	EventFailed           EventType = "call:failed"
	EventHeld             EventType = "call:held"
	EventMuted            EventType = "call:muted"
	EventTransferred      EventType = "call:transferred"
)

// Event is the payload delivered to the Manager's onEvent callback. The
// signaling server looks up PeerID's socket and writes {event, data} to
// it; an event with no live peer (disconnected mid-call) is dropped.
type Event struct {
	Type   EventType
	PeerID string
	CallID string

	Reason string // webrtc:peer-disconnected, call:ended, call:failed

	PhoneNumber string // call:incoming
	CallerID    string // call:incoming, optional
	QueueID     string // call:incoming, optional

	AnsweredAt time.Time     // call:answered
	Duration   time.Duration // call:ended
	Error      string        // call:failed

	IsOnHold bool   // call:held
	IsMuted  bool   // call:muted
	Target   string // call:transferred
}
