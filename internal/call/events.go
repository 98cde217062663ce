package call

import "time"

// EventType names the server-to-client events a call session's lifecycle
// raises, matching spec §6's "Events from server" table.
type EventType string

const (
	EventIncoming    EventType = "call:incoming"
	EventRinging     EventType = "call:ringing"
	EventAnswered    EventType = "call:answered"
	EventEnded       EventType = "call:ended"
	EventFailed      EventType = "call:failed"
	EventHeld        EventType = "call:held"
	EventMuted       EventType = "call:muted"
	EventTransferred EventType = "call:transferred"
)

// Event is the payload delivered to the Registry's onEvent callback, which
// the Peer Manager forwards to the owning peer's signaling socket.
type Event struct {
	Type   EventType
	CallID string
	PeerID string

	PhoneNumber string // call:incoming
	CallerID    string // call:incoming, optional
	QueueID     string // call:incoming, optional

	Reason   EndReason     // call:ended, call:failed
	Error    string        // call:failed
	Duration time.Duration // call:ended

	IsOnHold bool   // call:held
	IsMuted  bool   // call:muted
	Target   string // call:transferred
}
