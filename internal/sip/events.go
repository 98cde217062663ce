package sip

// EventType names the asynchronous notifications the Manager raises as a
// SIP session progresses, matching the event column of spec §4.4's
// operation table.
type EventType string

const (
	EventSessionCreated    EventType = "session:created"
	EventCallRinging       EventType = "call:ringing"
	EventCallAnswered      EventType = "call:answered"
	EventSessionEstablished EventType = "session:established"
	EventSessionFailed     EventType = "session:failed"
	EventSessionTerminated EventType = "session:terminated"
	EventCallHeld          EventType = "call:held"
	EventDTMFSent          EventType = "dtmf:sent"
	EventRegistrationState EventType = "registration:state"
)

// Event is the payload delivered to the Manager's onEvent callback, which
// the Peer Manager (internal/peer) translates into signaling-server
// messages for the owning agent's socket.
type Event struct {
	Type      EventType
	AgentID   string
	SessionID string
	CallID    string // internal/call Call Session ID, once correlated

	// Populated selectively depending on Type.
	SIPStatus   int
	Reason      string
	RemoteURI   string
	Held        bool
	Tone        rune
	Registered  bool
}
