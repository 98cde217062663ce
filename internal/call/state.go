// Package call implements the Call Session State Machine (spec §4.6): the
// logical call that unifies one WebRTC peer and one SIP session, tracking
// state transitions, timing, and the correlation between the two.
package call

import "fmt"

func errInvalidTransition(from, to State) error {
	return fmt.Errorf("call: invalid session transition %s -> %s", from, to)
}

// State is the lifecycle of one call session.
type State int

const (
	StateInitiating State = iota
	StateRinging
	StateAnswered
	StateOnHold
	StateTransferring
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitiating:
		return "initiating"
	case StateRinging:
		return "ringing"
	case StateAnswered:
		return "answered"
	case StateOnHold:
		return "on_hold"
	case StateTransferring:
		return "transferring"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// validTransitions enumerates every state change this package permits.
// failed is reachable from every non-terminal state (a call can fail at
// any point before it ends normally), matching "failed is a terminal
// alternative reachable from any non-terminal state".
var validTransitions = map[State][]State{
	StateInitiating:   {StateRinging, StateAnswered, StateEnding, StateFailed},
	StateRinging:      {StateAnswered, StateEnding, StateFailed},
	StateAnswered:     {StateOnHold, StateTransferring, StateEnding, StateFailed},
	StateOnHold:       {StateAnswered, StateEnding, StateFailed},
	StateTransferring: {StateAnswered, StateEnding, StateFailed},
	StateEnding:       {StateEnded, StateFailed},
	StateEnded:        {},
	StateFailed:       {},
}

// CanTransitionTo reports whether to is a legal next state from s.
func (s State) CanTransitionTo(to State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateFailed
}

// EndReason records why a call session reached a terminal state, surfaced
// as the "reason" field of call:ended/call:failed events.
type EndReason string

const (
	ReasonHangup    EndReason = "hangup"
	ReasonTerminated EndReason = "terminated" // remote BYE / SIP-side end
	ReasonBusy      EndReason = "busy"
	ReasonNoAnswer  EndReason = "no-answer"
	ReasonRejected  EndReason = "rejected"
	ReasonTransferred EndReason = "transferred"
	ReasonShutdown  EndReason = "shutdown"
	ReasonMediaWorkerLost EndReason = "media-worker-lost"
	ReasonFailed    EndReason = "failed"
	ReasonSuperseded EndReason = "superseded"
)
