// Package sip implements the SIP Gateway component (spec §4.4): one SIP
// user agent per registered agent, each capable of registering against an
// upstream PBX, originating and answering calls, and carrying them through
// hold/DTMF/transfer, entirely independent of the WebRTC media path.
package sip

import "fmt"

// CallState is the lifecycle of one SIP session, independent of the Call
// Session state machine in internal/call (that one tracks the bridged
// WebRTC<->SIP call; this one tracks only the SIP dialog itself).
type CallState int

const (
	StateInitial CallState = iota
	StateEstablishing
	StateEstablished
	StateTerminating
	StateTerminated
)

func (s CallState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateEstablishing:
		return "establishing"
	case StateEstablished:
		return "established"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// validTransitions enumerates every state change this package permits.
// Regressive edges (e.g. established back to establishing) are never
// listed, matching the Call Session's forward-only model.
var validTransitions = map[CallState][]CallState{
	StateInitial:      {StateEstablishing, StateTerminating, StateTerminated},
	StateEstablishing: {StateEstablished, StateTerminating, StateTerminated},
	StateEstablished:  {StateTerminating, StateTerminated},
	StateTerminating:  {StateTerminated},
	StateTerminated:   {},
}

// CanTransitionTo reports whether to is a legal next state from s.
func (s CallState) CanTransitionTo(to CallState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s CallState) IsTerminal() bool {
	return s == StateTerminated
}

// TerminateReason records why a session reached StateTerminated, surfaced
// to callers as the "reason" field of a session:terminated event.
type TerminateReason string

const (
	ReasonLocalHangup  TerminateReason = "local-hangup"
	ReasonRemoteBye    TerminateReason = "remote-bye"
	ReasonCancelled    TerminateReason = "cancelled"
	ReasonRejected     TerminateReason = "rejected"
	ReasonNoAnswer     TerminateReason = "no-answer"
	ReasonFailed       TerminateReason = "failed"
	ReasonTransferred  TerminateReason = "transferred"
)
