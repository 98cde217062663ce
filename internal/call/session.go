package call

import (
	"sync"
	"time"
)

// Direction mirrors the SIP session's own inbound/outbound split, since a
// call session's direction is fixed by whichever side originated it.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// Session is the logical call unifying a WebRTC peer and a SIP session
// (spec §3's Call Session entity). All fields beyond ID are mutable only
// through the Registry that owns it, which serializes access per peer.
type Session struct {
	mu sync.RWMutex

	ID       string
	TenantID string
	AgentID  string

	Direction   Direction
	PhoneNumber string
	State       State

	PeerID       string // WebRTC peer this call belongs to
	SIPSessionID string // correlated internal/sip.Session ID

	CampaignID string
	LeadID     string
	QueueID    string

	Hold             bool
	Mute             bool
	RecordingEnabled bool

	StartAt  time.Time
	AnswerAt time.Time
	EndAt    time.Time

	EndReason EndReason
}

// NewSession creates a call session in StateInitiating, stamping StartAt.
func NewSession(id, tenantID, agentID string, dir Direction, phoneNumber, peerID string) *Session {
	return &Session{
		ID:          id,
		TenantID:    tenantID,
		AgentID:     agentID,
		Direction:   dir,
		PhoneNumber: phoneNumber,
		State:       StateInitiating,
		PeerID:      peerID,
		StartAt:     time.Now(),
	}
}

// GetState returns the current state under lock.
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// TransitionTo moves the session to newState, stamping AnswerAt on first
// entry to StateAnswered and EndAt on entry to a terminal state. Returns an
// error if the transition is not legal from the session's current state.
func (s *Session) TransitionTo(newState State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.State.CanTransitionTo(newState) {
		return errInvalidTransition(s.State, newState)
	}

	if newState == StateAnswered && s.AnswerAt.IsZero() {
		s.AnswerAt = time.Now()
	}
	if newState.IsTerminal() && s.EndAt.IsZero() {
		s.EndAt = time.Now()
	}
	s.State = newState
	return nil
}

// End moves the session to a terminal state with reason, tolerating a
// session that is already terminal (idempotent hangup per spec §8's
// round-trip property: "hangup(call_id) applied twice returns success both
// times"). terminal must be StateEnded or StateFailed. Ended is only
// reachable via Ending, so End routes through it automatically when the
// session isn't there already. Returns true if this call actually
// performed the transition, false if the session was already terminal.
func (s *Session) End(terminal State, reason EndReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State.IsTerminal() {
		return false
	}

	if terminal == StateEnded && s.State != StateEnding {
		s.State = StateEnding
	}
	if !s.State.CanTransitionTo(terminal) {
		return false
	}

	s.EndAt = time.Now()
	s.State = terminal
	s.EndReason = reason
	return true
}

// SetHold sets the hold flag; it does not alter State by itself, the
// caller drives the StateOnHold/StateAnswered transition separately.
func (s *Session) SetHold(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Hold = hold
}

// SetMute sets the local-only mute flag. Muting never touches SIP
// signaling (spec §8: "mute(call,true) sets only the local flag").
func (s *Session) SetMute(mute bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Mute = mute
}

// BindSIPSession correlates this call with the SIP session that carries
// its signaling, satisfying the one-to-one correlation invariant.
func (s *Session) BindSIPSession(sipSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SIPSessionID = sipSessionID
}

// Duration is end-answer if the call was ever answered, else zero,
// matching spec §4.6's duration formula exactly.
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.AnswerAt.IsZero() || s.EndAt.IsZero() {
		return 0
	}
	return s.EndAt.Sub(s.AnswerAt)
}

// Snapshot is an immutable point-in-time copy of a Session, safe to read
// without holding its lock — used by the control-plane HTTP handlers and
// by signaling replies.
type Snapshot struct {
	ID           string
	TenantID     string
	AgentID      string
	Direction    string
	PhoneNumber  string
	State        string
	PeerID       string
	SIPSessionID string
	CampaignID   string
	LeadID       string
	QueueID      string
	Hold         bool
	Mute         bool
	StartAt      time.Time
	AnswerAt     time.Time
	EndAt        time.Time
	EndReason    string
	Duration     time.Duration
}

// ToSnapshot captures s's current state as an immutable Snapshot.
func (s *Session) ToSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:           s.ID,
		TenantID:     s.TenantID,
		AgentID:      s.AgentID,
		Direction:    s.Direction.String(),
		PhoneNumber:  s.PhoneNumber,
		State:        s.State.String(),
		PeerID:       s.PeerID,
		SIPSessionID: s.SIPSessionID,
		CampaignID:   s.CampaignID,
		LeadID:       s.LeadID,
		QueueID:      s.QueueID,
		Hold:         s.Hold,
		Mute:         s.Mute,
		StartAt:      s.StartAt,
		AnswerAt:     s.AnswerAt,
		EndAt:        s.EndAt,
		EndReason:    s.EndReason,
		Duration: func() time.Duration {
			if s.AnswerAt.IsZero() || s.EndAt.IsZero() {
				return 0
			}
			return s.EndAt.Sub(s.AnswerAt)
		}(),
	}
}
