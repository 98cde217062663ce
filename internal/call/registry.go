package call

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/store"
)

const (
	// activeTTL is a backstop only; every session is removed explicitly on
	// reaching a terminal state, mirroring internal/sip's registry.
	activeTTL = 4 * time.Hour
	// terminatedGrace keeps a just-ended call's snapshot available to the
	// control-plane HTTP handlers and any in-flight signaling reply for a
	// short window after its final event, instead of vanishing mid-reply.
	terminatedGrace = 10 * time.Second

	cleanupInterval = 10 * time.Second
)

// Registry is the process-wide call session registry (spec §3's "(call
// ID) -> call session unique" invariant) and the peer-to-active-call index
// enforcing "at most one active call per peer".
type Registry struct {
	mu       sync.RWMutex
	byPeer   map[string]string // peerID -> callID, only while non-terminal
	sessions *store.TTLStore[string, *Session]
	onEvent  func(Event)
}

// NewRegistry builds an empty call registry. onEvent may be nil.
func NewRegistry(onEvent func(Event)) *Registry {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Registry{
		byPeer:   make(map[string]string),
		sessions: store.NewTTLStore[string, *Session](cleanupInterval),
		onEvent:  onEvent,
	}
}

// Close stops the registry's background cleanup loop.
func (r *Registry) Close() { r.sessions.Close() }

func (r *Registry) emit(ev Event) { r.onEvent(ev) }

// Create opens a new call session for peerID, failing `busy` if that peer
// already has a non-terminal call (spec §8 invariant 1 and the `dial`
// busy-rejection scenario).
func (r *Registry) Create(tenantID, agentID, peerID string, dir Direction, phoneNumber string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, ok := r.byPeer[peerID]; ok {
		if existing, found := r.sessions.Get(existingID); found && !existing.GetState().IsTerminal() {
			return nil, gatewayerr.New(gatewayerr.CodeBusy, "peer already has an active call")
		}
	}

	id := uuid.New().String()
	session := NewSession(id, tenantID, agentID, dir, phoneNumber, peerID)
	r.sessions.Set(id, session, activeTTL)
	r.byPeer[peerID] = id
	return session, nil
}

// CreateIncoming opens a call session for an inbound SIP invitation and
// emits call:incoming, mirroring Create but for the SIP-originated path
// (spec §6's `call:incoming{call_id, phone_number, caller_id?, queue_id?}`).
func (r *Registry) CreateIncoming(tenantID, agentID, peerID, phoneNumber, callerID, queueID string) (*Session, error) {
	session, err := r.Create(tenantID, agentID, peerID, DirectionInbound, phoneNumber)
	if err != nil {
		return nil, err
	}
	session.QueueID = queueID
	r.emit(Event{Type: EventIncoming, CallID: session.ID, PeerID: peerID, PhoneNumber: phoneNumber, CallerID: callerID, QueueID: queueID})
	return session, nil
}

// Get looks up a call session by ID.
func (r *Registry) Get(callID string) (*Session, bool) {
	return r.sessions.Get(callID)
}

// ForPeer returns the peer's current non-terminal call, if any.
func (r *Registry) ForPeer(peerID string) (*Session, bool) {
	r.mu.RLock()
	callID, ok := r.byPeer[peerID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	session, found := r.sessions.Get(callID)
	if !found || session.GetState().IsTerminal() {
		return nil, false
	}
	return session, true
}

// All returns a snapshot of every tracked session, for the control plane's
// /sessions listing, optionally filtered by agent/tenant.
func (r *Registry) All(agentID, tenantID string) []Snapshot {
	var out []Snapshot
	r.sessions.ForEach(func(_ string, s *Session) bool {
		snap := s.ToSnapshot()
		if agentID != "" && snap.AgentID != agentID {
			return true
		}
		if tenantID != "" && snap.TenantID != tenantID {
			return true
		}
		out = append(out, snap)
		return true
	})
	return out
}

// Ring transitions a call to StateRinging, emitting call:ringing.
func (r *Registry) Ring(callID string) error {
	session, ok := r.sessions.Get(callID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such call session")
	}
	if err := session.TransitionTo(StateRinging); err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "call: %v", err)
	}
	r.emit(Event{Type: EventRinging, CallID: callID, PeerID: session.PeerID})
	return nil
}

// Answer transitions a call to StateAnswered, emitting call:answered.
func (r *Registry) Answer(callID string) error {
	session, ok := r.sessions.Get(callID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such call session")
	}
	if err := session.TransitionTo(StateAnswered); err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "call: %v", err)
	}
	r.emit(Event{Type: EventAnswered, CallID: callID, PeerID: session.PeerID})
	return nil
}

// Hold transitions a call between StateAnswered and StateOnHold (hold=true
// puts it on hold, hold=false takes it off), emitting call:held with the
// new hold flag either way (spec's
// `call:held{is_on_hold}` single event for both directions).
func (r *Registry) Hold(callID string, hold bool) error {
	session, ok := r.sessions.Get(callID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such call session")
	}
	target := StateOnHold
	if !hold {
		target = StateAnswered
	}
	if err := session.TransitionTo(target); err != nil {
		return gatewayerr.New(gatewayerr.CodeNotEstablished, "call is not answered")
	}
	session.SetHold(hold)
	r.emit(Event{Type: EventHeld, CallID: callID, PeerID: session.PeerID, IsOnHold: hold})
	return nil
}

// Mute sets the local-only mute flag and emits call:muted every time it is
// called, even with an unchanged value (spec §8 round-trip property:
// repeating mute(true) re-emits the event but never touches SIP).
func (r *Registry) Mute(callID string, muted bool) error {
	session, ok := r.sessions.Get(callID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such call session")
	}
	session.SetMute(muted)
	r.emit(Event{Type: EventMuted, CallID: callID, PeerID: session.PeerID, IsMuted: muted})
	return nil
}

// Transferring marks a call mid-transfer; Transferred confirms it completed
// and emits call:transferred.
func (r *Registry) Transferring(callID string) error {
	session, ok := r.sessions.Get(callID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such call session")
	}
	if err := session.TransitionTo(StateTransferring); err != nil {
		return gatewayerr.New(gatewayerr.CodeNotEstablished, "call is not answered")
	}
	return nil
}

func (r *Registry) Transferred(callID, target string) error {
	session, ok := r.sessions.Get(callID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such call session")
	}
	_ = session.TransitionTo(StateAnswered)
	r.emit(Event{Type: EventTransferred, CallID: callID, PeerID: session.PeerID, Target: target})
	return nil
}

// CancelTransfer reverts a call from StateTransferring back to
// StateAnswered without emitting any event, used when a warm/cold
// transfer's consultation leg never answers or the final REFER fails.
func (r *Registry) CancelTransfer(callID string) error {
	session, ok := r.sessions.Get(callID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such call session")
	}
	return session.TransitionTo(StateAnswered)
}

// Hangup ends callID with ReasonHangup, idempotent on an already-terminal
// call (spec §8: "hangup(call_id) applied twice returns success both
// times; the second is a no-op").
func (r *Registry) Hangup(callID string) error {
	return r.end(callID, StateEnded, ReasonHangup, "")
}

// End ends callID with an arbitrary terminal state/reason, used for
// SIP-driven and admin-driven termination (remote BYE, worker loss,
// shutdown) as well as client hangup.
func (r *Registry) End(callID string, terminal State, reason EndReason, errMsg string) error {
	return r.end(callID, terminal, reason, errMsg)
}

func (r *Registry) end(callID string, terminal State, reason EndReason, errMsg string) error {
	session, ok := r.sessions.Get(callID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such call session")
	}

	if !session.End(terminal, reason) {
		return nil // idempotent: already terminal, success with no effect
	}

	r.mu.Lock()
	if r.byPeer[session.PeerID] == callID {
		delete(r.byPeer, session.PeerID)
	}
	r.mu.Unlock()

	r.sessions.Set(callID, session, terminatedGrace)

	if terminal == StateFailed {
		r.emit(Event{Type: EventFailed, CallID: callID, PeerID: session.PeerID, Reason: reason, Error: errMsg})
		return nil
	}
	r.emit(Event{Type: EventEnded, CallID: callID, PeerID: session.PeerID, Reason: reason, Duration: session.Duration()})
	return nil
}
