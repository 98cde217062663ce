package peer

import (
	"context"
	"time"

	"github.com/sebas/gateway/internal/call"
	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/sip"
)

const consultationPollInterval = 200 * time.Millisecond

// Dial originates an outbound call for peerID to e164, per spec §4.5:
// "creates a call session, invokes SIP make_call, binds SIP session ID
// back into the call session."
func (m *Manager) Dial(ctx context.Context, peerID, e164, leadID, campaignID string) (string, error) {
	p, err := m.getPeer(peerID)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	session, err := m.calls.Create(p.TenantID, p.AgentID, peerID, call.DirectionOutbound, e164)
	if err != nil {
		return "", err
	}
	session.LeadID = leadID
	session.CampaignID = campaignID

	sipSessionID, err := m.sip.MakeCall(ctx, p.AgentID, e164)
	if err != nil {
		_ = m.calls.End(session.ID, call.StateFailed, call.ReasonFailed, err.Error())
		return "", err
	}

	session.BindSIPSession(sipSessionID)
	if sipSession, ok := m.sip.Session(sipSessionID); ok {
		sipSession.BindCallID(session.ID)
	}
	return session.ID, nil
}

// Answer accepts an incoming call for callID.
func (m *Manager) Answer(ctx context.Context, peerID, callID string) error {
	p, session, err := m.ownedCall(peerID, callID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if session.SIPSessionID == "" {
		return gatewayerr.New(gatewayerr.CodeNotEstablished, "call has no SIP session to answer")
	}
	if err := m.sip.AnswerCall(ctx, session.SIPSessionID); err != nil {
		return err
	}
	return m.calls.Answer(callID)
}

// Hangup ends callID, idempotent on an already-terminal call.
func (m *Manager) Hangup(ctx context.Context, peerID, callID string) error {
	p, session, err := m.ownedCall(peerID, callID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if session.SIPSessionID != "" && m.sip != nil {
		if err := m.sip.Hangup(ctx, session.SIPSessionID); err != nil {
			return err
		}
	}
	return m.calls.Hangup(callID)
}

// AdminTerminate ends callID on the control plane's behalf (spec §4.8's
// `POST /sessions/{call_id}/terminate`), running the same SIP-BYE-then-
// registry-end cascade as a client hangup but without peer ownership
// enforcement, since the caller is an operator, not the owning peer.
func (m *Manager) AdminTerminate(ctx context.Context, callID string) error {
	session, ok := m.calls.Get(callID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such call session")
	}
	if session.SIPSessionID != "" && m.sip != nil {
		if err := m.sip.Hangup(ctx, session.SIPSessionID); err != nil {
			return err
		}
	}
	return m.calls.Hangup(callID)
}

// ShutdownCall ends callID with reason "shutdown" as part of cmd/gateway's
// graceful-shutdown sequence (spec §5: "existing calls get BYE... process
// exits when all registries are empty or a 10s deadline elapses"), the
// same SIP-BYE-then-registry-end cascade as AdminTerminate but tagging the
// end reason distinctly so the departing agent's client can tell a
// shutdown apart from an operator-initiated termination.
func (m *Manager) ShutdownCall(ctx context.Context, callID string) error {
	session, ok := m.calls.Get(callID)
	if !ok {
		return nil
	}
	if session.SIPSessionID != "" && m.sip != nil {
		_ = m.sip.Hangup(ctx, session.SIPSessionID)
	}
	return m.calls.End(callID, call.StateEnded, call.ReasonShutdown, "")
}

// Hold places callID on hold via a sendonly re-INVITE on its SIP leg.
func (m *Manager) Hold(ctx context.Context, peerID, callID string) error {
	return m.setHold(ctx, peerID, callID, true)
}

// Unhold resumes callID from hold.
func (m *Manager) Unhold(ctx context.Context, peerID, callID string) error {
	return m.setHold(ctx, peerID, callID, false)
}

func (m *Manager) setHold(ctx context.Context, peerID, callID string, hold bool) error {
	p, session, err := m.ownedCall(peerID, callID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if session.SIPSessionID == "" {
		return gatewayerr.New(gatewayerr.CodeNotEstablished, "call is not established")
	}
	if hold {
		if err := m.sip.Hold(ctx, session.SIPSessionID); err != nil {
			return err
		}
	} else if err := m.sip.Unhold(ctx, session.SIPSessionID); err != nil {
		return err
	}
	return m.calls.Hold(callID, hold)
}

// Mute sets callID's local-only mute flag, never touching SIP (spec §4.5:
// "mute is local-only: updates flag, does not touch SIP").
func (m *Manager) Mute(peerID, callID string, muted bool) error {
	_, _, err := m.ownedCall(peerID, callID)
	if err != nil {
		return err
	}
	return m.calls.Mute(callID, muted)
}

// DTMF sends one DTMF tone on callID's SIP leg.
func (m *Manager) DTMF(ctx context.Context, peerID, callID string, tone rune, durationMs int) error {
	_, session, err := m.ownedCall(peerID, callID)
	if err != nil {
		return err
	}
	if session.SIPSessionID == "" {
		return gatewayerr.New(gatewayerr.CodeNotEstablished, "call is not established")
	}
	return m.sip.SendDTMF(ctx, session.SIPSessionID, tone, durationMs)
}

// TransferKind mirrors spec §6's call:transfer `type` field; warm and
// cold both map onto an attended SIP transfer, blind maps onto a blind
// one (spec §4.5).
type TransferKind string

const (
	TransferWarm  TransferKind = "warm"
	TransferCold  TransferKind = "cold"
	TransferBlind TransferKind = "blind"
)

// Transfer moves callID to target. A warm/cold transfer originates a
// consultation call to target on the same agent, waits for it to answer,
// then REFERs the original dialog with a Replaces header pointing at the
// consultation dialog (spec's supplemented attended-transfer flow); a
// blind transfer REFERs immediately with no consultation call.
func (m *Manager) Transfer(ctx context.Context, peerID, callID, target string, kind TransferKind) error {
	p, session, err := m.ownedCall(peerID, callID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if session.SIPSessionID == "" {
		return gatewayerr.New(gatewayerr.CodeNotEstablished, "call is not established")
	}
	if err := m.calls.Transferring(callID); err != nil {
		return err
	}

	sipKind := sip.TransferBlind
	consultSessionID := ""
	if kind != TransferBlind {
		sipKind = sip.TransferAttended
		consultID, err := m.sip.MakeCall(ctx, p.AgentID, target)
		if err != nil {
			_ = m.calls.CancelTransfer(callID)
			return err
		}
		if err := m.waitEstablished(ctx, consultID); err != nil {
			_ = m.sip.Hangup(ctx, consultID)
			_ = m.calls.CancelTransfer(callID)
			return err
		}
		consultSessionID = consultID
	}

	if err := m.sip.Transfer(ctx, session.SIPSessionID, target, sipKind, consultSessionID); err != nil {
		if consultSessionID != "" {
			_ = m.sip.Hangup(ctx, consultSessionID)
		}
		_ = m.calls.CancelTransfer(callID)
		return err
	}
	if consultSessionID != "" {
		_ = m.sip.Hangup(ctx, consultSessionID)
	}
	return m.calls.Transferred(callID, target)
}

// waitEstablished blocks until sessionID reaches StateEstablished or ctx
// is done, polling at a short interval since the SIP manager exposes no
// per-session completion channel.
func (m *Manager) waitEstablished(ctx context.Context, sessionID string) error {
	ticker := time.NewTicker(consultationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return gatewayerr.New(gatewayerr.CodeTimeout, "consultation call did not answer in time")
		case <-ticker.C:
			s, ok := m.sip.Session(sessionID)
			if !ok {
				return gatewayerr.New(gatewayerr.CodeCallNotFound, "consultation call vanished")
			}
			if s.TerminalState() {
				return gatewayerr.New(gatewayerr.CodeNoAnswer, "consultation call ended before answering")
			}
			if s.Established() {
				return nil
			}
		}
	}
}

// ownedCall resolves callID and checks it belongs to peerID, returning
// peer-not-found/call-not-found as appropriate rather than leaking one
// peer's calls to another's RPCs.
func (m *Manager) ownedCall(peerID, callID string) (*Peer, *call.Session, error) {
	p, err := m.getPeer(peerID)
	if err != nil {
		return nil, nil, err
	}
	session, ok := m.calls.Get(callID)
	if !ok || session.PeerID != peerID {
		return nil, nil, gatewayerr.New(gatewayerr.CodeCallNotFound, "no such call session")
	}
	return p, session, nil
}

// HandleSIPEvent translates a SIP Gateway event into call-registry state
// transitions and, for a first-seen inbound invitation, the
// incoming-call routing spec §4.5 describes.
func (m *Manager) HandleSIPEvent(ev sip.Event) {
	switch ev.Type {
	case sip.EventSessionCreated:
		m.handleSessionCreated(ev)
	case sip.EventCallRinging:
		if ev.CallID != "" {
			_ = m.calls.Ring(ev.CallID)
		}
	case sip.EventCallAnswered:
		if ev.CallID != "" {
			_ = m.calls.Answer(ev.CallID)
		}
	case sip.EventSessionFailed:
		if ev.CallID != "" {
			_ = m.calls.End(ev.CallID, call.StateFailed, call.ReasonRejected, ev.Reason)
		}
	case sip.EventSessionTerminated:
		if ev.CallID != "" {
			_ = m.calls.End(ev.CallID, call.StateEnded, call.ReasonTerminated, "")
		}
	}
}

// handleSessionCreated implements spec §4.5's incoming-call path: an
// inbound SIP invitation with no attached peer is rejected 480; one with
// an attached peer becomes a new call session, bound back to the SIP
// session, with call:incoming emitted for the agent's socket.
func (m *Manager) handleSessionCreated(ev sip.Event) {
	session, ok := m.sip.Session(ev.SessionID)
	if !ok || session.Direction != sip.DirectionInbound {
		return
	}

	p, ok := m.peerByAgent(ev.AgentID)
	if !ok {
		_ = m.sip.RejectCall(ev.SessionID, 480, "Temporarily Unavailable")
		return
	}

	phoneNumber, callerID := session.CallerIdentity()
	callSession, err := m.calls.CreateIncoming(p.TenantID, p.AgentID, p.ID, phoneNumber, callerID, "")
	if err != nil {
		_ = m.sip.RejectCall(ev.SessionID, 486, "Busy Here")
		return
	}
	callSession.BindSIPSession(ev.SessionID)
	session.BindCallID(callSession.ID)
}

// HandleCallEvent translates a call-registry event into the signaling
// event surface (Event), for the signaling server to forward.
func (m *Manager) HandleCallEvent(ev call.Event) {
	switch ev.Type {
	case call.EventIncoming:
		m.onEvent(Event{Type: EventIncoming, PeerID: ev.PeerID, CallID: ev.CallID, PhoneNumber: ev.PhoneNumber, CallerID: ev.CallerID, QueueID: ev.QueueID})
	case call.EventRinging:
		m.onEvent(Event{Type: EventRinging, PeerID: ev.PeerID, CallID: ev.CallID})
	case call.EventAnswered:
		answeredAt := time.Now()
		if m.calls != nil {
			if s, ok := m.calls.Get(ev.CallID); ok {
				answeredAt = s.ToSnapshot().AnswerAt
			}
		}
		m.onEvent(Event{Type: EventAnswered, PeerID: ev.PeerID, CallID: ev.CallID, AnsweredAt: answeredAt})
	case call.EventEnded:
		m.onEvent(Event{Type: EventEnded, PeerID: ev.PeerID, CallID: ev.CallID, Reason: string(ev.Reason), Duration: ev.Duration})
	case call.EventFailed:
		m.onEvent(Event{Type: EventFailed, PeerID: ev.PeerID, CallID: ev.CallID, Reason: string(ev.Reason), Error: ev.Error})
	case call.EventHeld:
		m.onEvent(Event{Type: EventHeld, PeerID: ev.PeerID, CallID: ev.CallID, IsOnHold: ev.IsOnHold})
	case call.EventMuted:
		m.onEvent(Event{Type: EventMuted, PeerID: ev.PeerID, CallID: ev.CallID, IsMuted: ev.IsMuted})
	case call.EventTransferred:
		m.onEvent(Event{Type: EventTransferred, PeerID: ev.PeerID, CallID: ev.CallID, Target: ev.Target})
	}
}
