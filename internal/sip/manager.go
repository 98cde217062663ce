package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/store"
)

const (
	// ActiveSessionTTL bounds how long a session may sit in the registry;
	// in practice every session is removed explicitly on termination,
	// this is only a backstop against a leaked entry.
	ActiveSessionTTL = 4 * time.Hour
	// TerminatedSessionTTL keeps a terminated session's Call-ID resolvable
	// long enough to swallow the peer's retransmissions (RFC 3261 Timer
	// B is 32s for UDP).
	TerminatedSessionTTL = 32 * time.Second
	cleanupInterval      = 10 * time.Second

	establishTimeout   = 60 * time.Second
	autoRejectTimeout  = 30 * time.Second
	dtmfMinDurationMs  = 40
	dtmfMaxDurationMs  = 1000
	dtmfDefaultDurMs   = 100
)

// ManagerConfig configures the shared SIP stack every registered agent's
// calls run over.
type ManagerConfig struct {
	ListenIP      string
	AdvertiseAddr string
	Port          int
	Transport     string // "udp" or "tcp"
	OnEvent       func(Event)
}

// Manager is the SIP Gateway component (spec §4.4): one shared sipgo
// stack multiplexed across every registered agent, dispatching the
// register_agent/make_call/answer_call/hangup/hold/unhold/send_dtmf/
// transfer operation table.
type Manager struct {
	cfg ManagerConfig

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	localContact sip.Uri
	dialogUA     *sipgo.DialogUA

	mu     sync.RWMutex
	agents map[string]*agentUA // by agentID

	sessions *store.TTLStore[string, *Session]

	onEvent func(Event)
}

// NewManager builds the shared SIP stack and registers its server-side
// request handlers, but does not start listening; call Start for that.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("sip: create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("sip: create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("sip: create client: %w", err)
	}

	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}

	localContact := sip.Uri{
		Scheme: "sip",
		User:   "gateway",
		Host:   cfg.AdvertiseAddr,
		Port:   cfg.Port,
	}

	m := &Manager{
		cfg:          cfg,
		ua:           ua,
		srv:          srv,
		client:       client,
		localContact: localContact,
		dialogUA: &sipgo.DialogUA{
			Client:     client,
			ContactHDR: sip.ContactHeader{Address: localContact},
		},
		agents:   make(map[string]*agentUA),
		sessions: store.NewTTLStore[string, *Session](cleanupInterval),
		onEvent:  cfg.OnEvent,
	}

	srv.OnRequest(sip.INVITE, m.handleInvite)
	srv.OnRequest(sip.BYE, m.handleBye)
	srv.OnRequest(sip.ACK, m.handleAck)
	srv.OnRequest(sip.CANCEL, m.handleCancel)
	srv.OnRequest(sip.INFO, m.handleInfo)

	return m, nil
}

// Start blocks serving SIP traffic on the configured transport until ctx
// is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", m.cfg.ListenIP, m.cfg.Port)
	return m.srv.ListenAndServe(ctx, m.cfg.Transport, listenAddr)
}

// Close tears down the shared SIP stack and every tracked session.
func (m *Manager) Close() error {
	m.sessions.ForEach(func(_ string, s *Session) bool {
		s.releaseMedia()
		return true
	})
	m.sessions.Close()
	return m.ua.Close()
}

// emit fills in ev.CallID from the session's own correlation (once the
// Peer Manager has bound one) before dispatching, so callers don't have
// to thread it through every call site individually.
func (m *Manager) emit(ev Event) {
	if ev.CallID == "" && ev.SessionID != "" {
		if s, ok := m.sessions.Get(ev.SessionID); ok {
			ev.CallID = s.getCallID()
		}
	}
	m.onEvent(ev)
}

// Session looks up a tracked SIP session by ID, for a caller (internal/peer)
// that needs to read its Direction/RemoteContactURI/CallID or bind a
// correlated Call Session ID onto it.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	return m.sessions.Get(sessionID)
}

// ---- register_agent / unregister_agent ----

// RegisterAgent opens a UA for agent and performs the initial REGISTER,
// per spec §4.4. A prior registration for the same agent is an error.
func (m *Manager) RegisterAgent(ctx context.Context, agentID, tenantID string, cfg AgentConfig) error {
	m.mu.Lock()
	if _, exists := m.agents[agentID]; exists {
		m.mu.Unlock()
		return gatewayerr.New(gatewayerr.CodeAlreadyRegistered, "agent already has an open SIP registration")
	}
	m.mu.Unlock()

	ua, err := newAgentUA(agentID, tenantID, cfg)
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: %v", err)
	}

	resp, err := ua.register(ctx, m.client, m.localContact, cfg.expiry())
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodeTransportUnavailable, "sip: register: %v", err)
	}
	if resp.StatusCode != sip.StatusOK {
		return gatewayerr.Newf(gatewayerr.CodeRejected, "sip: registrar rejected REGISTER: %d %s", resp.StatusCode, resp.Reason)
	}

	m.mu.Lock()
	m.agents[agentID] = ua
	m.mu.Unlock()

	m.emit(Event{Type: EventRegistrationState, AgentID: agentID, Registered: true})

	go m.refreshLoop(agentID, ua, cfg.expiry())
	return nil
}

// refreshLoop re-registers at half the negotiated expiry, matching
// common SIP UA practice, until the agent unregisters.
func (m *Manager) refreshLoop(agentID string, ua *agentUA, expiry int) {
	interval := time.Duration(expiry/2) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.RLock()
		_, stillRegistered := m.agents[agentID]
		m.mu.RUnlock()
		if !stillRegistered {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, err := ua.register(ctx, m.client, m.localContact, expiry)
		cancel()
		if err != nil || resp.StatusCode != sip.StatusOK {
			slog.Warn("[sip] re-registration failed", "agent", agentID, "error", err)
			m.emit(Event{Type: EventRegistrationState, AgentID: agentID, Registered: false})
			return
		}
	}
}

// UnregisterAgent sends a graceful REGISTER with Expires: 0 and stops the
// agent's UA.
func (m *Manager) UnregisterAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	ua, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return gatewayerr.New(gatewayerr.CodeNotRegistered, "agent has no open SIP registration")
	}

	if _, err := ua.register(ctx, m.client, m.localContact, 0); err != nil {
		slog.Warn("[sip] unregister REGISTER failed", "agent", agentID, "error", err)
	}
	m.emit(Event{Type: EventRegistrationState, AgentID: agentID, Registered: false})
	return nil
}

func (m *Manager) agentFor(agentID string) (*agentUA, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ua, ok := m.agents[agentID]
	return ua, ok
}

// agentByAOR finds the agent whose AOR user part matches user, used to
// route an inbound INVITE to the right agent.
func (m *Manager) agentByAOR(user string) (*agentUA, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ua := range m.agents {
		if ua.aorURI.User == user {
			return ua, true
		}
	}
	return nil, false
}

// ---- make_call ----

// MakeCall originates a call from agent to e164 and returns the new SIP
// session's ID. The call proceeds asynchronously; progress is reported
// through the Manager's event callback.
func (m *Manager) MakeCall(ctx context.Context, agentID, e164 string) (string, error) {
	ua, ok := m.agentFor(agentID)
	if !ok {
		return "", gatewayerr.New(gatewayerr.CodeNotRegistered, "agent is not registered")
	}

	var targetURI sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", e164, ua.cfg.Registrar), &targetURI); err != nil {
		return "", gatewayerr.Newf(gatewayerr.CodeInvalidPhoneNumber, "sip: %v", err)
	}

	sessionID := generateCallID()
	callID := generateCallID()
	localTag := generateTag()

	conn, port, err := allocateMediaSocket(m.cfg.ListenIP)
	if err != nil {
		return "", gatewayerr.Newf(gatewayerr.CodePortRangeInvalid, "sip: %v", err)
	}

	sdpBody, err := buildOffer(m.cfg.AdvertiseAddr, port, defaultCodecs(ua.cfg.Codecs))
	if err != nil {
		_ = conn.Close()
		return "", gatewayerr.Newf(gatewayerr.CodeCodecUnsupported, "sip: %v", err)
	}

	invite := buildInviteRequest(callID, localTag, ua.aorURI, targetURI, m.localContact, sdpBody)

	session := newOutboundSession(sessionID, agentID, ua.tenantID, invite)
	session.LocalMediaConn = conn
	session.LocalPort = port
	m.sessions.Set(sessionID, session, ActiveSessionTTL)

	m.emit(Event{Type: EventSessionCreated, AgentID: agentID, SessionID: sessionID, RemoteURI: targetURI.String()})

	go m.originate(session, invite, ua)

	return sessionID, nil
}

func buildInviteRequest(callID, localTag string, from, to, contact sip.Uri, sdpBody []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, to)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{Address: from, Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: contact})
	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(sdpBody)

	return invite
}

// originate drives an outbound INVITE's response flow to completion,
// mirroring the 1xx/2xx/3xx-6xx handling every SIP UAC needs.
func (m *Manager) originate(session *Session, invite *sip.Request, ua *agentUA) {
	ctx, cancel := context.WithTimeout(context.Background(), establishTimeout)
	defer cancel()

	tx, err := m.client.TransactionRequest(ctx, invite)
	if err != nil {
		m.failSession(session, 0, "transport-unavailable", ReasonFailed)
		return
	}
	session.ClientTx = tx

	authed := false
	for {
		select {
		case <-ctx.Done():
			m.sendCancel(session, invite, tx)
			m.failSession(session, 408, "no-answer", ReasonNoAnswer)
			return

		case resp := <-tx.Responses():
			if resp == nil {
				m.failSession(session, 408, "no response", ReasonFailed)
				return
			}

			switch {
			case resp.StatusCode == 180 || resp.StatusCode == 181:
				m.emit(Event{Type: EventCallRinging, AgentID: session.AgentID, SessionID: session.ID, SIPStatus: int(resp.StatusCode)})

			case needsAuth(resp) && !authed:
				authed = true
				header, value, aerr := authorize(resp, "INVITE", invite.Recipient.String(), invite.Body(), Credentials{
					Username: ua.cfg.Username,
					Password: ua.cfg.Password,
				})
				if aerr != nil {
					m.failSession(session, int(resp.StatusCode), "auth-failed", ReasonFailed)
					return
				}
				retry := buildInviteRequest(string(*invite.CallID()), session.LocalTag, invite.From().Address, invite.To().Address, m.localContact, invite.Body())
				retry.AppendHeader(sip.NewHeader(header, value))
				retry.CSeq().SeqNo = invite.CSeq().SeqNo + 1
				session.InviteRequest = retry
				invite = retry
				retryTx, rerr := m.client.TransactionRequest(ctx, retry)
				if rerr != nil {
					m.failSession(session, 0, "transport-unavailable", ReasonFailed)
					return
				}
				tx = retryTx
				session.ClientTx = tx

			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				m.handle2xx(session, invite, resp)
				return

			case resp.StatusCode >= 300:
				reason := ReasonRejected
				m.failSession(session, int(resp.StatusCode), resp.Reason, reason)
				return
			}

		case <-tx.Done():
			if session.getState() != StateEstablished {
				m.failSession(session, 0, "transaction ended", ReasonFailed)
			}
			return
		}
	}
}

func (m *Manager) handle2xx(session *Session, invite *sip.Request, resp *sip.Response) {
	session.setInviteResponse(resp)

	if rm, err := parseRemoteMedia(resp.Body()); err == nil {
		session.setMediaEndpoint(rm.Addr, rm.Port, firstFormat(rm.Formats))
	}

	m.sendAck(invite, resp)

	_ = session.transitionTo(StateEstablished)
	now := time.Now()
	session.mu.Lock()
	session.AnsweredAt = now
	session.mu.Unlock()

	m.emit(Event{Type: EventCallAnswered, AgentID: session.AgentID, SessionID: session.ID, SIPStatus: int(resp.StatusCode)})
	m.emit(Event{Type: EventSessionEstablished, AgentID: session.AgentID, SessionID: session.ID})
}

// sendAck sends the out-of-transaction ACK a 2xx to INVITE requires per
// RFC 3261 §13.2.2.4.
func (m *Manager) sendAck(invite *sip.Request, resp *sip.Response) {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if dest := resp.Source(); dest != "" {
		ack.SetDestination(dest)
	}

	if err := m.client.WriteRequest(ack); err != nil {
		slog.Warn("[sip] failed to send ACK", "error", err)
	}
}

func (m *Manager) sendCancel(session *Session, invite *sip.Request, _ sip.ClientTransaction) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if tx, err := m.client.TransactionRequest(ctx, cancelReq); err == nil {
		select {
		case <-tx.Responses():
		case <-tx.Done():
		case <-ctx.Done():
		}
	}
}

func (m *Manager) failSession(session *Session, sipStatus int, reason string, tr TerminateReason) {
	_ = session.transitionTo(StateTerminating)
	_ = session.transitionTo(StateTerminated)
	session.mu.Lock()
	session.TerminateReason = tr
	session.mu.Unlock()
	session.releaseMedia()
	session.Cancel()

	m.sessions.Set(session.ID, session, TerminatedSessionTTL)
	m.emit(Event{Type: EventSessionFailed, AgentID: session.AgentID, SessionID: session.ID, SIPStatus: sipStatus, Reason: reason})
}

// RejectCall immediately rejects a not-yet-answered inbound session with
// the given SIP status, for a caller (internal/peer) that has nowhere to
// route the invitation — e.g. the target agent has no peer attached.
func (m *Manager) RejectCall(sessionID string, status int, reason string) error {
	session, ok := m.sessions.Get(sessionID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such sip session")
	}
	if session.getState().IsTerminal() {
		return nil
	}
	if session.ServerTx != nil {
		res := sip.NewResponseFromRequest(session.InviteRequest, status, reason, nil)
		_ = session.ServerTx.Respond(res)
	}
	m.terminate(session, ReasonRejected)
	return nil
}

// ---- answer_call ----

// AnswerCall accepts an inbound call (session exists, established via a
// received INVITE still in StateInitial) with an audio-only 200 OK.
func (m *Manager) AnswerCall(ctx context.Context, sessionID string) error {
	session, ok := m.sessions.Get(sessionID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such SIP session")
	}
	if session.Direction != DirectionInbound || session.getState() != StateInitial {
		return gatewayerr.New(gatewayerr.CodeNotEstablished, "session is not an answerable inbound invitation")
	}

	rm, err := parseRemoteMedia(session.InviteRequest.Body())
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodeCodecUnsupported, "sip: %v", err)
	}
	payload := negotiatePayload(rm.Formats)
	if payload == "" {
		return gatewayerr.New(gatewayerr.CodeCodecUnsupported, "no mutually supported codec")
	}
	session.setMediaEndpoint(rm.Addr, rm.Port, payload)

	conn, port, err := allocateMediaSocket(m.cfg.ListenIP)
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodePortRangeInvalid, "sip: %v", err)
	}
	session.LocalMediaConn = conn
	session.LocalPort = port

	sdpBody, err := buildAnswer(m.cfg.AdvertiseAddr, port, payload, DirectionSendRecv)
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: %v", err)
	}

	dlgSession, err := m.dialogUA.ReadInvite(session.InviteRequest, session.ServerTx)
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: read invite: %v", err)
	}
	if err := dlgSession.RespondSDP(sdpBody); err != nil {
		_ = dlgSession.Close()
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: respond 200 OK: %v", err)
	}
	session.DialogSession = dlgSession
	session.setInviteResponse(dlgSession.InviteResponse)

	_ = session.transitionTo(StateEstablished)
	session.mu.Lock()
	session.AnsweredAt = time.Now()
	session.mu.Unlock()

	m.emit(Event{Type: EventCallAnswered, AgentID: session.AgentID, SessionID: session.ID, SIPStatus: 200})
	m.emit(Event{Type: EventSessionEstablished, AgentID: session.AgentID, SessionID: session.ID})
	return nil
}

// ---- hangup ----

// Hangup terminates sessionID regardless of its current state: CANCEL if
// an outbound INVITE is still establishing, a rejection response if an
// inbound invitation hasn't been answered, BYE if established. A session
// already terminated is a no-op success.
func (m *Manager) Hangup(ctx context.Context, sessionID string) error {
	session, ok := m.sessions.Get(sessionID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such SIP session")
	}

	state := session.getState()
	if state.IsTerminal() {
		return nil
	}

	switch {
	case state == StateEstablishing && session.Direction == DirectionOutbound:
		if session.ClientTx != nil {
			m.sendCancel(session, session.InviteRequest, session.ClientTx)
		}
		m.terminate(session, ReasonLocalHangup)

	case state == StateInitial && session.Direction == DirectionInbound:
		if session.ServerTx != nil {
			res := sip.NewResponseFromRequest(session.InviteRequest, 486, "Busy Here", nil)
			_ = session.ServerTx.Respond(res)
		}
		m.terminate(session, ReasonLocalHangup)

	case state == StateEstablished:
		if session.Direction == DirectionInbound && session.DialogSession != nil {
			if err := session.DialogSession.Bye(ctx); err != nil {
				slog.Warn("[sip] BYE via dialog session failed", "session", session.ID, "error", err)
			}
		} else {
			bye, err := session.BuildBYE(m.localContact)
			if err != nil {
				return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: %v", err)
			}
			_, _ = sendAndWait(ctx, m.client, bye)
		}
		m.terminate(session, ReasonLocalHangup)

	default:
		m.terminate(session, ReasonLocalHangup)
	}

	return nil
}

func (m *Manager) terminate(session *Session, reason TerminateReason) {
	_ = session.transitionTo(StateTerminating)
	_ = session.transitionTo(StateTerminated)
	session.mu.Lock()
	session.TerminateReason = reason
	session.mu.Unlock()
	session.releaseMedia()
	session.Cancel()

	m.sessions.Set(session.ID, session, TerminatedSessionTTL)
	m.emit(Event{Type: EventSessionTerminated, AgentID: session.AgentID, SessionID: session.ID, Reason: string(reason)})
}

// ---- hold / unhold ----

func (m *Manager) setHold(ctx context.Context, sessionID string, hold bool) error {
	session, ok := m.sessions.Get(sessionID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such SIP session")
	}
	if session.getState() != StateEstablished {
		return gatewayerr.New(gatewayerr.CodeNotEstablished, "session is not established")
	}

	dir := DirectionSendRecv
	if hold {
		dir = DirectionSendOnly
	}
	sdpBody, err := buildAnswer(m.cfg.AdvertiseAddr, session.LocalPort, session.Codec, dir)
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: %v", err)
	}

	reinvite, err := session.BuildReINVITE(m.localContact, sdpBody)
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: %v", err)
	}
	resp, err := sendAndWait(ctx, m.client, reinvite)
	session.CompleteReINVITE()
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: re-INVITE: %v", err)
	}
	m.sendAck(reinvite, resp)

	if resp.StatusCode >= 300 {
		return gatewayerr.Newf(gatewayerr.CodeRejected, "sip: re-INVITE rejected: %d %s", resp.StatusCode, resp.Reason)
	}

	session.setHold(hold)
	m.emit(Event{Type: EventCallHeld, AgentID: session.AgentID, SessionID: session.ID, Held: hold})
	return nil
}

// Hold places an established session on hold via a sendonly re-INVITE.
func (m *Manager) Hold(ctx context.Context, sessionID string) error { return m.setHold(ctx, sessionID, true) }

// Unhold resumes a held session via a sendrecv re-INVITE.
func (m *Manager) Unhold(ctx context.Context, sessionID string) error { return m.setHold(ctx, sessionID, false) }

// ---- send_dtmf ----

// SendDTMF sends one DTMF tone via SIP INFO, clamping durationMs into
// [40,1000] and defaulting to 100ms when durationMs is 0.
func (m *Manager) SendDTMF(ctx context.Context, sessionID string, tone rune, durationMs int) error {
	session, ok := m.sessions.Get(sessionID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such SIP session")
	}
	if session.getState() != StateEstablished {
		return gatewayerr.New(gatewayerr.CodeNotEstablished, "session is not established")
	}
	if !isValidDTMF(tone) {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: invalid DTMF tone %q", tone)
	}

	if durationMs == 0 {
		durationMs = dtmfDefaultDurMs
	}
	if durationMs < dtmfMinDurationMs {
		durationMs = dtmfMinDurationMs
	}
	if durationMs > dtmfMaxDurationMs {
		durationMs = dtmfMaxDurationMs
	}

	info, err := session.BuildINFO(m.localContact, tone, durationMs)
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: %v", err)
	}
	if _, err := sendAndWait(ctx, m.client, info); err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: send INFO: %v", err)
	}

	m.emit(Event{Type: EventDTMFSent, AgentID: session.AgentID, SessionID: session.ID, Tone: tone})
	return nil
}

func isValidDTMF(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r == '*' || r == '#':
		return true
	case r >= 'A' && r <= 'D':
		return true
	}
	return false
}

// ---- transfer ----

// TransferType distinguishes a blind transfer (REFER only) from an
// attended one (REFER with Replaces referencing an already-established
// consultation session).
type TransferType string

const (
	TransferBlind    TransferType = "blind"
	TransferAttended TransferType = "attended"
)

// Transfer sends a REFER moving sessionID to target. For an attended
// transfer, consultationSessionID must name another session this agent
// already brought to StateEstablished; the REFER carries a Replaces
// header per RFC 3891 pointing at it.
func (m *Manager) Transfer(ctx context.Context, sessionID, target string, kind TransferType, consultationSessionID string) error {
	session, ok := m.sessions.Get(sessionID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeCallNotFound, "no such SIP session")
	}
	if session.getState() != StateEstablished {
		return gatewayerr.New(gatewayerr.CodeNotEstablished, "session is not established")
	}

	var targetURI sip.Uri
	if err := sip.ParseUri(normalizeTransferTarget(target), &targetURI); err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInvalidPhoneNumber, "sip: %v", err)
	}

	var replaces *Session
	if kind == TransferAttended {
		consult, ok := m.sessions.Get(consultationSessionID)
		if !ok || consult.getState() != StateEstablished {
			return gatewayerr.New(gatewayerr.CodeNotEstablished, "consultation call is not established")
		}
		replaces = consult
	}

	refer, err := session.BuildREFER(m.localContact, targetURI, replaces)
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: %v", err)
	}

	resp, err := sendAndWait(ctx, m.client, refer)
	if err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "sip: REFER: %v", err)
	}
	if resp.StatusCode >= 300 {
		return gatewayerr.Newf(gatewayerr.CodeRejected, "sip: REFER rejected: %d %s", resp.StatusCode, resp.Reason)
	}

	return nil
}

func normalizeTransferTarget(target string) string {
	if len(target) >= 4 && target[:4] == "sip:" {
		return target
	}
	return "sip:" + target
}

// ---- inbound request handlers ----

func (m *Manager) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	to := req.To()
	if to == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing To header", nil)
		_ = tx.Respond(res)
		return
	}

	ua, ok := m.agentByAOR(to.Address.User)
	if !ok {
		res := sip.NewResponseFromRequest(req, 480, "Temporarily Unavailable", nil)
		_ = tx.Respond(res)
		return
	}

	trying := sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)
	_ = tx.Respond(trying)

	sessionID := generateCallID()
	session := newInboundSession(sessionID, ua.agentID, ua.tenantID, req)
	session.ServerTx = tx
	session.LocalTag = generateTag()
	m.sessions.Set(sessionID, session, ActiveSessionTTL)

	from := req.From()
	remote := ""
	if from != nil {
		remote = from.Address.String()
	}
	m.emit(Event{Type: EventSessionCreated, AgentID: ua.agentID, SessionID: sessionID, RemoteURI: remote})

	go m.autoReject(session)
}

// autoReject enforces spec §5's "incoming INVITE auto-reject at 30s if
// unanswered".
func (m *Manager) autoReject(session *Session) {
	select {
	case <-time.After(autoRejectTimeout):
		if session.getState() == StateInitial && session.ServerTx != nil {
			res := sip.NewResponseFromRequest(session.InviteRequest, 480, "Temporarily Unavailable", nil)
			_ = session.ServerTx.Respond(res)
			m.terminate(session, ReasonNoAnswer)
		}
	case <-session.Context().Done():
	}
}

func (m *Manager) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	session := m.sessionByCallID(req)
	if session != nil && session.DialogSession != nil {
		session.DialogSession.ReadBye(req, tx)
	} else {
		ok200 := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		_ = tx.Respond(ok200)
	}
	if session == nil || session.getState().IsTerminal() {
		return
	}
	m.terminate(session, ReasonRemoteBye)
}

// handleAck routes the in-dialog ACK confirming a 2xx response to the
// session's dialog, per RFC 3261 the INVITE server transaction never
// sees this ACK itself. A session with no DialogSession (none answered
// yet, or an outbound leg) has nothing to confirm.
func (m *Manager) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	session := m.sessionByCallID(req)
	if session == nil || session.DialogSession == nil {
		return
	}
	session.DialogSession.ReadAck(req, tx)
}

func (m *Manager) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	session := m.sessionByCallID(req)
	ok200 := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = tx.Respond(ok200)
	if session == nil || session.getState().IsTerminal() {
		return
	}
	if session.ServerTx != nil {
		terminated := sip.NewResponseFromRequest(session.InviteRequest, 487, "Request Terminated", nil)
		_ = session.ServerTx.Respond(terminated)
	}
	m.terminate(session, ReasonCancelled)
}

func (m *Manager) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	ok200 := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = tx.Respond(ok200)
}

func (m *Manager) sessionByCallID(req *sip.Request) *Session {
	callIDHdr := req.CallID()
	if callIDHdr == nil {
		return nil
	}
	callID := callIDHdr.String()
	var found *Session
	m.sessions.ForEach(func(_ string, s *Session) bool {
		if s.InviteRequest != nil && s.InviteRequest.CallID() != nil && s.InviteRequest.CallID().String() == callID {
			found = s
			return false
		}
		return true
	})
	return found
}

// ---- helpers ----

func allocateMediaSocket(listenIP string) (net.PacketConn, int, error) {
	if listenIP == "" {
		listenIP = "0.0.0.0"
	}
	conn, err := net.ListenPacket("udp4", net.JoinHostPort(listenIP, "0"))
	if err != nil {
		return nil, 0, fmt.Errorf("sip: allocate media socket: %w", err)
	}
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("sip: unexpected local addr type")
	}
	return conn, addr.Port, nil
}

func defaultCodecs(codecs []string) []string {
	if len(codecs) == 0 {
		return []string{"opus", "pcmu", "pcma"}
	}
	return codecs
}

func firstFormat(formats []string) string {
	if len(formats) == 0 {
		return ""
	}
	return formats[0]
}

// negotiatePayload picks the first payload type in offered that the
// gateway's codec table recognizes, preferring the offerer's order.
func negotiatePayload(offered []string) string {
	for _, f := range offered {
		if _, ok := rtpmapByPayload[f]; ok {
			return f
		}
	}
	return ""
}

