package sip

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Direction indicates which side of the session sent the INVITE.
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

// Session is one SIP dialog bridging a registered agent to a remote SIP
// party, identified by the SIP session ID the Peer Manager correlates
// against its own Call Session (internal/call). It tracks everything
// needed to build in-dialog requests (BYE, re-INVITE, INFO, REFER)
// itself, since this gateway's sessions outlive any one transaction. Only
// an inbound session answered through answer_call also keeps sipgo's
// dialog helper (DialogSession) for its ACK/BYE handling.
type Session struct {
	mu sync.RWMutex

	ID       string
	AgentID  string
	TenantID string
	CallID   string // correlated internal/call Call Session ID

	Direction Direction
	State     CallState

	InviteRequest  *sip.Request
	InviteResponse *sip.Response

	RemoteContactURI string
	RemoteTag        string
	LocalTag         string

	RemoteAddr string
	RemotePort int
	Codec      string

	// LocalMediaConn is a real UDP socket bound for the SDP this session
	// advertises, so the port number it offers is genuinely reachable.
	// The gateway's media path runs entirely through the WebRTC leg
	// (internal/mediaworker); no RTP is read from or written to this
	// socket, it exists only to make the SIP leg's SDP truthful.
	LocalMediaConn net.PacketConn
	LocalPort      int

	ServerTx sip.ServerTransaction
	ClientTx sip.ClientTransaction

	// DialogSession is set only for an inbound session once answer_call
	// reads the INVITE with sipgo's DialogUA, so the ACK/BYE this dialog
	// later receives can be fed through sipgo's own dialog bookkeeping
	// (ReadAck/ReadBye) instead of handled manually.
	DialogSession *sipgo.DialogServerSession

	Hold bool
	Mute bool

	CreatedAt       time.Time
	AnsweredAt      time.Time
	StateChangedAt  time.Time
	TerminateReason TerminateReason

	localCSeq    atomic.Uint32
	reInvitePend atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// newInboundSession builds a Session for an INVITE the gateway received.
func newInboundSession(id, agentID, tenantID string, req *sip.Request) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	remoteTag := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			remoteTag = tag
		}
	}

	var cseq uint32
	if c := req.CSeq(); c != nil {
		cseq = c.SeqNo
	}

	now := time.Now()
	s := &Session{
		ID:             id,
		AgentID:        agentID,
		TenantID:       tenantID,
		Direction:      DirectionInbound,
		State:          StateInitial,
		InviteRequest:  req,
		RemoteTag:      remoteTag,
		CreatedAt:      now,
		StateChangedAt: now,
		ctx:            ctx,
		cancel:         cancel,
	}
	s.localCSeq.Store(cseq)
	return s
}

// newOutboundSession builds a Session for an INVITE the gateway is about
// to send; it is completed by setInviteResponse once a final response
// arrives.
func newOutboundSession(id, agentID, tenantID string, invite *sip.Request) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	localTag := ""
	if from := invite.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			localTag = tag
		}
	}

	var cseq uint32 = 1
	if c := invite.CSeq(); c != nil {
		cseq = c.SeqNo
	}

	now := time.Now()
	s := &Session{
		ID:             id,
		AgentID:        agentID,
		TenantID:       tenantID,
		Direction:      DirectionOutbound,
		State:          StateEstablishing,
		InviteRequest:  invite,
		LocalTag:       localTag,
		CreatedAt:      now,
		StateChangedAt: now,
		ctx:            ctx,
		cancel:         cancel,
	}
	s.localCSeq.Store(cseq)
	return s
}

// setInviteResponse records the 200 OK (or provisional response carrying
// a to-tag) for an outbound session, extracting the remote dialog state
// needed for BYE/re-INVITE/REFER.
func (s *Session) setInviteResponse(resp *sip.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InviteResponse = resp
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			s.RemoteTag = tag
		}
	}
	if contact := resp.Contact(); contact != nil {
		s.RemoteContactURI = contact.Address.String()
	}
}

func (s *Session) transitionTo(newState CallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.State.CanTransitionTo(newState) {
		return fmt.Errorf("sip: invalid session transition %s -> %s", s.State, newState)
	}
	s.State = newState
	s.StateChangedAt = time.Now()
	return nil
}

func (s *Session) getState() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// BindCallID correlates this SIP session to an internal/call Call Session
// ID, called once by the Peer Manager as soon as one is known (on dial,
// or on the incoming-call path).
func (s *Session) BindCallID(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallID = callID
}

func (s *Session) getCallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CallID
}

// Established reports whether the dialog has completed its handshake.
func (s *Session) Established() bool { return s.getState() == StateEstablished }

// TerminalState reports whether the dialog has ended, one way or another.
func (s *Session) TerminalState() bool { return s.getState().IsTerminal() }

// CallerIdentity extracts the caller's E.164 number and display name
// from an inbound invitation's From header, for the Peer Manager's
// call:incoming event.
func (s *Session) CallerIdentity() (phoneNumber, callerID string) {
	if s.InviteRequest == nil {
		return "", ""
	}
	from := s.InviteRequest.From()
	if from == nil {
		return "", ""
	}
	return from.Address.User, from.DisplayName
}

func (s *Session) setMediaEndpoint(addr string, port int, codec string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RemoteAddr = addr
	s.RemotePort = port
	s.Codec = codec
}

func (s *Session) setHold(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Hold = hold
}

// recipientURI resolves the Request-URI for an in-dialog request,
// matching RFC 3261 §12.2.1.1: the remote Contact for a dialog we
// initiated, or the incoming INVITE's own Contact for one we received.
func (s *Session) recipientURI() (sip.Uri, error) {
	var uri sip.Uri
	if s.Direction == DirectionOutbound {
		if s.RemoteContactURI != "" {
			if err := sip.ParseUri(s.RemoteContactURI, &uri); err != nil {
				return uri, fmt.Errorf("sip: parse remote contact: %w", err)
			}
			return uri, nil
		}
		if s.InviteResponse != nil && s.InviteResponse.Contact() != nil {
			return s.InviteResponse.Contact().Address, nil
		}
		if to := s.InviteRequest.To(); to != nil {
			return to.Address, nil
		}
		return uri, fmt.Errorf("sip: no recipient available")
	}

	if contact := s.InviteRequest.Contact(); contact != nil {
		uri = contact.Address
		uri.UriParams = sip.NewParams()
		return uri, nil
	}
	return s.InviteRequest.From().Address, nil
}

// buildFromTo appends From/To headers to req, swapped for direction the
// same way BYE/re-INVITE/INFO/REFER all need per RFC 3261 dialog rules.
func (s *Session) buildFromTo(req *sip.Request) {
	if s.Direction == DirectionOutbound {
		if from := s.InviteRequest.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := s.InviteRequest.To(); to != nil {
			toParams := sip.NewParams()
			if s.RemoteTag != "" {
				toParams.Add("tag", s.RemoteTag)
			}
			req.AppendHeader(&sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      toParams,
			})
		}
		return
	}

	if s.InviteResponse != nil {
		if to := s.InviteResponse.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
	}
	if from := s.InviteRequest.From(); from != nil {
		req.AppendHeader(&sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params.Clone(),
		})
	}
}

func (s *Session) nextInDialogRequest(method sip.RequestMethod, localContact sip.Uri) (*sip.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.InviteRequest == nil {
		return nil, fmt.Errorf("sip: session %s has no INVITE to build on", s.ID)
	}
	recipient, err := s.recipientURI()
	if err != nil {
		return nil, err
	}

	req := sip.NewRequest(method, recipient)
	if len(s.InviteRequest.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", s.InviteRequest, req)
	}
	s.buildFromTo(req)

	if callIDHdr := s.InviteRequest.CallID(); callIDHdr != nil {
		req.AppendHeader(callIDHdr)
	}

	seq := s.localCSeq.Add(1)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: localContact})

	return req, nil
}

// BuildBYE constructs the in-dialog BYE terminating this session.
func (s *Session) BuildBYE(localContact sip.Uri) (*sip.Request, error) {
	return s.nextInDialogRequest(sip.BYE, localContact)
}

// BuildReINVITE constructs a re-INVITE carrying sdpBody, used for
// hold/unhold. Only one re-INVITE may be outstanding at a time.
func (s *Session) BuildReINVITE(localContact sip.Uri, sdpBody []byte) (*sip.Request, error) {
	if !s.reInvitePend.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("sip: re-INVITE already in progress for session %s", s.ID)
	}
	req, err := s.nextInDialogRequest(sip.INVITE, localContact)
	if err != nil {
		s.reInvitePend.Store(false)
		return nil, err
	}
	req.SetBody(sdpBody)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return req, nil
}

// CompleteReINVITE clears the in-progress flag set by BuildReINVITE.
func (s *Session) CompleteReINVITE() { s.reInvitePend.Store(false) }

// BuildINFO constructs a SIP INFO request carrying an
// application/dtmf-relay body per the de facto INFO-DTMF convention
// (RFC 2976 defines the method; the dtmf-relay payload is the common
// interop body upstream PBXs expect).
func (s *Session) BuildINFO(localContact sip.Uri, tone rune, durationMs int) (*sip.Request, error) {
	req, err := s.nextInDialogRequest(sip.INFO, localContact)
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", tone, durationMs)
	req.SetBody([]byte(body))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	return req, nil
}

// BuildREFER constructs a blind-transfer REFER targeting target (an
// e164 or SIP URI). If replaces is non-nil, the Refer-To carries a
// Replaces header pointing at that session's dialog, turning this into
// an attended transfer per RFC 3891.
func (s *Session) BuildREFER(localContact sip.Uri, targetURI sip.Uri, replaces *Session) (*sip.Request, error) {
	req, err := s.nextInDialogRequest(sip.REFER, localContact)
	if err != nil {
		return nil, err
	}

	referTo := targetURI.String()
	if replaces != nil {
		replaces.mu.RLock()
		callID := ""
		if replaces.InviteRequest != nil && replaces.InviteRequest.CallID() != nil {
			callID = replaces.InviteRequest.CallID().String()
		}
		toTag, fromTag := replaces.RemoteTag, replaces.LocalTag
		if replaces.Direction == DirectionInbound {
			toTag, fromTag = replaces.LocalTag, replaces.RemoteTag
		}
		replaces.mu.RUnlock()
		referTo = fmt.Sprintf("%s?Replaces=%s%%3Bto-tag%%3D%s%%3Bfrom-tag%%3D%s",
			targetURI.String(), callID, toTag, fromTag)
	}

	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	req.AppendHeader(sip.NewHeader("Referred-By", localContact.String()))
	return req, nil
}

// Context returns the session's lifetime context, cancelled once it
// reaches StateTerminated.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel ends the session's lifetime context without altering State;
// callers transition state separately via transitionTo.
func (s *Session) Cancel() { s.cancel() }

// releaseMedia closes the session's local UDP socket, if one was
// allocated for SDP purposes.
func (s *Session) releaseMedia() {
	s.mu.Lock()
	conn := s.LocalMediaConn
	s.LocalMediaConn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
