package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/peer"
)

// rpcTimeout is the default per-RPC deadline spec §5 requires: "RPC
// timeout: 10 s default; client receives timeout error."
const rpcTimeout = 10 * time.Second

// Server is the Signaling Server (spec §4.7): it accepts authenticated
// WebSocket connections, turns each into a Peer Manager peer, and
// forwards RPCs/events between the socket and the Peer Manager. It
// registers its handler onto a caller-supplied mux rather than owning a
// listener itself, since spec §6 names a single PORT shared with the
// control plane (internal/httpapi) — cmd/gateway owns the one
// http.Server both packages register into.
//
// Construction mirrors internal/peer.Manager's own two-phase wiring: the
// Peer Manager's onEvent callback must point back at this Server's
// HandleEvent before either side can do anything, so NewServer builds a
// Server with no Peer Manager yet and SetPeerManager completes the
// circle, the same order cmd/gateway already uses for internal/sip and
// internal/call.
type Server struct {
	upgrader websocket.Upgrader
	auth     Authenticator
	peers    *peer.Manager

	onPeerAttached func(agentID, tenantID string)

	mu    sync.RWMutex
	conns map[string]*conn // by peer ID
}

// NewServer registers the "/socket" route on mux, authenticating
// handshakes with auth. Call SetPeerManager before serving any
// connection.
func NewServer(mux *http.ServeMux, auth Authenticator, corsOrigins []string) *Server {
	s := &Server{
		auth:  auth,
		conns: make(map[string]*conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     corsCheck(corsOrigins),
	}
	mux.HandleFunc("/socket", s.handleWS)
	return s
}

// corsCheck builds a websocket.Upgrader.CheckOrigin func honoring the
// CORS_ORIGIN env var's comma list (spec §6); "*" or an empty list allows
// any origin.
func corsCheck(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// SetPeerManager wires the Peer Manager RPCs are dispatched into.
func (s *Server) SetPeerManager(m *peer.Manager) { s.peers = m }

// SetOnPeerAttached registers a callback fired (in its own goroutine, so
// a slow SIP REGISTER never holds up the handshake reply) right after a
// socket's Peer is created. cmd/gateway uses this to open the agent's SIP
// registration, since spec §4.7's handshake payload carries only identity
// fields, not a sip_config — the gateway derives one from its own
// configuration instead of waiting on a separate register_agent RPC spec
// §6's wire table never defines.
func (s *Server) SetOnPeerAttached(fn func(agentID, tenantID string)) {
	s.onPeerAttached = fn
}

// CloseAll closes every tracked socket, as part of cmd/gateway's
// graceful-shutdown sequence (spec §5). It does not stop accepting new
// connections; the shared http.Server's own Shutdown does that.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// PeerCount returns the number of currently connected sockets. The control
// plane's /health and /stats handlers count peers through
// peer.Manager.PeerCount instead.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Signaling] upgrade failed", "error", err)
		return
	}

	var auth authRequest
	if err := ws.ReadJSON(&auth); err != nil {
		s.closeWithReason(ws, "missing-credentials")
		return
	}
	if auth.Token == "" || auth.AgentID == "" || auth.TenantID == "" || auth.UserID == "" {
		s.closeWithReason(ws, "missing-credentials")
		return
	}
	if err := s.auth.Authenticate(r.Context(), auth.Token, auth.AgentID, auth.TenantID, auth.UserID); err != nil {
		s.closeWithReason(ws, "auth-failed")
		return
	}

	peerID := uuid.NewString()
	c := newConn(ws, peerID)

	s.mu.Lock()
	s.conns[peerID] = c
	s.mu.Unlock()

	_, supersededID := s.peers.AttachPeer(peerID, auth.AgentID, auth.TenantID, auth.UserID)
	if supersededID != "" {
		s.closeSuperseded(supersededID)
	}
	if s.onPeerAttached != nil {
		go s.onPeerAttached(auth.AgentID, auth.TenantID)
	}

	c.send(ServerMessage{
		Event: "connected",
		Data: map[string]any{
			"user_id":  auth.UserID,
			"agent_id": auth.AgentID,
			"ts":       time.Now().UTC().Format(time.RFC3339),
		},
	})

	go c.writePump()
	c.readPump(
		func(msg ClientMessage) { s.handleClientMessage(c, msg) },
		func(reason string) { s.handleDisconnect(peerID, reason) },
	)
}

// closeWithReason sends a best-effort close frame carrying reason and
// closes the socket; used for handshake failures before a Peer exists.
func (s *Server) closeWithReason(ws *websocket.Conn, reason string) {
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	_ = ws.Close()
}

// closeSuperseded closes the WebSocket of a peer that AttachPeer has just
// torn down (its media/call/SIP state is already ended by the time
// AttachPeer returns) because a newer connection for the same agent
// replaced it, per spec.md's "the superseded peer is torn down in full".
// internal/peer.Manager has no socket handle of its own, so the signaling
// layer — the only holder of s.conns — is responsible for closing it.
func (s *Server) closeSuperseded(peerID string) {
	s.mu.Lock()
	c, ok := s.conns[peerID]
	if ok {
		delete(s.conns, peerID)
	}
	s.mu.Unlock()
	if ok {
		c.close()
	}
}

func (s *Server) handleDisconnect(peerID, reason string) {
	s.mu.Lock()
	delete(s.conns, peerID)
	s.mu.Unlock()
	s.peers.DetachPeer(peerID, reason)
}

// handleClientMessage dispatches one RPC and writes its reply, enforcing
// the 10s default RPC timeout (spec §5). handlers run to completion even
// after the context deadline so the server's own state always finishes
// consistently before the connection's read loop proceeds to the next
// frame — only the client-visible reply reports `timeout`.
func (s *Server) handleClientMessage(c *conn, msg ClientMessage) {
	h, ok := handlers[msg.Event]
	if !ok {
		c.send(ServerMessage{
			CorrelationID: msg.CorrelationID,
			Error:         gatewayerr.New(gatewayerr.CodeInternal, "unknown event: "+msg.Event).ToWire(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	result, err := h(ctx, s, c.peerID, msg.Data)
	timedOut := ctx.Err() == context.DeadlineExceeded
	cancel()

	reply := ServerMessage{CorrelationID: msg.CorrelationID}
	var fatal *gatewayerr.Error
	switch {
	case timedOut:
		reply.Error = gatewayerr.New(gatewayerr.CodeTimeout, "rpc exceeded its deadline").ToWire()
	case err != nil:
		gerr := gatewayerr.As(err)
		reply.Error = gerr.ToWire()
		if gatewayerr.IsFatal(gerr.Code) {
			fatal = gerr
		}
	default:
		reply.Result = result
	}
	c.send(reply)

	// Spec §7: "Infrastructure failures (auth, socket protocol violation,
	// media-worker-lost with no recovery) terminate the peer with a typed
	// reason" — the reply above still carries the typed error, but a
	// fatal code additionally ends the connection instead of merely
	// riding back as an ordinary per-RPC error.
	if fatal != nil {
		s.closeFatal(c.peerID, fatal.Code)
	}
}

// closeFatal terminates peerID's connection for an infrastructure failure
// surfaced mid-RPC (gatewayerr.IsFatal), tearing down its Peer Manager
// state synchronously rather than waiting for the socket's own read loop
// to notice the close.
func (s *Server) closeFatal(peerID string, code gatewayerr.Code) {
	s.mu.Lock()
	c, ok := s.conns[peerID]
	if ok {
		delete(s.conns, peerID)
	}
	s.mu.Unlock()
	s.peers.DetachPeer(peerID, string(code))
	if ok {
		c.close()
	}
}

// HandleEvent is the Peer Manager's onEvent sink: it looks up the event's
// destination peer's socket and forwards the event, dropping it silently
// if the peer has since disconnected (spec §4.5: events may race
// disconnection).
func (s *Server) HandleEvent(ev peer.Event) {
	s.mu.RLock()
	c, ok := s.conns[ev.PeerID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	c.send(ServerMessage{Event: string(ev.Type), Data: eventData(ev)})
}

// eventData projects a peer.Event onto the field set spec §6 documents
// for its wire event, omitting fields that type doesn't carry.
func eventData(ev peer.Event) map[string]any {
	data := map[string]any{}
	if ev.CallID != "" {
		data["call_id"] = ev.CallID
	}
	switch ev.Type {
	case peer.EventPeerDisconnected:
		data["peer_id"] = ev.PeerID
		data["reason"] = ev.Reason
	case peer.EventIncoming:
		data["phone_number"] = ev.PhoneNumber
		if ev.CallerID != "" {
			data["caller_id"] = ev.CallerID
		}
		if ev.QueueID != "" {
			data["queue_id"] = ev.QueueID
		}
	case peer.EventAnswered:
		data["ts"] = ev.AnsweredAt.UTC().Format(time.RFC3339)
	case peer.EventEnded:
		data["reason"] = ev.Reason
		data["duration"] = ev.Duration.Seconds()
	case peer.EventFailed:
		data["error"] = ev.Error
	case peer.EventHeld:
		data["is_on_hold"] = ev.IsOnHold
	case peer.EventMuted:
		data["is_muted"] = ev.IsMuted
	case peer.EventTransferred:
		data["target"] = ev.Target
	}
	return data
}
