// Package peer implements the Peer Manager (spec §4.5): the authority
// that enforces per-peer invariants and routes client RPCs into the
// media plane (internal/media) and the SIP gateway (internal/sip),
// correlating both against one Call Session (internal/call) per active
// call.
package peer

import (
	"context"
	"sync"

	"github.com/sebas/gateway/internal/call"
	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/media"
	"github.com/sebas/gateway/internal/sip"
)

// Peer is one authenticated signaling connection: an agent's identity
// bound to a socket. RPCs against the same peer are serialized by mu so
// that, per spec §4.5's ordering guarantee, the reply to RPC n is
// produced before RPC n+1 begins.
type Peer struct {
	mu sync.Mutex

	ID       string
	AgentID  string
	TenantID string
	UserID   string
}

// Manager wires the media registry, SIP gateway, and call registry
// together behind the peer-scoped operation surface the signaling
// server calls into. sip and calls are injected by setter after
// construction since they in turn need a reference to this Manager for
// their own event callbacks — see cmd/gateway's wiring.
type Manager struct {
	media *media.Registry
	sip   *sip.Manager
	calls *call.Registry

	mu      sync.RWMutex
	peers   map[string]*Peer // by peer ID
	byAgent map[string]string // agentID -> peer ID

	onEvent func(Event)
}

// NewManager builds a Peer Manager over an already-constructed media
// registry. Call SetSIPManager and SetCallRegistry before handling any
// RPC or SIP event.
func NewManager(mediaRegistry *media.Registry, onEvent func(Event)) *Manager {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	m := &Manager{
		media:   mediaRegistry,
		peers:   make(map[string]*Peer),
		byAgent: make(map[string]string),
		onEvent: onEvent,
	}
	mediaRegistry.SetOnPeerLost(m.handleMediaWorkerLost)
	return m
}

// SetSIPManager wires the SIP gateway this Manager routes telephony
// operations through. Its own event feed should point back at
// m.HandleSIPEvent.
func (m *Manager) SetSIPManager(sm *sip.Manager) { m.sip = sm }

// SetCallRegistry wires the call session registry. Its own event feed
// should point back at m.HandleCallEvent.
func (m *Manager) SetCallRegistry(cr *call.Registry) { m.calls = cr }

// AttachPeer creates a Peer for a freshly authenticated socket and binds
// it to agentID, replacing any previous peer for that agent (spec §3's
// "latest wins" binding semantics). Per spec.md's peer invariant ("a
// second successful connection for the same agent supersedes the first;
// the superseded peer is torn down in full") the previous peer, if any,
// is torn down synchronously before AttachPeer returns: its media
// transports are closed, its bound call session (if any) is ended and
// its SIP leg hung up, and a peer-disconnected event fires for it. The
// second return value is the superseded peer's ID (empty if there was
// none), so internal/signaling.Server — the only layer that still holds
// that peer's socket — can close the stale connection too.
func (m *Manager) AttachPeer(peerID, agentID, tenantID, userID string) (*Peer, string) {
	p := &Peer{ID: peerID, AgentID: agentID, TenantID: tenantID, UserID: userID}

	m.mu.Lock()
	supersededID, hadPrevious := m.byAgent[agentID]
	m.peers[peerID] = p
	m.byAgent[agentID] = peerID
	m.mu.Unlock()

	if !hadPrevious || supersededID == peerID {
		supersededID = ""
	} else {
		m.tearDownPeer(supersededID, call.StateEnded, call.ReasonSuperseded, "superseded")
	}

	m.onEvent(Event{Type: EventPeerConnected, PeerID: peerID})
	return p, supersededID
}

// DetachPeer removes a peer on socket close or heartbeat timeout, ending
// any call session it still owns (spec §3: "Peer owns Call Session ...
// cleanup is driven by the peer") and closing its media transports.
func (m *Manager) DetachPeer(peerID, reason string) {
	m.tearDownPeer(peerID, call.StateEnded, call.ReasonHangup, reason)
}

// tearDownPeer is the single teardown path shared by DetachPeer (socket
// close), AttachPeer (supersession), and handleMediaWorkerLost (media
// worker death): remove the peer from both registry indexes, end/fail
// its bound call session and hang up the correlated SIP leg if any, close
// its media transports, and emit peer-disconnected. Reports whether a
// peer with that ID was actually attached.
func (m *Manager) tearDownPeer(peerID string, terminal call.State, endReason call.EndReason, wireReason string) bool {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
		if m.byAgent[p.AgentID] == peerID {
			delete(m.byAgent, p.AgentID)
		}
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	if m.calls != nil {
		if c, found := m.calls.ForPeer(peerID); found {
			_ = m.calls.End(c.ID, terminal, endReason, "")
			if m.sip != nil && c.SIPSessionID != "" {
				_ = m.sip.Hangup(context.Background(), c.SIPSessionID)
			}
		}
	}

	m.media.CloseTransportsForPeer(peerID)
	m.onEvent(Event{Type: EventPeerDisconnected, PeerID: peerID, Reason: wireReason})
	return true
}

// PeerCount returns the number of currently attached peers, for the
// control plane's /health and /stats handlers.
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

func (m *Manager) getPeer(peerID string) (*Peer, error) {
	m.mu.RLock()
	p, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return nil, gatewayerr.New(gatewayerr.CodePeerNotFound, "peer not found")
	}
	return p, nil
}

func (m *Manager) peerByAgent(agentID string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peerID, ok := m.byAgent[agentID]
	if !ok {
		return nil, false
	}
	return m.peers[peerID], true
}

// handleMediaWorkerLost is registered as the media registry's
// peer-disconnected cascade (§4.1): every peer whose transports lived on
// the dead worker is disconnected, and its active call (if any) is torn
// down with media-worker-lost, per spec §9's documented choice to tear
// down both sides rather than attempt an in-place media failover.
func (m *Manager) handleMediaWorkerLost(peerID, reason string) {
	m.tearDownPeer(peerID, call.StateFailed, call.ReasonMediaWorkerLost, reason)
}
