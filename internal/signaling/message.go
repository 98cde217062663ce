// Package signaling implements the Signaling Server (spec §4.7): it
// accepts authenticated persistent WebSocket connections, dispatches
// {event, data, correlation_id} RPCs into the Peer Manager
// (internal/peer), and forwards the Peer Manager's own event feed back to
// each peer's socket as uncorrelated server-initiated events, grounded on
// 1ureka-roj1's internal/signaling (gorilla/websocket connection
// lifecycle) generalized from that repo's fixed offer/answer/candidate
// message set to the full request/response/event envelope spec §6
// describes.
package signaling

import "encoding/json"

// ClientMessage is one client-to-server frame: a named event, an opaque
// JSON payload, and the correlation ID the server echoes back on its
// reply so the client can match requests to responses on a single duplex
// channel (spec §4.7's RPC shape).
type ClientMessage struct {
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

// ServerMessage is one server-to-client frame. A reply carries
// CorrelationID plus exactly one of Result/Error; a server-initiated event
// carries Event/Data and an empty CorrelationID, per spec §6's two
// message shapes riding the same channel.
type ServerMessage struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Result        any    `json:"result,omitempty"`
	Error         any    `json:"error,omitempty"`

	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// authRequest is the handshake payload spec §4.7 requires before a Peer
// is created: "bearer token, agent identity, tenant identity, user
// identity."
type authRequest struct {
	Token    string `json:"token"`
	AgentID  string `json:"agent_id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}
