package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Heartbeat timings per spec §4.7/§5: ping every 25s, 60s idle timeout.
const (
	pingInterval    = 25 * time.Second
	pongWait        = 60 * time.Second
	writeWait       = 10 * time.Second
	maxMessageBytes = 64 * 1024
	outboxSize      = 64
)

// conn wraps one authenticated peer's WebSocket. readPump is the single
// consumer of inbound frames: it calls the handler for message n and
// blocks until that handler returns before reading message n+1, which is
// what gives a single peer's RPC replies their in-order guarantee (spec
// §4.5/§5) without a separate queue — the socket's own read buffer holds
// anything sent while a slow RPC is in flight. writePump is a second,
// independent goroutine so replies and server-initiated events never
// block on each other's delivery.
type conn struct {
	ws     *websocket.Conn
	peerID string

	outbox chan ServerMessage

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, peerID string) *conn {
	return &conn{
		ws:     ws,
		peerID: peerID,
		outbox: make(chan ServerMessage, outboxSize),
		done:   make(chan struct{}),
	}
}

// send enqueues msg for delivery, dropping it if the connection is
// already closing rather than blocking the caller (an event for a peer
// whose socket just died is simply lost, matching spec §4.5's note that
// events race disconnection).
func (c *conn) send(msg ServerMessage) bool {
	select {
	case c.outbox <- msg:
		return true
	case <-c.done:
		return false
	default:
		// Outbox full: the peer is not draining fast enough. Drop rather
		// than apply backpressure to whichever goroutine is emitting.
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads framed ClientMessages until the socket errs or the idle
// timeout fires, invoking onMessage for each one in order. onClose runs
// exactly once, with the reason, when the loop exits for any cause.
func (c *conn) readPump(onMessage func(ClientMessage), onClose func(reason string)) {
	defer func() {
		c.close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	reason := "socket-closed"
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				reason = "socket-error"
			}
			break
		}
		onMessage(msg)
	}
	onClose(reason)
}

// writePump drains outbox to the socket and sends a ping every
// pingInterval until the connection is closed.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
