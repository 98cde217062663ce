package media

import (
	"sync"

	"github.com/google/uuid"

	"github.com/sebas/gateway/internal/gatewayerr"
)

// Transport is the gateway process's bookkeeping record for a DTLS+ICE
// endpoint owned by exactly one peer. The actual ICE/DTLS/RTP work happens
// inside the media worker subprocess that created it (see
// internal/mediaworker); this struct only tracks ownership, negotiated
// parameters, and the producers/consumers cascaded from it, so that the
// gateway's registries never hold a lock across the suspension point of a
// worker round-trip.
type Transport struct {
	ID        string
	RouterID  string
	PeerID    string
	Direction Direction
	WorkerID  string

	ICE  ICEParameters
	DTLS DTLSParameters

	mu        sync.Mutex
	state     TransportState
	connected bool
	onClose   func(reason string)

	producers map[string]*Producer
	consumers map[string]*Consumer
}

// NewTransport records a Transport whose ICE/DTLS parameters were already
// produced by a worker's create_transport RPC.
func NewTransport(routerID, peerID, workerID string, direction Direction, ice ICEParameters, dtls DTLSParameters) *Transport {
	return &Transport{
		ID:        uuid.NewString(),
		RouterID:  routerID,
		PeerID:    peerID,
		WorkerID:  workerID,
		Direction: direction,
		ICE:       ice,
		DTLS:      dtls,
		state:     TransportStateConnecting,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
}

// SetOnClose registers a callback invoked exactly once, with the reason the
// transport transitioned to closed/failed, just before its producers and
// consumers are torn down. The Registry does not register one; it performs
// the producer/consumer cascade itself in cascadeTransportClose.
func (t *Transport) SetOnClose(fn func(reason string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// State returns the current DTLS transport state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// MarkConnected transitions the transport to connected after the worker
// reports its DTLS handshake completed.
func (t *Transport) MarkConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.IsTerminal() {
		t.state = TransportStateConnected
		t.connected = true
	}
}

// Connected reports whether connect_transport has been accepted for this
// transport. BeginConnect sets the flag before the worker round trip, and
// it is not cleared if that round trip fails.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// BeginConnect flips the connected flag on, preventing a racing second
// connect_transport call from also proceeding, before the worker round
// trip completes.
func (t *Transport) BeginConnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return gatewayerr.New(gatewayerr.CodeAlreadyConnected, "transport already connected")
	}
	if t.state.IsTerminal() {
		return gatewayerr.New(gatewayerr.CodeTransportNotFound, "transport is closed")
	}
	t.connected = true
	return nil
}

// TransitionClosed marks the transport closed/failed and invokes the
// registered onClose callback exactly once. Idempotent.
func (t *Transport) TransitionClosed(reason string) {
	t.mu.Lock()
	if t.state.IsTerminal() {
		t.mu.Unlock()
		return
	}
	if reason == string(TransportStateFailed) {
		t.state = TransportStateFailed
	} else {
		t.state = TransportStateClosed
	}
	cb := t.onClose
	t.mu.Unlock()

	if cb != nil {
		cb(reason)
	}
}

// AddProducer registers a Producer under this transport.
func (t *Transport) AddProducer(p *Producer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.producers[p.ID] = p
}

// RemoveProducer drops a Producer from this transport's bookkeeping.
func (t *Transport) RemoveProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

// AddConsumer registers a Consumer under this transport.
func (t *Transport) AddConsumer(c *Consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumers[c.ID] = c
}

// RemoveConsumer drops a Consumer from this transport's bookkeeping.
func (t *Transport) RemoveConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

// Producers returns a snapshot of the producers bound to this transport.
func (t *Transport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		out = append(out, p)
	}
	return out
}

// Consumers returns a snapshot of the consumers bound to this transport.
func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		out = append(out, c)
	}
	return out
}
