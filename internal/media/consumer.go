package media

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Consumer is an RTP egress bound to one transport, referencing exactly
// one producer. Created paused so the client can signal readiness (avoids
// first-frame loss while it finishes wiring up its renderer) before any
// packets are forwarded.
type Consumer struct {
	ID          string
	TransportID string
	ProducerID  string
	Kind        Kind
	Params      RTPParameters

	paused atomic.Bool
}

// NewConsumer creates a Consumer with id for producerID on transportID,
// bound to the negotiated RTP parameters. It starts paused. id is
// generated by the caller (Registry.Consume) rather than here so the same
// ID can be handed to the owning worker before the worker call returns.
func NewConsumer(id, transportID, producerID string, kind Kind, params RTPParameters) *Consumer {
	if id == "" {
		id = uuid.NewString()
	}
	c := &Consumer{
		ID:          id,
		TransportID: transportID,
		ProducerID:  producerID,
		Kind:        kind,
		Params:      params,
	}
	c.paused.Store(true)
	return c
}

// Paused reports whether the consumer is currently paused.
func (c *Consumer) Paused() bool {
	return c.paused.Load()
}

// Resume un-pauses the consumer so forwarded packets are delivered.
func (c *Consumer) Resume() {
	c.paused.Store(false)
}

// Pause pauses the consumer, stopping delivery without tearing it down.
func (c *Consumer) Pause() {
	c.paused.Store(true)
}
