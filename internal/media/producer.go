package media

import "github.com/google/uuid"

// Producer is the gateway's bookkeeping record for an RTP ingress bound to
// one transport: the agent's outgoing audio (or, if ever enabled, video)
// stream. The RTP itself is handled inside the media worker that owns the
// transport; this struct only tracks identity and ownership.
type Producer struct {
	ID          string
	TransportID string
	Kind        Kind
	Params      RTPParameters
}

// NewProducer creates a Producer bound to transportID with the RTP
// parameters negotiated with the client.
func NewProducer(transportID string, kind Kind, params RTPParameters) *Producer {
	return &Producer{
		ID:          uuid.NewString(),
		TransportID: transportID,
		Kind:        kind,
		Params:      params,
	}
}
