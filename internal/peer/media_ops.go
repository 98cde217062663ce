package peer

import (
	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/media"
)

// GetRouterCapabilities returns peerID's tenant router's RTP capabilities,
// creating the router on first access for that tenant.
func (m *Manager) GetRouterCapabilities(peerID string) (media.RTPCapabilities, error) {
	p, err := m.getPeer(peerID)
	if err != nil {
		return media.RTPCapabilities{}, err
	}
	router, err := m.media.GetOrCreateRouter(p.TenantID)
	if err != nil {
		return media.RTPCapabilities{}, err
	}
	return router.Capabilities, nil
}

// CreateTransport creates a send or recv transport owned by peerID.
func (m *Manager) CreateTransport(peerID string, direction media.Direction) (*media.Transport, error) {
	p, err := m.getPeer(peerID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return m.media.CreateTransport(p.TenantID, peerID, direction)
}

// ConnectTransport completes DTLS for transportID, rejecting an attempt
// by a peer other than the one that created it.
func (m *Manager) ConnectTransport(peerID, transportID string, dtls media.DTLSParameters) error {
	if _, err := m.requireOwnedTransport(peerID, transportID); err != nil {
		return err
	}
	return m.media.ConnectTransport(transportID, dtls)
}

// Produce binds an RTP ingress to transportID.
func (m *Manager) Produce(peerID, transportID string, kind media.Kind, params media.RTPParameters) (*media.Producer, error) {
	if _, err := m.requireOwnedTransport(peerID, transportID); err != nil {
		return nil, err
	}
	return m.media.Produce(transportID, kind, params)
}

// Consume binds an RTP egress to transportID, sourced from producerID.
func (m *Manager) Consume(peerID, transportID, producerID string, caps media.RTPCapabilities) (*media.Consumer, error) {
	if _, err := m.requireOwnedTransport(peerID, transportID); err != nil {
		return nil, err
	}
	return m.media.Consume(transportID, producerID, caps)
}

// ResumeConsumer un-pauses consumerID, which the client calls once it is
// ready to render the stream (spec §4.3: avoids first-frame loss).
func (m *Manager) ResumeConsumer(peerID, consumerID string) error {
	if err := m.requireOwnedConsumer(peerID, consumerID); err != nil {
		return err
	}
	return m.media.ResumeConsumer(consumerID)
}

// PauseConsumer pauses consumerID without tearing it down.
func (m *Manager) PauseConsumer(peerID, consumerID string) error {
	if err := m.requireOwnedConsumer(peerID, consumerID); err != nil {
		return err
	}
	return m.media.PauseConsumer(consumerID)
}

func (m *Manager) requireOwnedConsumer(peerID, consumerID string) error {
	if _, err := m.getPeer(peerID); err != nil {
		return err
	}
	owner, err := m.media.ConsumerOwner(consumerID)
	if err != nil {
		return err
	}
	if owner != peerID {
		return gatewayerr.New(gatewayerr.CodeTransportNotFound, "consumer not found")
	}
	return nil
}

func (m *Manager) requireOwnedTransport(peerID, transportID string) (*Peer, error) {
	p, err := m.getPeer(peerID)
	if err != nil {
		return nil, err
	}
	owner, err := m.media.TransportOwner(transportID)
	if err != nil {
		return nil, err
	}
	if owner != peerID {
		return nil, gatewayerr.New(gatewayerr.CodeTransportNotFound, "transport not found")
	}
	return p, nil
}
