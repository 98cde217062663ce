package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/media"
)

func TestGetRouterCapabilitiesCreatesRouterOnFirstAccess(t *testing.T) {
	m := newTestManager()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")

	caps, err := m.GetRouterCapabilities("peer-1")
	require.NoError(t, err)
	assert.NotEmpty(t, caps.Codecs)
}

func TestGetRouterCapabilitiesUnknownPeer(t *testing.T) {
	m := newTestManager()
	_, err := m.GetRouterCapabilities("nope")
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodePeerNotFound, err.(*gatewayerr.Error).Code)
}

func TestCreateTransportOwnedByPeer(t *testing.T) {
	m := newTestManager()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")

	tr, err := m.CreateTransport("peer-1", media.DirectionSend)
	require.NoError(t, err)

	owner, err := m.media.TransportOwner(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "peer-1", owner)
}

func TestConnectTransportRejectsCrossPeerAccess(t *testing.T) {
	m := newTestManager()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	m.AttachPeer("peer-2", "agent-2", "tenant-a", "user-2")

	tr, err := m.CreateTransport("peer-1", media.DirectionSend)
	require.NoError(t, err)

	err = m.ConnectTransport("peer-2", tr.ID, media.DTLSParameters{Role: "client"})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeTransportNotFound, err.(*gatewayerr.Error).Code)
}

func TestConnectTransportSucceedsForOwningPeer(t *testing.T) {
	m := newTestManager()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")

	tr, err := m.CreateTransport("peer-1", media.DirectionSend)
	require.NoError(t, err)

	require.NoError(t, m.ConnectTransport("peer-1", tr.ID, media.DTLSParameters{Role: "client"}))
}

func TestProduceRejectsCrossPeerAccess(t *testing.T) {
	m := newTestManager()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	m.AttachPeer("peer-2", "agent-2", "tenant-a", "user-2")

	tr, err := m.CreateTransport("peer-1", media.DirectionSend)
	require.NoError(t, err)
	require.NoError(t, m.ConnectTransport("peer-1", tr.ID, media.DTLSParameters{Role: "client"}))

	_, err = m.Produce("peer-2", tr.ID, media.KindAudio, media.RTPParameters{Kind: media.KindAudio, MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, SSRC: 1})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeTransportNotFound, err.(*gatewayerr.Error).Code)
}

func TestConsumeRejectsCrossPeerAccess(t *testing.T) {
	m := newTestManager()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	m.AttachPeer("peer-2", "agent-2", "tenant-a", "user-2")

	sendTr, err := m.CreateTransport("peer-1", media.DirectionSend)
	require.NoError(t, err)
	require.NoError(t, m.ConnectTransport("peer-1", sendTr.ID, media.DTLSParameters{Role: "client"}))
	producer, err := m.Produce("peer-1", sendTr.ID, media.KindAudio, media.RTPParameters{Kind: media.KindAudio, MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, SSRC: 1})
	require.NoError(t, err)

	recvTr, err := m.CreateTransport("peer-2", media.DirectionRecv)
	require.NoError(t, err)
	require.NoError(t, m.ConnectTransport("peer-2", recvTr.ID, media.DTLSParameters{Role: "client"}))

	// peer-1 has no claim on peer-2's recv transport.
	_, err = m.Consume("peer-1", recvTr.ID, producer.ID, media.RTPCapabilities{})
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeTransportNotFound, err.(*gatewayerr.Error).Code)
}

func TestConsumeSucceedsForOwningPeer(t *testing.T) {
	m := newTestManager()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	m.AttachPeer("peer-2", "agent-2", "tenant-a", "user-2")

	sendTr, err := m.CreateTransport("peer-1", media.DirectionSend)
	require.NoError(t, err)
	require.NoError(t, m.ConnectTransport("peer-1", sendTr.ID, media.DTLSParameters{Role: "client"}))
	producer, err := m.Produce("peer-1", sendTr.ID, media.KindAudio, media.RTPParameters{Kind: media.KindAudio, MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, SSRC: 1})
	require.NoError(t, err)

	recvTr, err := m.CreateTransport("peer-2", media.DirectionRecv)
	require.NoError(t, err)
	require.NoError(t, m.ConnectTransport("peer-2", recvTr.ID, media.DTLSParameters{Role: "client"}))

	consumer, err := m.Consume("peer-2", recvTr.ID, producer.ID, media.DefaultCapabilities(nil))
	require.NoError(t, err)
	assert.Equal(t, media.KindAudio, consumer.Kind)
}

func TestResumeConsumerUnpausesOwnedConsumer(t *testing.T) {
	m := newTestManager()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	m.AttachPeer("peer-2", "agent-2", "tenant-a", "user-2")

	sendTr, err := m.CreateTransport("peer-1", media.DirectionSend)
	require.NoError(t, err)
	require.NoError(t, m.ConnectTransport("peer-1", sendTr.ID, media.DTLSParameters{Role: "client"}))
	producer, err := m.Produce("peer-1", sendTr.ID, media.KindAudio, media.RTPParameters{Kind: media.KindAudio, MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, SSRC: 1})
	require.NoError(t, err)

	recvTr, err := m.CreateTransport("peer-2", media.DirectionRecv)
	require.NoError(t, err)
	require.NoError(t, m.ConnectTransport("peer-2", recvTr.ID, media.DTLSParameters{Role: "client"}))
	consumer, err := m.Consume("peer-2", recvTr.ID, producer.ID, media.DefaultCapabilities(nil))
	require.NoError(t, err)
	require.True(t, consumer.Paused())

	require.NoError(t, m.ResumeConsumer("peer-2", consumer.ID))
	assert.False(t, consumer.Paused())

	require.NoError(t, m.PauseConsumer("peer-2", consumer.ID))
	assert.True(t, consumer.Paused())
}

func TestResumeConsumerRejectsCrossPeerAccess(t *testing.T) {
	m := newTestManager()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	m.AttachPeer("peer-2", "agent-2", "tenant-a", "user-2")

	sendTr, err := m.CreateTransport("peer-1", media.DirectionSend)
	require.NoError(t, err)
	require.NoError(t, m.ConnectTransport("peer-1", sendTr.ID, media.DTLSParameters{Role: "client"}))
	producer, err := m.Produce("peer-1", sendTr.ID, media.KindAudio, media.RTPParameters{Kind: media.KindAudio, MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, SSRC: 1})
	require.NoError(t, err)

	recvTr, err := m.CreateTransport("peer-2", media.DirectionRecv)
	require.NoError(t, err)
	require.NoError(t, m.ConnectTransport("peer-2", recvTr.ID, media.DTLSParameters{Role: "client"}))
	consumer, err := m.Consume("peer-2", recvTr.ID, producer.ID, media.DefaultCapabilities(nil))
	require.NoError(t, err)

	err = m.ResumeConsumer("peer-1", consumer.ID)
	require.Error(t, err)
	assert.Equal(t, gatewayerr.CodeTransportNotFound, err.(*gatewayerr.Error).Code)
}
