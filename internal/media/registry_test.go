package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker is an in-memory stand-in for a media worker subprocess, used
// to exercise the registry's cascade logic without spawning a real one.
type fakeWorker struct {
	id string
}

func (w *fakeWorker) ID() string { return w.id }

func (w *fakeWorker) CreateTransport(routerID string, direction Direction) (ICEParameters, DTLSParameters, error) {
	return ICEParameters{UsernameFragment: "ufrag", Password: "pwd"},
		DTLSParameters{Role: "auto", Fingerprints: []DTLSFingerprint{{Algorithm: "sha-256", Value: "aa:bb"}}}, nil
}

func (w *fakeWorker) ConnectTransport(transportID string, dtls DTLSParameters) error { return nil }

func (w *fakeWorker) Produce(transportID string, kind Kind, params RTPParameters) error { return nil }

func (w *fakeWorker) Consume(transportID, producerID, consumerID string, caps RTPCapabilities) (RTPParameters, error) {
	return RTPParameters{Kind: KindAudio, MimeType: "audio/opus", PayloadType: PayloadTypeOpus, ClockRate: 48000, SSRC: 1}, nil
}

func (w *fakeWorker) ResumeConsumer(consumerID string) error { return nil }
func (w *fakeWorker) PauseConsumer(consumerID string) error  { return nil }
func (w *fakeWorker) CloseTransport(transportID string) error { return nil }

type fakePool struct {
	workers []*fakeWorker
	next    int
}

func (p *fakePool) NextWorker() (Worker, error) {
	w := p.workers[p.next%len(p.workers)]
	p.next++
	return w, nil
}

func (p *fakePool) WorkerByID(id string) (Worker, error) {
	for _, w := range p.workers {
		if w.id == id {
			return w, nil
		}
	}
	return nil, assert.AnError
}

func newTestRegistry() *Registry {
	pool := &fakePool{workers: []*fakeWorker{{id: "w0"}}}
	return NewRegistry(pool, []string{"opus", "pcmu", "pcma"})
}

func TestCreateTransportThenConnect(t *testing.T) {
	r := newTestRegistry()
	tr, err := r.CreateTransport("tenant-a", "peer-1", DirectionSend)
	require.NoError(t, err)
	assert.False(t, tr.Connected())

	err = r.ConnectTransport(tr.ID, DTLSParameters{Role: "client"})
	require.NoError(t, err)
	assert.True(t, tr.Connected())
}

func TestConnectTransportTwiceFailsAlreadyConnected(t *testing.T) {
	r := newTestRegistry()
	tr, err := r.CreateTransport("tenant-a", "peer-1", DirectionSend)
	require.NoError(t, err)

	require.NoError(t, r.ConnectTransport(tr.ID, DTLSParameters{}))
	err = r.ConnectTransport(tr.ID, DTLSParameters{})
	require.Error(t, err)
}

func TestProduceConsumeStartsPaused(t *testing.T) {
	r := newTestRegistry()
	sendTr, err := r.CreateTransport("tenant-a", "peer-1", DirectionSend)
	require.NoError(t, err)
	require.NoError(t, r.ConnectTransport(sendTr.ID, DTLSParameters{}))

	producer, err := r.Produce(sendTr.ID, KindAudio, RTPParameters{Kind: KindAudio, MimeType: "audio/opus", PayloadType: PayloadTypeOpus, ClockRate: 48000, SSRC: 42})
	require.NoError(t, err)

	recvTr, err := r.CreateTransport("tenant-a", "peer-2", DirectionRecv)
	require.NoError(t, err)

	consumer, err := r.Consume(recvTr.ID, producer.ID, DefaultCapabilities([]string{"opus", "pcmu", "pcma"}))
	require.NoError(t, err)
	assert.True(t, consumer.Paused())

	require.NoError(t, r.ResumeConsumer(consumer.ID))
	assert.False(t, consumer.Paused())
}

func TestCloseTransportCascadesToProducersAndConsumers(t *testing.T) {
	r := newTestRegistry()
	sendTr, err := r.CreateTransport("tenant-a", "peer-1", DirectionSend)
	require.NoError(t, err)
	producer, err := r.Produce(sendTr.ID, KindAudio, RTPParameters{Kind: KindAudio, MimeType: "audio/opus"})
	require.NoError(t, err)

	recvTr, err := r.CreateTransport("tenant-a", "peer-2", DirectionRecv)
	require.NoError(t, err)
	consumer, err := r.Consume(recvTr.ID, producer.ID, DefaultCapabilities(nil))
	require.NoError(t, err)

	require.NoError(t, r.CloseTransport(sendTr.ID))

	// Closing sendTr removes its producer, which cascades to consumer
	// even though consumer itself lives on the untouched recvTr.
	_, _, err = r.getConsumer(consumer.ID)
	assert.Error(t, err)

	_, err = r.getTransport(sendTr.ID)
	assert.Error(t, err)

	// recvTr itself was never closed and remains in the registry.
	_, err = r.getTransport(recvTr.ID)
	assert.NoError(t, err)
}

func TestCloseTransportIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	tr, err := r.CreateTransport("tenant-a", "peer-1", DirectionSend)
	require.NoError(t, err)
	require.NoError(t, r.CloseTransport(tr.ID))
	require.NoError(t, r.CloseTransport(tr.ID))
}

func TestConsumeRejectsIncompatibleCapabilities(t *testing.T) {
	r := newTestRegistry()
	sendTr, err := r.CreateTransport("tenant-a", "peer-1", DirectionSend)
	require.NoError(t, err)
	producer, err := r.Produce(sendTr.ID, KindVideo, RTPParameters{Kind: KindVideo, MimeType: "video/VP8"})
	require.NoError(t, err)

	recvTr, err := r.CreateTransport("tenant-a", "peer-2", DirectionRecv)
	require.NoError(t, err)

	_, err = r.Consume(recvTr.ID, producer.ID, DefaultCapabilities([]string{"opus", "pcmu", "pcma"}))
	require.Error(t, err)
}

func TestRemoveTransportsForWorkerNotifiesUniquePeers(t *testing.T) {
	r := newTestRegistry()
	tr1, _ := r.CreateTransport("tenant-a", "peer-1", DirectionSend)
	_, _ = r.CreateTransport("tenant-a", "peer-1", DirectionRecv)
	_ = tr1

	peerIDs := r.RemoveTransportsForWorker("w0")
	assert.ElementsMatch(t, []string{"peer-1"}, peerIDs)
}
