package peer

import (
	"errors"

	"github.com/sebas/gateway/internal/media"
)

// fakeWorker is an in-memory stand-in for a media worker subprocess, just
// enough to exercise the Peer Manager's media RPC surface without
// spawning a real one.
type fakeWorker struct {
	id string
}

func (w *fakeWorker) ID() string { return w.id }

func (w *fakeWorker) CreateTransport(routerID string, direction media.Direction) (media.ICEParameters, media.DTLSParameters, error) {
	return media.ICEParameters{UsernameFragment: "ufrag", Password: "pwd"},
		media.DTLSParameters{Role: "auto", Fingerprints: []media.DTLSFingerprint{{Algorithm: "sha-256", Value: "aa:bb"}}}, nil
}

func (w *fakeWorker) ConnectTransport(transportID string, dtls media.DTLSParameters) error { return nil }

func (w *fakeWorker) Produce(transportID string, kind media.Kind, params media.RTPParameters) error {
	return nil
}

func (w *fakeWorker) Consume(transportID, producerID, consumerID string, caps media.RTPCapabilities) (media.RTPParameters, error) {
	return media.RTPParameters{Kind: media.KindAudio, MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, SSRC: 1}, nil
}

func (w *fakeWorker) ResumeConsumer(consumerID string) error  { return nil }
func (w *fakeWorker) PauseConsumer(consumerID string) error   { return nil }
func (w *fakeWorker) CloseTransport(transportID string) error { return nil }

type fakePool struct {
	workers []*fakeWorker
	next    int
}

func (p *fakePool) NextWorker() (media.Worker, error) {
	w := p.workers[p.next%len(p.workers)]
	p.next++
	return w, nil
}

func (p *fakePool) WorkerByID(id string) (media.Worker, error) {
	for _, w := range p.workers {
		if w.id == id {
			return w, nil
		}
	}
	return nil, errors.New("no such worker")
}
