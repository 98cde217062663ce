// Package mediaworker is the media worker subprocess's own implementation:
// it owns real pion/webrtc ICE/DTLS transports and RTP forwarding, and
// serves the gateway's control-plane RPCs (create_transport,
// connect_transport, produce, consume, resume/pause_consumer,
// close_transport) over a gRPC service (internal/mwrpc). This is what
// cmd/mediaworker runs.
package mediaworker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/sebas/gateway/internal/media"
)

// transport wraps the real pion ORTC primitives (ICEGatherer, ICETransport,
// DTLSTransport) backing one Transport the gateway asked this worker to
// create.
type transport struct {
	id        string
	routerID  string
	direction media.Direction

	api           *webrtc.API
	gatherer      *webrtc.ICEGatherer
	iceTransport  *webrtc.ICETransport
	dtlsTransport *webrtc.DTLSTransport

	mu        sync.Mutex
	producers map[string]*producer
	consumers map[string]*consumer

	onDTLSClosed func(transportID, reason string)
}

func newTransport(api *webrtc.API, routerID string, direction media.Direction) (*transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("create ice gatherer: %w", err)
	}

	iceTransport := api.NewICETransport(gatherer)
	dtlsTransport, err := api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		return nil, fmt.Errorf("create dtls transport: %w", err)
	}

	t := &transport{
		id:            uuid.NewString(),
		routerID:      routerID,
		direction:     direction,
		api:           api,
		gatherer:      gatherer,
		iceTransport:  iceTransport,
		dtlsTransport: dtlsTransport,
		producers:     make(map[string]*producer),
		consumers:     make(map[string]*consumer),
	}

	dtlsTransport.OnStateChange(func(s webrtc.DTLSTransportState) {
		if s == webrtc.DTLSTransportStateClosed || s == webrtc.DTLSTransportStateFailed {
			reason := "closed"
			if s == webrtc.DTLSTransportStateFailed {
				reason = "failed"
			}
			if t.onDTLSClosed != nil {
				t.onDTLSClosed(t.id, reason)
			}
		}
	})

	if err := gatherer.Gather(); err != nil {
		return nil, fmt.Errorf("gather ice candidates: %w", err)
	}

	return t, nil
}

func (t *transport) localICEParameters() (media.ICEParameters, error) {
	p, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return media.ICEParameters{}, err
	}
	return media.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password}, nil
}

func (t *transport) localDTLSParameters() (media.DTLSParameters, error) {
	certs := t.dtlsTransport.GetLocalParameters()
	if len(certs.Fingerprints) == 0 {
		return media.DTLSParameters{}, fmt.Errorf("no local dtls fingerprints available")
	}
	fps := make([]media.DTLSFingerprint, 0, len(certs.Fingerprints))
	for _, f := range certs.Fingerprints {
		fps = append(fps, media.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return media.DTLSParameters{Role: "auto", Fingerprints: fps}, nil
}

func (t *transport) connect(client media.DTLSParameters) error {
	role := webrtc.DTLSRoleAuto
	switch client.Role {
	case "client":
		role = webrtc.DTLSRoleClient
	case "server":
		role = webrtc.DTLSRoleServer
	}

	if err := t.iceTransport.Start(nil, webrtc.ICERoleControlled); err != nil {
		return fmt.Errorf("start ice transport: %w", err)
	}
	if err := t.dtlsTransport.Start(webrtc.DTLSParameters{Role: role}); err != nil {
		return fmt.Errorf("start dtls transport: %w", err)
	}
	return nil
}

func (t *transport) addProducer(p *producer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.producers[p.id] = p
}

func (t *transport) addConsumer(c *consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumers[c.id] = c
}

func (t *transport) getProducer(id string) (*producer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.producers[id]
	return p, ok
}

func (t *transport) getConsumer(id string) (*consumer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.consumers[id]
	return c, ok
}

// startProducer creates a real RTPReceiver bound to this transport's DTLS
// session and runs a read loop feeding the incoming RTP into p.feed, so
// p's subscribers (consumers elsewhere) see the agent's media.
func (t *transport) startProducer(p *producer) error {
	codecType := webrtc.RTPCodecTypeAudio
	if p.kind == media.KindVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}

	receiver, err := t.api.NewRTPReceiver(codecType, t.dtlsTransport)
	if err != nil {
		return fmt.Errorf("create rtp receiver: %w", err)
	}
	p.receiver = receiver

	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(p.params.SSRC)},
		}},
	}); err != nil {
		return fmt.Errorf("start rtp receiver: %w", err)
	}

	track := receiver.Track()
	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			p.feed(pkt)
		}
	}()

	return nil
}

// startConsumer creates a real RTPSender bound to this transport's DTLS
// session backed by a local track, and runs a write loop draining ch (the
// producer's per-consumer subscription channel) onto the wire.
func (t *transport) startConsumer(c *consumer, ch <-chan *rtp.Packet) error {
	mimeType := codecMimeType(c.kind)
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mimeType}, "track-"+c.id, "stream-"+c.id)
	if err != nil {
		return fmt.Errorf("create local track: %w", err)
	}

	sender, err := t.api.NewRTPSender(track, t.dtlsTransport)
	if err != nil {
		return fmt.Errorf("create rtp sender: %w", err)
	}
	c.sender = sender
	c.track = track

	if err := sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(c.params.SSRC)},
		}},
	}); err != nil {
		return fmt.Errorf("start rtp sender: %w", err)
	}

	go c.run(ch, func(pkt *rtp.Packet) error {
		return track.WriteRTP(pkt)
	})

	return nil
}

func codecMimeType(kind media.Kind) string {
	if kind == media.KindVideo {
		return webrtc.MimeTypeVP8
	}
	return webrtc.MimeTypeOpus
}

func (t *transport) close() error {
	t.mu.Lock()
	for _, p := range t.producers {
		p.close()
	}
	for _, c := range t.consumers {
		c.close()
	}
	t.mu.Unlock()

	_ = t.dtlsTransport.Stop()
	return t.iceTransport.Stop()
}

// producer is a real RTP ingress: a read loop feeding subscribed consumer
// channels, as described by internal/media.Forward.
type producer struct {
	id     string
	kind   media.Kind
	params media.RTPParameters

	receiver *webrtc.RTPReceiver

	mu          sync.Mutex
	subscribers map[string]chan *rtp.Packet
	closed      bool
}

func newProducer(kind media.Kind, params media.RTPParameters) *producer {
	return &producer{
		id:          uuid.NewString(),
		kind:        kind,
		params:      params,
		subscribers: make(map[string]chan *rtp.Packet),
	}
}

func (p *producer) subscribe(consumerID string) chan *rtp.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *rtp.Packet, 256)
	p.subscribers[consumerID] = ch
	return ch
}

func (p *producer) feed(pkt *rtp.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	subs := make([]chan *rtp.Packet, 0, len(p.subscribers))
	for _, ch := range p.subscribers {
		subs = append(subs, ch)
	}
	media.Forward(pkt, subs)
}

func (p *producer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
	if p.receiver != nil {
		_ = p.receiver.Stop()
	}
}

// consumer is a real RTP egress: forwards packets from its producer's feed
// onto the transport's send path, honoring its own paused flag.
type consumer struct {
	id         string
	producerID string
	kind       media.Kind
	params     media.RTPParameters

	sender *webrtc.RTPSender
	track  *webrtc.TrackLocalStaticRTP

	mu     sync.Mutex
	paused bool
	stopCh chan struct{}
}

func newConsumer(id, producerID string, kind media.Kind, params media.RTPParameters) *consumer {
	if id == "" {
		id = uuid.NewString()
	}
	return &consumer{
		id:         id,
		producerID: producerID,
		kind:       kind,
		params:     params,
		paused:     true,
		stopCh:     make(chan struct{}),
	}
}

func (c *consumer) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *consumer) pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *consumer) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *consumer) close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	if c.sender != nil {
		_ = c.sender.Stop()
	}
}

// run forwards packets from src to the transport's RTP sender while the
// consumer is not paused and not closed. Started once, after resume is
// first expected.
func (c *consumer) run(src <-chan *rtp.Packet, send func(*rtp.Packet) error) {
	for {
		select {
		case <-c.stopCh:
			return
		case pkt, ok := <-src:
			if !ok {
				return
			}
			if c.isPaused() {
				continue
			}
			_ = send(pkt)
		}
	}
}
