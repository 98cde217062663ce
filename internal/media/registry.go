package media

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sebas/gateway/internal/gatewayerr"
)

// Worker is the subset of the media worker pool a Registry needs: pick a
// worker for a new router, and ask a worker to perform the actual
// ICE/DTLS/RTP-level work for a transport/producer/consumer operation.
// Defined here (rather than imported from internal/workerpool) to avoid a
// dependency cycle — internal/workerpool imports internal/media for the
// shared value types, not the other way around.
type Worker interface {
	ID() string
	CreateTransport(routerID string, direction Direction) (ICEParameters, DTLSParameters, error)
	ConnectTransport(transportID string, dtls DTLSParameters) error
	Produce(transportID string, kind Kind, params RTPParameters) error
	Consume(transportID, producerID, consumerID string, caps RTPCapabilities) (RTPParameters, error)
	ResumeConsumer(consumerID string) error
	PauseConsumer(consumerID string) error
	CloseTransport(transportID string) error
}

// WorkerPool selects a Worker for a new Router (round-robin, per §4.1) and
// resolves a previously-assigned worker by ID for session-affinity
// routing of subsequent operations on a transport it already owns.
type WorkerPool interface {
	NextWorker() (Worker, error)
	WorkerByID(id string) (Worker, error)
}

// Registry is the process-wide, flat set of Routers/Transports/
// Producers/Consumers described in §4.2-4.3. All mutation happens from the
// single-threaded executor that owns it; readers elsewhere take a
// snapshot rather than holding mu across a suspension point.
type Registry struct {
	pool   WorkerPool
	codecs []string

	mu         sync.RWMutex
	routers    map[string]*Router    // keyed by tenant
	transports map[string]*Transport // keyed by transport ID
	producers  map[string]*Producer  // keyed by producer ID
	consumers  map[string]*Consumer  // keyed by consumer ID

	onPeerLost func(peerID, reason string)
}

// NewRegistry creates an empty Registry backed by pool, advertising codecs
// on every newly-created router.
func NewRegistry(pool WorkerPool, codecs []string) *Registry {
	return &Registry{
		pool:       pool,
		codecs:     codecs,
		routers:    make(map[string]*Router),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
}

// SetOnPeerLost registers the callback invoked when a worker dies and a
// peer's transports are found to live on it, per §4.1's
// "peer-disconnected" cascade.
func (r *Registry) SetOnPeerLost(fn func(peerID, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPeerLost = fn
}

// SetCodecs updates the codec list advertised to routers created from now
// on, for cmd/gateway's config-file hot-reload path. Routers that already
// exist keep the capability set they were created with for the life of the
// process, including when ReplaceRouterWorker moves them onto a new worker;
// only tenants whose router is first created after the call get the new list.
func (r *Registry) SetCodecs(codecs []string) error {
	if err := ValidateCodecList(codecs); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs = codecs
	return nil
}

// GetOrCreateRouter returns the cached router for tenant, creating one on
// a freshly-selected worker if this is the first access.
func (r *Registry) GetOrCreateRouter(tenant string) (*Router, error) {
	r.mu.RLock()
	if router, ok := r.routers[tenant]; ok {
		r.mu.RUnlock()
		return router, nil
	}
	r.mu.RUnlock()

	if err := ValidateCodecList(r.codecs); err != nil {
		return nil, err
	}

	worker, err := r.pool.NextWorker()
	if err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeInternal, "select worker: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock in case of a concurrent first access.
	if router, ok := r.routers[tenant]; ok {
		return router, nil
	}
	router := NewRouter(tenant, worker.ID(), DefaultCapabilities(r.codecs))
	r.routers[tenant] = router
	return router, nil
}

// ReplaceRouterWorker is called when a router's worker has died: a new
// router is created on the replacement worker, and the dead router's
// transports are returned so the caller can notify their peers.
func (r *Registry) ReplaceRouterWorker(tenant string, newWorker Worker) (lostTransportIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.routers[tenant]
	if !ok {
		return nil
	}
	lostTransportIDs = old.TransportIDs()
	r.routers[tenant] = NewRouter(tenant, newWorker.ID(), old.Capabilities)
	return lostTransportIDs
}

// CreateTransport creates a Transport for peerID on tenant's router,
// delegating the actual ICE/DTLS setup to the router's worker.
func (r *Registry) CreateTransport(tenant, peerID string, direction Direction) (*Transport, error) {
	router, err := r.GetOrCreateRouter(tenant)
	if err != nil {
		return nil, err
	}

	worker, err := r.workerFor(router.WorkerID)
	if err != nil {
		return nil, err
	}

	ice, dtls, err := worker.CreateTransport(router.ID, direction)
	if err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeInternal, "create transport: %v", err)
	}

	t := NewTransport(router.ID, peerID, worker.ID(), direction, ice, dtls)

	r.mu.Lock()
	r.transports[t.ID] = t
	r.mu.Unlock()

	router.AddTransport(t.ID)
	return t, nil
}

// ConnectTransport completes DTLS for an existing transport. Fails
// already-connected if called twice, transport-not-found if id is unknown.
func (r *Registry) ConnectTransport(id string, dtls DTLSParameters) error {
	t, err := r.getTransport(id)
	if err != nil {
		return err
	}
	if err := t.BeginConnect(); err != nil {
		return err
	}

	worker, err := r.workerFor(t.WorkerID)
	if err != nil {
		return err
	}
	if err := worker.ConnectTransport(id, dtls); err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "connect transport: %v", err)
	}
	t.MarkConnected()
	return nil
}

// Produce binds an RTP ingress to transportID.
func (r *Registry) Produce(transportID string, kind Kind, params RTPParameters) (*Producer, error) {
	t, err := r.getTransport(transportID)
	if err != nil {
		return nil, err
	}

	worker, err := r.workerFor(t.WorkerID)
	if err != nil {
		return nil, err
	}
	if err := worker.Produce(transportID, kind, params); err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeInternal, "produce: %v", err)
	}

	p := NewProducer(transportID, kind, params)
	r.mu.Lock()
	r.producers[p.ID] = p
	r.mu.Unlock()
	t.AddProducer(p)
	return p, nil
}

// Consume binds an RTP egress to transportID, sourced from producerID.
// Rejects incompatible-capabilities if the client's capabilities cannot
// render the producer's negotiated parameters. Always starts paused.
func (r *Registry) Consume(transportID, producerID string, clientCaps RTPCapabilities) (*Consumer, error) {
	t, err := r.getTransport(transportID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	producer, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok {
		return nil, gatewayerr.New(gatewayerr.CodeProducerNotFound, "producer not found")
	}

	if !canConsume(clientCaps, producer.Params) {
		return nil, gatewayerr.New(gatewayerr.CodeIncompatibleCapabilities, "client cannot consume producer's codec")
	}

	worker, err := r.workerFor(t.WorkerID)
	if err != nil {
		return nil, err
	}
	consumerID := uuid.NewString()
	params, err := worker.Consume(transportID, producerID, consumerID, clientCaps)
	if err != nil {
		return nil, gatewayerr.Newf(gatewayerr.CodeInternal, "consume: %v", err)
	}

	c := NewConsumer(consumerID, transportID, producerID, producer.Kind, params)
	r.mu.Lock()
	r.consumers[c.ID] = c
	r.mu.Unlock()
	t.AddConsumer(c)
	return c, nil
}

// ResumeConsumer un-pauses a consumer.
func (r *Registry) ResumeConsumer(id string) error {
	c, t, err := r.getConsumer(id)
	if err != nil {
		return err
	}
	worker, err := r.workerFor(t.WorkerID)
	if err != nil {
		return err
	}
	if err := worker.ResumeConsumer(id); err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "resume consumer: %v", err)
	}
	c.Resume()
	return nil
}

// PauseConsumer pauses a consumer.
func (r *Registry) PauseConsumer(id string) error {
	c, t, err := r.getConsumer(id)
	if err != nil {
		return err
	}
	worker, err := r.workerFor(t.WorkerID)
	if err != nil {
		return err
	}
	if err := worker.PauseConsumer(id); err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "pause consumer: %v", err)
	}
	c.Pause()
	return nil
}

// CloseTransport tears down a transport and cascades the close to its
// producers and consumers, removing all of them from the registry. Safe to
// call twice.
func (r *Registry) CloseTransport(id string) error {
	r.mu.Lock()
	t, ok := r.transports[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.transports, id)
	r.mu.Unlock()

	t.TransitionClosed(string(TransportStateClosed))
	r.cascadeTransportClose(t)

	if worker, err := r.workerFor(t.WorkerID); err == nil {
		_ = worker.CloseTransport(id)
	}
	return nil
}

// cascadeTransportClose removes every producer/consumer that referenced t,
// enforcing the invariant that after a transport close completes, no
// dependent entries remain in any registry.
func (r *Registry) cascadeTransportClose(t *Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	closedProducers := make(map[string]struct{})
	for _, p := range t.Producers() {
		closedProducers[p.ID] = struct{}{}
		delete(r.producers, p.ID)
	}
	for _, c := range t.Consumers() {
		delete(r.consumers, c.ID)
	}
	// producer close cascades to consumers anywhere in the registry that
	// reference it, per "producer close → consumer close" in §4.3, even
	// when the consumer lives on a transport other than the one closed.
	for id, c := range r.consumers {
		if _, ok := closedProducers[c.ProducerID]; ok {
			delete(r.consumers, id)
		}
	}
}

// RemoveTransportsForWorker is invoked when a worker is found dead: every
// transport it owned is closed and cascaded, and their owning peer IDs are
// returned (deduplicated) for a peer-disconnected notification.
func (r *Registry) RemoveTransportsForWorker(workerID string) []string {
	r.mu.Lock()
	var affected []*Transport
	for id, t := range r.transports {
		if t.WorkerID == workerID {
			affected = append(affected, t)
			delete(r.transports, id)
		}
	}
	r.mu.Unlock()

	seen := make(map[string]struct{})
	var peerIDs []string
	for _, t := range affected {
		t.TransitionClosed(string(TransportStateFailed))
		r.cascadeTransportClose(t)
		if _, ok := seen[t.PeerID]; !ok {
			seen[t.PeerID] = struct{}{}
			peerIDs = append(peerIDs, t.PeerID)
		}
	}
	return peerIDs
}

// HandleWorkerLost runs the full §4.1 worker-death cascade for workerID:
// every transport it owned is closed (notifying each affected peer via
// the onPeerLost callback with reason), and every tenant router pinned to
// it is rotated onto a freshly-selected worker so the next
// GetOrCreateRouter for that tenant doesn't keep handing out routers on a
// dead process. Called from the worker pool's own death notification,
// not from inside a registry mutation, so it's fine for this to take the
// lock itself.
func (r *Registry) HandleWorkerLost(workerID, reason string) {
	peerIDs := r.RemoveTransportsForWorker(workerID)

	r.mu.RLock()
	cb := r.onPeerLost
	r.mu.RUnlock()
	if cb != nil {
		for _, peerID := range peerIDs {
			cb(peerID, reason)
		}
	}

	r.mu.Lock()
	var tenants []string
	for tenant, router := range r.routers {
		if router.WorkerID == workerID {
			tenants = append(tenants, tenant)
		}
	}
	r.mu.Unlock()

	for _, tenant := range tenants {
		newWorker, err := r.pool.NextWorker()
		if err != nil {
			slog.Warn("[media] no healthy worker available to replace router", "tenant", tenant, "worker_id", workerID, "error", err)
			continue
		}
		r.ReplaceRouterWorker(tenant, newWorker)
	}
}

// CloseTransportsForPeer closes every transport owned by peerID, used
// when a peer's signaling socket disconnects so its media resources
// don't outlive it.
func (r *Registry) CloseTransportsForPeer(peerID string) {
	r.mu.RLock()
	var ids []string
	for id, t := range r.transports {
		if t.PeerID == peerID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.CloseTransport(id)
	}
}

// TransportOwner returns the peer ID that owns transportID, for a caller
// (internal/peer) that needs to reject a cross-peer operation before it
// ever reaches the worker.
func (r *Registry) TransportOwner(transportID string) (peerID string, err error) {
	t, err := r.getTransport(transportID)
	if err != nil {
		return "", err
	}
	return t.PeerID, nil
}

// ConsumerOwner returns the peer ID that owns consumerID's transport, for
// the same cross-peer-rejection purpose as TransportOwner.
func (r *Registry) ConsumerOwner(consumerID string) (peerID string, err error) {
	_, t, err := r.getConsumer(consumerID)
	if err != nil {
		return "", err
	}
	return t.PeerID, nil
}

func (r *Registry) getTransport(id string) (*Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[id]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.CodeTransportNotFound, "transport not found")
	}
	return t, nil
}

func (r *Registry) getConsumer(id string) (*Consumer, *Transport, error) {
	r.mu.RLock()
	c, ok := r.consumers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, gatewayerr.New(gatewayerr.CodeTransportNotFound, "consumer not found")
	}
	t, err := r.getTransport(c.TransportID)
	if err != nil {
		return nil, nil, err
	}
	return c, t, nil
}

func (r *Registry) workerFor(workerID string) (Worker, error) {
	worker, err := r.pool.WorkerByID(workerID)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.CodeMediaWorkerLost, "no healthy media worker available")
	}
	return worker, nil
}

// Stats is a snapshot of registry sizes for the control plane.
type Stats struct {
	Routers    int
	Transports int
	Producers  int
	Consumers  int
}

// Snapshot returns current registry sizes without holding the lock across
// any suspension point.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Routers:    len(r.routers),
		Transports: len(r.transports),
		Producers:  len(r.producers),
		Consumers:  len(r.consumers),
	}
}
