package media

import (
	"sync"

	"github.com/google/uuid"
)

// Router multiplexes RTP for one tenant. It is lazily created on first use
// and cached for the lifetime of the process; if its owning worker dies, a
// replacement Router is created on a new worker and the old one's
// transports are considered lost (the Registry handles that cascade).
type Router struct {
	ID           string
	Tenant       string
	WorkerID     string
	Capabilities RTPCapabilities

	mu           sync.RWMutex
	transportIDs map[string]struct{}
}

// NewRouter creates a Router for tenant, bound to workerID, advertising
// caps.
func NewRouter(tenant, workerID string, caps RTPCapabilities) *Router {
	return &Router{
		ID:           uuid.NewString(),
		Tenant:       tenant,
		WorkerID:     workerID,
		Capabilities: caps,
		transportIDs: make(map[string]struct{}),
	}
}

// AddTransport records a transport as owned by this router.
func (r *Router) AddTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transportIDs[id] = struct{}{}
}

// RemoveTransport drops a transport from this router's bookkeeping.
func (r *Router) RemoveTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transportIDs, id)
}

// TransportIDs returns a snapshot of the transport IDs currently owned by
// this router.
func (r *Router) TransportIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transportIDs))
	for id := range r.transportIDs {
		out = append(out, id)
	}
	return out
}
