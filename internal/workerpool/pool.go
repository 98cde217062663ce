package workerpool

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/media"
)

// restartBackoff is the fixed delay before a replacement worker is spawned
// into a dead worker's slot, per §4.1 ("short linear backoff (~2s)").
const restartBackoff = 2 * time.Second

// Config describes how to spawn each media worker subprocess.
type Config struct {
	Count    int
	BinPath  string
	Args     []string
}

// Pool owns N worker slots, restarting a dead worker's subprocess after a
// fixed backoff and load-balancing CreateRouter-driving NextWorker calls
// round-robin across the currently-healthy ones.
type Pool struct {
	cfg Config

	mu      sync.RWMutex
	workers []*worker // index is the logical slot; replaced in place on death
	next    atomic.Uint64

	onWorkerLost func(workerID string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New spawns cfg.Count workers and returns a Pool supervising them. It
// requires at least one worker to start successfully.
func New(cfg Config) (*Pool, error) {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	p := &Pool{cfg: cfg, stopCh: make(chan struct{})}

	p.workers = make([]*worker, cfg.Count)
	started := 0
	for i := 0; i < cfg.Count; i++ {
		slot := i
		w, err := spawnWorker(slotID(slot), cfg.BinPath, cfg.Args, func(id string) { p.handleWorkerDied(slot) })
		if err != nil {
			slog.Warn("[Pool] failed to spawn media worker", "slot", slot, "error", err)
			continue
		}
		p.workers[slot] = w
		started++
	}
	if started == 0 {
		return nil, fmt.Errorf("worker-spawn-failed: no media workers started")
	}

	slog.Info("[Pool] media worker pool initialized", "total", cfg.Count, "started", started)
	return p, nil
}

func slotID(slot int) string {
	return fmt.Sprintf("worker-%d", slot)
}

// SetOnWorkerLost registers the callback invoked (with the dead worker's
// ID) once it has actually died, before the replacement backoff begins.
func (p *Pool) SetOnWorkerLost(fn func(workerID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWorkerLost = fn
}

func (p *Pool) handleWorkerDied(slot int) {
	p.mu.RLock()
	dead := p.workers[slot]
	cb := p.onWorkerLost
	p.mu.RUnlock()

	if dead == nil {
		return
	}
	if cb != nil {
		cb(dead.id)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-time.After(restartBackoff):
		case <-p.stopCh:
			return
		}
		p.respawn(slot)
	}()
}

func (p *Pool) respawn(slot int) {
	w, err := spawnWorker(slotID(slot), p.cfg.BinPath, p.cfg.Args, func(id string) { p.handleWorkerDied(slot) })
	if err != nil {
		slog.Warn("[Pool] failed to respawn media worker, retrying", "slot", slot, "error", err)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			select {
			case <-time.After(restartBackoff):
			case <-p.stopCh:
				return
			}
			p.respawn(slot)
		}()
		return
	}

	p.mu.Lock()
	p.workers[slot] = w
	p.mu.Unlock()
	slog.Info("[Pool] media worker replaced", "slot", slot, "worker_id", w.id)
}

// NextWorker picks a healthy worker round-robin.
func (p *Pool) NextWorker() (media.Worker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	healthy := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil && w.Healthy() {
			healthy = append(healthy, w)
		}
	}
	if len(healthy) == 0 {
		return nil, gatewayerr.New(gatewayerr.CodeMediaWorkerLost, "no healthy media workers available")
	}

	idx := p.next.Add(1) % uint64(len(healthy))
	return healthy[idx], nil
}

// WorkerByID resolves a specific worker for session-affinity routing of an
// operation on a transport/producer/consumer it already owns.
func (p *Pool) WorkerByID(id string) (media.Worker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		if w != nil && w.id == id {
			if !w.Healthy() {
				return nil, gatewayerr.New(gatewayerr.CodeMediaWorkerLost, "media worker is dead")
			}
			return w, nil
		}
	}
	return nil, gatewayerr.New(gatewayerr.CodeMediaWorkerLost, "media worker not found")
}

// Ready reports whether at least one worker is healthy.
func (p *Pool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		if w != nil && w.Healthy() {
			return true
		}
	}
	return false
}

// Stats summarizes pool health for the control plane.
type Stats struct {
	Total   int
	Healthy int
}

// Snapshot returns current pool health counts.
func (p *Pool) Snapshot() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Stats{Total: len(p.workers)}
	for _, w := range p.workers {
		if w != nil && w.Healthy() {
			s.Healthy++
		}
	}
	return s
}

// Close stops accepting restarts and kills every live worker subprocess.
func (p *Pool) Close() error {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w != nil {
			w.kill()
		}
	}
	return nil
}

var _ media.WorkerPool = (*Pool)(nil)
