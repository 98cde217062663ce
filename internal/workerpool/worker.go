// Package workerpool supervises N media worker subprocesses, load-balances
// router creation across them round-robin, and restarts any that die,
// grounded on the teacher's services/signaling/transport.Pool — talking
// internal/mwrpc's gRPC service over a unix-domain socket to a spawned
// cmd/mediaworker process in place of gRPC to a separately-deployed
// binary (see DESIGN.md for the adaptation).
package workerpool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/sebas/gateway/internal/media"
	"github.com/sebas/gateway/internal/mwrpc"
)

// healthCheckInterval is how often a worker's gRPC health endpoint is
// polled, grounded on the teacher's transport.Pool.HealthCheckInterval.
const healthCheckInterval = 5 * time.Second

// worker wraps one spawned mediaworker subprocess: its OS process handle
// and the gRPC connection dialed to its unix-domain socket.
type worker struct {
	id         string
	binPath    string
	args       []string
	socketPath string

	cmd *exec.Cmd
	cc  *grpc.ClientConn
	rpc *mwrpc.Client

	healthy atomic.Bool

	onDied func(workerID string)

	once sync.Once
	done chan struct{}
}

func spawnWorker(id, binPath string, args []string, onDied func(string)) (*worker, error) {
	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("gateway-mediaworker-%s-%d.sock", id, os.Getpid()))
	_ = os.Remove(socketPath)

	fullArgs := make([]string, 0, len(args)+2)
	fullArgs = append(fullArgs, args...)
	fullArgs = append(fullArgs, "-socket", socketPath)

	cmd := exec.Command(binPath, fullArgs...)
	cmd.Stderr = stderrLogWriter{workerID: id}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker-spawn-failed: %w", err)
	}

	cc, err := grpc.NewClient("unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(mwrpc.CodecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("worker-spawn-failed: dialing %s: %w", socketPath, err)
	}

	w := &worker{
		id:         id,
		binPath:    binPath,
		args:       args,
		socketPath: socketPath,
		cmd:        cmd,
		cc:         cc,
		rpc:        mwrpc.NewClient(cc),
		onDied:     onDied,
		done:       make(chan struct{}),
	}
	w.healthy.Store(true)

	go w.waitForExit()
	go w.healthLoop()

	return w, nil
}

func (w *worker) waitForExit() {
	_ = w.cmd.Wait()
	w.markDead()
}

// healthLoop polls the worker's gRPC health service (internal/mwrpc's
// standard google.golang.org/grpc/health.Server) and marks the worker dead
// if it ever reports anything other than SERVING, in addition to the
// process-exit detection in waitForExit.
func (w *worker) healthLoop() {
	client := healthpb.NewHealthClient(w.cc)
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: mwrpc.ServiceName})
			cancel()
			if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
				w.markDead()
				return
			}
		}
	}
}

func (w *worker) markDead() {
	if w.healthy.CompareAndSwap(true, false) {
		slog.Warn("[Worker] media worker died", "worker_id", w.id)
		w.once.Do(func() { close(w.done) })
		if w.onDied != nil {
			w.onDied(w.id)
		}
	}
}

func (w *worker) ID() string { return w.id }

func (w *worker) Healthy() bool { return w.healthy.Load() }

func (w *worker) kill() {
	w.once.Do(func() { close(w.done) })
	_ = w.cc.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = os.Remove(w.socketPath)
}

// stderrLogWriter forwards a worker subprocess's stderr into the gateway's
// own structured log stream, bracket-prefixed per component.
type stderrLogWriter struct {
	workerID string
}

func (s stderrLogWriter) Write(p []byte) (int, error) {
	slog.Warn("[Worker] stderr", "worker_id", s.workerID, "line", string(p))
	return len(p), nil
}

var _ io.Writer = stderrLogWriter{}

func (w *worker) CreateTransport(routerID string, direction media.Direction) (media.ICEParameters, media.DTLSParameters, error) {
	resp, err := w.rpc.CreateTransport(context.Background(), &mwrpc.CreateTransportRequest{RouterID: routerID, Direction: string(direction)})
	if err != nil {
		return media.ICEParameters{}, media.DTLSParameters{}, err
	}
	return resp.ICE, resp.DTLS, nil
}

func (w *worker) ConnectTransport(transportID string, dtls media.DTLSParameters) error {
	_, err := w.rpc.ConnectTransport(context.Background(), &mwrpc.ConnectTransportRequest{TransportID: transportID, DTLS: dtls})
	return err
}

func (w *worker) Produce(transportID string, kind media.Kind, params media.RTPParameters) error {
	_, err := w.rpc.Produce(context.Background(), &mwrpc.ProduceRequest{TransportID: transportID, Kind: kind, Params: params})
	return err
}

func (w *worker) Consume(transportID, producerID, consumerID string, caps media.RTPCapabilities) (media.RTPParameters, error) {
	resp, err := w.rpc.Consume(context.Background(), &mwrpc.ConsumeRequest{TransportID: transportID, ProducerID: producerID, ConsumerID: consumerID, Caps: caps})
	if err != nil {
		return media.RTPParameters{}, err
	}
	return resp.Params, nil
}

func (w *worker) ResumeConsumer(consumerID string) error {
	return w.rpc.ResumeConsumer(context.Background(), &mwrpc.ConsumerIDRequest{ConsumerID: consumerID})
}

func (w *worker) PauseConsumer(consumerID string) error {
	return w.rpc.PauseConsumer(context.Background(), &mwrpc.ConsumerIDRequest{ConsumerID: consumerID})
}

func (w *worker) CloseTransport(transportID string) error {
	return w.rpc.CloseTransport(context.Background(), &mwrpc.TransportIDRequest{TransportID: transportID})
}

var _ media.Worker = (*worker)(nil)
