package mediaworker

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/media"
	"github.com/sebas/gateway/internal/mwrpc"
)

// Config bounds what transports this worker may negotiate; it mirrors
// §4.1's configuration contract (RTC port range, announced IP).
type Config struct {
	ListenIP    string
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16
}

// Server is the media worker's RPC-serving side: it owns a pion webrtc.API
// configured per Config, a flat transport table, and implements
// mwrpc.Handler so a *grpc.Server can dispatch the gateway's
// create_transport/connect_transport/produce/consume/resume_consumer/
// pause_consumer/close_transport calls into it.
type Server struct {
	api *webrtc.API

	mu         sync.Mutex
	transports map[string]*transport

	health *health.Server
}

// NewServer builds the pion API from cfg and returns a Server not yet
// attached to any listener.
func NewServer(cfg Config) (*Server, error) {
	se := webrtc.SettingEngine{}
	if cfg.MinPort != 0 && cfg.MaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("port-range-invalid: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	return &Server{
		api:        api,
		transports: make(map[string]*transport),
		health:     health.NewServer(),
	}, nil
}

// Serve registers this Server's mwrpc.Handler and the standard gRPC health
// service onto a new *grpc.Server and blocks accepting connections on lis
// (a unix-domain socket dialed by internal/workerpool) until the listener
// closes or the process is killed.
func (s *Server) Serve(lis net.Listener) error {
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(mwrpc.LoggingUnaryInterceptor))
	mwrpc.RegisterHandler(grpcServer, s)
	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.health.SetServingStatus(mwrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return grpcServer.Serve(lis)
}

func (s *Server) CreateTransport(ctx context.Context, req *mwrpc.CreateTransportRequest) (*mwrpc.CreateTransportResponse, error) {
	t, err := newTransport(s.api, req.RouterID, media.Direction(req.Direction))
	if err != nil {
		return nil, err
	}
	t.onDTLSClosed = s.handleTransportDTLSClosed

	ice, err := t.localICEParameters()
	if err != nil {
		return nil, err
	}
	dtls, err := t.localDTLSParameters()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.transports[t.id] = t
	s.mu.Unlock()

	return &mwrpc.CreateTransportResponse{TransportID: t.id, ICE: ice, DTLS: dtls}, nil
}

func (s *Server) handleTransportDTLSClosed(transportID, reason string) {
	s.mu.Lock()
	t, ok := s.transports[transportID]
	if ok {
		delete(s.transports, transportID)
	}
	s.mu.Unlock()
	if ok {
		_ = t.close()
	}
}

func (s *Server) ConnectTransport(ctx context.Context, req *mwrpc.ConnectTransportRequest) (*mwrpc.ConnectTransportResponse, error) {
	t, err := s.getTransport(req.TransportID)
	if err != nil {
		return nil, err
	}
	if err := t.connect(req.DTLS); err != nil {
		return nil, err
	}
	return &mwrpc.ConnectTransportResponse{}, nil
}

func (s *Server) Produce(ctx context.Context, req *mwrpc.ProduceRequest) (*mwrpc.ProduceResponse, error) {
	t, err := s.getTransport(req.TransportID)
	if err != nil {
		return nil, err
	}
	prod := newProducer(req.Kind, req.Params)
	t.addProducer(prod)
	if err := t.startProducer(prod); err != nil {
		return nil, err
	}
	return &mwrpc.ProduceResponse{ProducerID: prod.id}, nil
}

func (s *Server) Consume(ctx context.Context, req *mwrpc.ConsumeRequest) (*mwrpc.ConsumeResponse, error) {
	t, err := s.getTransport(req.TransportID)
	if err != nil {
		return nil, err
	}
	prod, ok := t.getProducer(req.ProducerID)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.CodeProducerNotFound, "producer not found: "+req.ProducerID)
	}

	cons := newConsumer(req.ConsumerID, req.ProducerID, prod.kind, prod.params)
	t.addConsumer(cons)

	ch := prod.subscribe(cons.id)
	if err := t.startConsumer(cons, ch); err != nil {
		return nil, err
	}

	return &mwrpc.ConsumeResponse{Params: prod.params}, nil
}

func (s *Server) ResumeConsumer(ctx context.Context, req *mwrpc.ConsumerIDRequest) (*mwrpc.Empty, error) {
	c, err := s.findConsumer(req.ConsumerID)
	if err != nil {
		return nil, err
	}
	c.resume()
	return &mwrpc.Empty{}, nil
}

func (s *Server) PauseConsumer(ctx context.Context, req *mwrpc.ConsumerIDRequest) (*mwrpc.Empty, error) {
	c, err := s.findConsumer(req.ConsumerID)
	if err != nil {
		return nil, err
	}
	c.pause()
	return &mwrpc.Empty{}, nil
}

func (s *Server) CloseTransport(ctx context.Context, req *mwrpc.TransportIDRequest) (*mwrpc.Empty, error) {
	s.mu.Lock()
	t, ok := s.transports[req.TransportID]
	if ok {
		delete(s.transports, req.TransportID)
	}
	s.mu.Unlock()
	if !ok {
		return &mwrpc.Empty{}, nil
	}
	return &mwrpc.Empty{}, t.close()
}

func (s *Server) getTransport(id string) (*transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transports[id]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.CodeTransportNotFound, "transport not found: "+id)
	}
	return t, nil
}

func (s *Server) findConsumer(id string) (*consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transports {
		if c, ok := t.getConsumer(id); ok {
			return c, nil
		}
	}
	return nil, gatewayerr.New(gatewayerr.CodeTransportNotFound, "consumer not found: "+id)
}

var _ mwrpc.Handler = (*Server)(nil)
