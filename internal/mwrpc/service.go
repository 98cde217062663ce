package mwrpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"

	"github.com/sebas/gateway/internal/media"
)

// ServiceName is this service's full gRPC name, the same role a
// protoc-generated package-qualified service name plays; there is no .proto
// file behind it, only the grpc.ServiceDesc below.
const ServiceName = "mediaworker.v1.MediaWorker"

// Handler is implemented by the media worker subprocess
// (internal/mediaworker.Server) and invoked by the grpc.Server registered
// through RegisterHandler.
type Handler interface {
	CreateTransport(ctx context.Context, req *CreateTransportRequest) (*CreateTransportResponse, error)
	ConnectTransport(ctx context.Context, req *ConnectTransportRequest) (*ConnectTransportResponse, error)
	Produce(ctx context.Context, req *ProduceRequest) (*ProduceResponse, error)
	Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResponse, error)
	ResumeConsumer(ctx context.Context, req *ConsumerIDRequest) (*Empty, error)
	PauseConsumer(ctx context.Context, req *ConsumerIDRequest) (*Empty, error)
	CloseTransport(ctx context.Context, req *TransportIDRequest) (*Empty, error)
}

type CreateTransportRequest struct {
	RouterID  string `json:"router_id"`
	Direction string `json:"direction"`
}

type CreateTransportResponse struct {
	TransportID string               `json:"transport_id"`
	ICE         media.ICEParameters  `json:"ice"`
	DTLS        media.DTLSParameters `json:"dtls"`
}

type ConnectTransportRequest struct {
	TransportID string               `json:"transport_id"`
	DTLS        media.DTLSParameters `json:"dtls"`
}

type ConnectTransportResponse struct{}

type ProduceRequest struct {
	TransportID string              `json:"transport_id"`
	Kind        media.Kind          `json:"kind"`
	Params      media.RTPParameters `json:"params"`
}

type ProduceResponse struct {
	ProducerID string `json:"producer_id"`
}

type ConsumeRequest struct {
	TransportID string                `json:"transport_id"`
	ProducerID  string                `json:"producer_id"`
	ConsumerID  string                `json:"consumer_id"`
	Caps        media.RTPCapabilities `json:"caps"`
}

type ConsumeResponse struct {
	Params media.RTPParameters `json:"params"`
}

type ConsumerIDRequest struct {
	ConsumerID string `json:"consumer_id"`
}

type TransportIDRequest struct {
	TransportID string `json:"transport_id"`
}

// Empty is the response for RPCs that only ever succeed or fail, mirroring
// the teacher's use of empty protobuf messages for acknowledgement-only
// replies.
type Empty struct{}

// RegisterHandler registers srv's service onto s using a hand-authored
// grpc.ServiceDesc in place of a protoc-generated one: the Handler field
// of each grpc.MethodDesc below decodes its request with whatever codec
// the connection negotiated (the JSON codec in codec.go), so no .pb.go
// stub or protoc invocation is needed to get real grpc framing.
func RegisterHandler(s *grpc.Server, srv Handler) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateTransport", Handler: unaryHandler(func(h Handler, ctx context.Context, req *CreateTransportRequest) (any, error) {
			return h.CreateTransport(ctx, req)
		})},
		{MethodName: "ConnectTransport", Handler: unaryHandler(func(h Handler, ctx context.Context, req *ConnectTransportRequest) (any, error) {
			return h.ConnectTransport(ctx, req)
		})},
		{MethodName: "Produce", Handler: unaryHandler(func(h Handler, ctx context.Context, req *ProduceRequest) (any, error) {
			return h.Produce(ctx, req)
		})},
		{MethodName: "Consume", Handler: unaryHandler(func(h Handler, ctx context.Context, req *ConsumeRequest) (any, error) {
			return h.Consume(ctx, req)
		})},
		{MethodName: "ResumeConsumer", Handler: unaryHandler(func(h Handler, ctx context.Context, req *ConsumerIDRequest) (any, error) {
			return h.ResumeConsumer(ctx, req)
		})},
		{MethodName: "PauseConsumer", Handler: unaryHandler(func(h Handler, ctx context.Context, req *ConsumerIDRequest) (any, error) {
			return h.PauseConsumer(ctx, req)
		})},
		{MethodName: "CloseTransport", Handler: unaryHandler(func(h Handler, ctx context.Context, req *TransportIDRequest) (any, error) {
			return h.CloseTransport(ctx, req)
		})},
	},
	Metadata: "internal/mwrpc/service.go",
}

// unaryHandler adapts a typed (Handler, context.Context, *Req) -> (any,
// error) call into the untyped grpc.methodHandler shape grpc.MethodDesc
// requires, the same role protoc-gen-go-grpc's generated _Handler
// functions play for a compiled .proto.
func unaryHandler[Req any](call func(Handler, context.Context, *Req) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		h := srv.(Handler)
		if interceptor == nil {
			return call(h, ctx, req)
		}
		fullMethod := "/" + ServiceName
		if m, ok := grpc.Method(ctx); ok {
			fullMethod = m
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return call(h, ctx, req.(*Req))
		})
	}
}

// Client calls a Handler's methods over a *grpc.ClientConn, using
// cc.Invoke directly in place of a generated client stub (grpc exposes
// ClientConn.Invoke precisely so callers can do this without protoc).
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an already-dialed connection (internal/workerpool dials
// a unix socket to the spawned subprocess) as an mwrpc.Client.
func NewClient(cc *grpc.ClientConn) *Client { return &Client{cc: cc} }

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName))
}

func (c *Client) CreateTransport(ctx context.Context, req *CreateTransportRequest) (*CreateTransportResponse, error) {
	resp := new(CreateTransportResponse)
	if err := c.invoke(ctx, "CreateTransport", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ConnectTransport(ctx context.Context, req *ConnectTransportRequest) (*ConnectTransportResponse, error) {
	resp := new(ConnectTransportResponse)
	if err := c.invoke(ctx, "ConnectTransport", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Produce(ctx context.Context, req *ProduceRequest) (*ProduceResponse, error) {
	resp := new(ProduceResponse)
	if err := c.invoke(ctx, "Produce", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResponse, error) {
	resp := new(ConsumeResponse)
	if err := c.invoke(ctx, "Consume", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ResumeConsumer(ctx context.Context, req *ConsumerIDRequest) error {
	return c.invoke(ctx, "ResumeConsumer", req, new(Empty))
}

func (c *Client) PauseConsumer(ctx context.Context, req *ConsumerIDRequest) error {
	return c.invoke(ctx, "PauseConsumer", req, new(Empty))
}

func (c *Client) CloseTransport(ctx context.Context, req *TransportIDRequest) error {
	return c.invoke(ctx, "CloseTransport", req, new(Empty))
}

// LoggingUnaryInterceptor logs each inbound RPC's method name, grounded on
// the teacher's cmd/rtpmanager loggingUnaryInterceptor.
func LoggingUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	slog.Debug("[mediaworker] rpc", "method", info.FullMethod)
	return handler(ctx, req)
}
