// Package mwrpc is the gRPC service contract between the gateway's worker
// pool (internal/workerpool) and its spawned cmd/mediaworker subprocesses.
// It replaces a hand-rolled length-prefixed JSON-over-stdio protocol with
// real google.golang.org/grpc framing, multiplexing, and health checking,
// carrying JSON payloads through a custom grpc codec instead of protobuf
// so neither side needs a protoc-generated .pb.go (see DESIGN.md).
package mwrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is negotiated on every call via grpc.CallContentSubtype so the
// connection never falls back to grpc's default "proto" codec, which
// cannot marshal the plain Go structs below.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec (previously encoding.Codec's
// predecessor encoding.CodecV2 is not needed; grpc still dispatches the V1
// interface to registered codecs) over encoding/json, the same marshaler
// the rest of the gateway's wire formats use.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }
