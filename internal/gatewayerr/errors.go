// Package gatewayerr defines the typed error taxonomy shared by every
// component that can surface a failure across the signaling, SIP, or HTTP
// boundary.
package gatewayerr

import "fmt"

// Code identifies one of the error kinds in the wire taxonomy. Clients match
// on Code, never on Message text.
type Code string

const (
	CodeAuthFailed              Code = "auth-failed"
	CodeMissingCredentials      Code = "missing-credentials"
	CodeNotRegistered           Code = "not-registered"
	CodeAlreadyRegistered       Code = "already-registered"
	CodeInvalidPhoneNumber      Code = "invalid-phone-number"
	CodeIncompatibleCapabilities Code = "incompatible-capabilities"
	CodeTransportNotFound       Code = "transport-not-found"
	CodeProducerNotFound        Code = "producer-not-found"
	CodePeerNotFound            Code = "peer-not-found"
	CodeCallNotFound            Code = "call-not-found"
	CodeBusy                    Code = "busy"
	CodeNotEstablished          Code = "not-established"
	CodeAlreadyTerminated       Code = "already-terminated"
	CodeAlreadyConnected        Code = "already-connected"
	CodeNoAnswer                Code = "no-answer"
	CodeRejected                Code = "rejected"
	CodeTransportUnavailable    Code = "transport-unavailable"
	CodeMediaWorkerLost         Code = "media-worker-lost"
	CodeTimeout                Code = "timeout"
	CodePortRangeInvalid        Code = "port-range-invalid"
	CodeWorkerSpawnFailed       Code = "worker-spawn-failed"
	CodeCodecUnsupported        Code = "codec-unsupported"
	CodeNotImplemented          Code = "not-implemented"
	CodeInternal                Code = "internal"
)

// fatalCodes terminate the connection they occur on rather than riding back
// on an RPC reply. Everything else is a per-RPC error.
var fatalCodes = map[Code]bool{
	CodeAuthFailed:         true,
	CodeMissingCredentials: true,
	CodeMediaWorkerLost:    true,
}

// Error is the gateway's error type. It implements error and carries the
// wire-visible {code, message, details?} shape described in the external
// interface.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details map[string]any) *Error {
	c := *e
	c.Details = details
	return &c
}

// IsFatal reports whether an error of this code terminates the connection
// it was raised on (socket close, peer teardown) as opposed to riding back
// as a per-RPC reply.
func IsFatal(code Code) bool {
	return fatalCodes[code]
}

// As extracts a *Error from a generic error, wrapping unknown errors as
// CodeInternal. Used at the boundary of request handlers so that every
// unhandled panic/error still produces a well-formed wire error.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*Error); ok {
		return ge
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// Wire is the JSON shape sent to clients: {code, message, details?}.
type Wire struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToWire converts an Error to its wire representation.
func (e *Error) ToWire() Wire {
	return Wire{Code: e.Code, Message: e.Message, Details: e.Details}
}
