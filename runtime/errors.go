package runtime

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrorKind classifies why the runtime is reporting a failure.
type ErrorKind int

const (
	// KindTransport covers connection failures, unexpected HTTP statuses,
	// missing required headers, and truncated bodies.
	KindTransport ErrorKind = iota
	// KindProtocol covers state-machine precondition violations (a bug in
	// the runtime itself).
	KindProtocol
	// KindInit covers a handler factory that failed to produce a handler.
	KindInit
	// KindInvocation covers a handler that returned an error for a given
	// invocation.
	KindInvocation
	// KindDecode covers a Codable adapter failing to decode the event.
	KindDecode
	// KindEncode covers a Codable adapter failing to encode the output.
	KindEncode
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindInit:
		return "init"
	case KindInvocation:
		return "invocation"
	case KindDecode:
		return "decode"
	case KindEncode:
		return "encode"
	default:
		return "unknown"
	}
}

// RuntimeError wraps an eris-traced error with the ErrorKind the
// propagation policy dispatches on. Use errors.As to recover it from an
// error chain.
type RuntimeError struct {
	Kind ErrorKind
	err  error
}

func (e *RuntimeError) Error() string { return e.err.Error() }
func (e *RuntimeError) Unwrap() error { return e.err }

// newError builds a traced RuntimeError of the given kind.
func newError(kind ErrorKind, format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: kind, err: eris.New(fmt.Sprintf(format, args...))}
}

// wrapError wraps an existing error with an eris stack frame, tagging it
// with kind.
func wrapError(kind ErrorKind, err error, msg string) *RuntimeError {
	if err == nil {
		return nil
	}
	return &RuntimeError{Kind: kind, err: eris.Wrap(err, msg)}
}

// TransportError reports a control-plane I/O or framing failure.
func TransportError(err error, msg string) *RuntimeError { return wrapError(KindTransport, err, msg) }

// ProtocolError reports a state-machine precondition violation. This
// always indicates a bug in the runtime, never in handler code.
func ProtocolError(format string, args ...any) *RuntimeError {
	return newError(KindProtocol, format, args...)
}

// InitError reports a handler factory failure.
func InitError(err error) *RuntimeError { return wrapError(KindInit, err, "handler initialization failed") }

// InvocationFailure reports a handler error for a dispatched invocation.
func InvocationFailure(err error) *RuntimeError { return wrapError(KindInvocation, err, "handler invocation failed") }

// DecodeError reports a Codable adapter decode failure.
func DecodeError(err error) *RuntimeError { return wrapError(KindDecode, err, "decode event failed") }

// EncodeError reports a Codable adapter encode failure.
func EncodeError(err error) *RuntimeError { return wrapError(KindEncode, err, "encode response failed") }

// Envelope flattens a RuntimeError into the wire ErrorEnvelope. The eris
// stack trace stays in the error's in-process representation (for
// structured logging) and is never serialized to the control plane.
func (e *RuntimeError) Envelope() ErrorEnvelope {
	return NewUnhandledError(e)
}
