package runtime

import (
	"time"

	"github.com/rs/zerolog"
)

// Invocation is an immutable record delivered by the control plane's /next
// endpoint.
type Invocation struct {
	RequestID           string
	DeadlineMs          int64
	InvokedFunctionArn  string
	TraceID             string
	ClientContext       string
	CognitoIdentity     string
	Payload             []byte
}

// InvocationContext is the per-invocation view exposed to handler code. It
// wraps an Invocation with a request-scoped logger and a monotonic counter.
type InvocationContext struct {
	Invocation

	// InvocationCount is 1-based and strictly increases by one per
	// dispatched invocation for the lifetime of the process.
	InvocationCount int64

	// Logger is tagged with the invocation's request_id.
	Logger *zerolog.Logger

	deadline time.Time
}

// RemainingTime returns the time left before DeadlineMs, computed against
// wall-clock time at call time. It may be negative if the deadline has
// already elapsed.
func (c *InvocationContext) RemainingTime() time.Duration {
	return time.Until(c.deadline)
}

// ErrorEnvelope is the canonical Lambda error payload. Field order is
// significant on the wire: errorType always precedes errorMessage.
type ErrorEnvelope struct {
	ErrorType    string
	ErrorMessage string
}

// UnhandledErrorType is the errorType every envelope produced by this
// runtime uses; handler-specific error taxonomy is not forwarded to the
// control plane, only the flattened message is.
const UnhandledErrorType = "Unhandled Error"

// NewUnhandledError builds the canonical envelope for a Go error.
func NewUnhandledError(err error) ErrorEnvelope {
	return ErrorEnvelope{ErrorType: UnhandledErrorType, ErrorMessage: err.Error()}
}

// HandlerResult is the tagged outcome of a dispatched invocation.
type HandlerResult struct {
	// Bytes holds the buffered response body. Valid only when Err is nil
	// and StreamComplete is false.
	Bytes []byte

	// StreamComplete is true when a streaming adapter has already flushed
	// and finished the response body itself; Bytes is ignored.
	StreamComplete bool

	// Err, when non-nil, means the handler failed and Bytes/StreamComplete
	// must be ignored.
	Err *ErrorEnvelope

	// Deferred, when non-nil, signals background work that outlives the
	// response already delivered above. It has two independent readers —
	// the Runtime Loop's next-dispatch gate and its invocation-context
	// release — so completion is broadcast via Done()/Err() rather than a
	// single-receive channel.
	Deferred *BackgroundCompletion
}

// BackgroundCompletion reports the outcome of a background-task
// continuation, mirroring context.Context's Done/Err shape so it supports
// more than one independent reader.
type BackgroundCompletion struct {
	done chan struct{}
	err  error
}

func newBackgroundCompletion() *BackgroundCompletion {
	return &BackgroundCompletion{done: make(chan struct{})}
}

// finish records err and unblocks every reader waiting on Done. Must be
// called exactly once.
func (b *BackgroundCompletion) finish(err error) {
	b.err = err
	close(b.done)
}

// Done closes once the background continuation has returned.
func (b *BackgroundCompletion) Done() <-chan struct{} { return b.done }

// Err is only meaningful after Done has closed.
func (b *BackgroundCompletion) Err() error { return b.err }

// ResultOk builds a successful, buffered HandlerResult.
func ResultOk(b []byte) HandlerResult {
	return HandlerResult{Bytes: b}
}

// ResultStreamed builds a successful HandlerResult for a response that was
// already streamed to the control plane by a streaming adapter.
func ResultStreamed() HandlerResult {
	return HandlerResult{StreamComplete: true}
}

// ResultErr builds a failed HandlerResult.
func ResultErr(env ErrorEnvelope) HandlerResult {
	return HandlerResult{Err: &env}
}
