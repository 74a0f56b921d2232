package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Loop drives the State Machine, owning the handler, the Control-Plane
// Client, and the Wire Codec. It is single-threaded cooperative by
// contract: at any moment at most one control-plane request and at
// most one handler invocation are outstanding, and every event it
// reacts to is processed serially off a single channel.
type Loop struct {
	cfg     Config
	factory Factory
	codec   Codec

	client *client

	baseLogger zerolog.Logger

	handler Handler

	events chan event
}

// NewLoop builds a Loop bound to cfg and factory. The Loop's codec is
// always DefaultCodec; adapters take their Codec from their own
// constructors (CodableHandler, BackgroundTaskHandler.AsHandler), not from
// the Loop.
func NewLoop(cfg Config, factory Factory) *Loop {
	return &Loop{
		cfg:        cfg,
		factory:    factory,
		codec:      DefaultCodec,
		baseLogger: NewBaseLogger(cfg.LogLevel, cfg.FunctionName),
		events:     make(chan event, 4),
	}
}

// Run drives the runtime to completion: connection + handler startup,
// the invoke/report cycle, and shutdown. It returns a process exit code
// per ("0 on clean shutdown ... non-zero on init failure or
// unrecoverable transport error").
func (l *Loop) Run(ctx context.Context) int {
	l.client = newClient(l.cfg.endpoint(), l.cfg.RequestTimeout)

	st := newInitialState(l.cfg.MaxInvocations)

	// Kick off Connect + concurrent handler construction.
	l.events <- event{kind: eventConnect}

	done := ctx.Done()
	for {
		select {
		case <-done:
			// only act on cancellation once; otherwise a closed Done
			// channel stays selectable forever and starves l.events.
			done = nil
			l.requestClose()
		case e := <-l.events:
			next, act, err := step(st, e)
			if err != nil {
				l.baseLogger.Error().Err(err).Msg("protocol violation, aborting")
				return 1
			}
			st = next

			if st.kind == stateShutdown {
				l.executeTerminal(act)
				if act.fatal {
					return 1
				}
				return 0
			}

			l.execute(ctx, act)
		}
	}
}

// requestClose enqueues a CloseRequested event without blocking. Run calls
// it at most once, on the first cancellation of its context. The state
// machine answers CloseRequested with CloseConnection in
// Running(WaitingForNext) and with Wait while an invocation is in flight;
// in any other state it is a protocol violation.
func (l *Loop) requestClose() {
	select {
	case l.events <- event{kind: eventCloseRequested}:
	default:
	}
}

func (l *Loop) executeTerminal(act action) {
	if act.kind == actionFireChannelInactive {
		l.client.close()
	}
}

// execute performs the side effect named by act. I/O-bound actions run on
// their own goroutine and report completion back onto l.events; the Loop
// goroutine itself never blocks on them, preserving the single-threaded
// cooperative contract.
func (l *Loop) execute(ctx context.Context, act action) {
	switch act.kind {
	case actionConnect:
		go l.doConnect(ctx)
		go l.doInitHandler(ctx)

	case actionWait:
		// nothing to do until the next completion arrives.

	case actionFireStartupSuccess:
		l.baseLogger.Info().Msg("handler initialized")
		l.events <- event{kind: eventStartupReported}

	case actionFireStartupFailure:
		l.baseLogger.Error().Err(act.err).Msg("handler failed to initialize")
		l.events <- event{kind: eventStartupFailureReported}

	case actionGetNext:
		go l.doGetNext(ctx)

	case actionInvokeHandler:
		go l.doInvoke(ctx, act)

	case actionReportInvocationResult:
		go l.doReportResult(ctx, act)

	case actionReportInitializationError:
		go l.doReportInitError(ctx, act)

	case actionCloseConnection:
		go l.doClose(act)

	case actionFireChannelInactive:
		// handled by executeTerminal once the loop observes Shutdown.
	}
}

func (l *Loop) doConnect(ctx context.Context) {
	// The client's transport lazily dials on first use; only the attempt
	// needs to happen concurrently with handler construction, not an
	// actually-warmed connection. A cheap
	// TCP reachability probe stands in for "connection established" so
	// Connected/TransportError are reported promptly instead of being
	// discovered lazily on the first GetNext.
	if !isConnectionUsable(l.cfg.endpoint()) {
		l.events <- event{kind: eventTransportError, err: TransportError(errors.New("dial failed"), "control plane unreachable")}
		return
	}
	l.events <- event{kind: eventConnected}
}

func (l *Loop) doInitHandler(ctx context.Context) {
	h, err := l.factory(ctx)
	if err != nil {
		l.events <- event{kind: eventHandlerFailedToInitialize, err: InitError(err)}
		return
	}
	l.handler = h
	l.events <- event{kind: eventHandlerInitialized}
}

func (l *Loop) doGetNext(ctx context.Context) {
	inv, err := l.client.send(ctx, nextMessage())
	if err != nil {
		l.events <- event{kind: eventTransportError, err: err}
		return
	}
	l.events <- event{kind: eventNextReceived, invocation: inv}
}

func (l *Loop) doInvoke(ctx context.Context, act action) {
	logger := invocationLogger(&l.baseLogger, act.requestID, act.invocationCount)

	ictx := &InvocationContext{
		Invocation:      *act.invocation,
		InvocationCount: act.invocationCount,
		Logger:          &logger,
	}
	ictx.setDeadline(act.invocation.DeadlineMs)

	invokeCtx := ctx
	var cancel context.CancelFunc
	if deadline := ictx.deadlineTime(); !deadline.IsZero() {
		invokeCtx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		invokeCtx, cancel = context.WithCancel(ctx)
	}

	result := l.handler.Invoke(invokeCtx, ictx)

	if result.Deferred != nil {
		// A background-task adapter already posted the response and left
		// a continuation running under invokeCtx; releasing the deadline
		// the moment Invoke returns would cancel that continuation before
		// it gets a chance to run. Release it only once the continuation
		// itself reports completion.
		go func() {
			<-result.Deferred.Done()
			cancel()
		}()
	} else {
		cancel()
	}

	// Hop the continuation back onto the Loop's own execution context
	// before issuing the next state-machine step.
	l.events <- event{kind: eventInvocationCompleted, result: &result}
}

func (l *Loop) doReportResult(ctx context.Context, act action) {
	result := act.result

	if result.Err != nil {
		if _, err := l.client.send(ctx, invocationErrorMessage(act.requestID, *result.Err)); err != nil {
			l.events <- event{kind: eventTransportError, err: err}
			return
		}
		l.baseLogger.Error().Str("request_id", act.requestID).Str("error_type", result.Err.ErrorType).Msg("invocation failed")
		l.events <- event{kind: eventAcceptedReceived}
		return
	}

	if result.StreamComplete {
		// Already sent (streaming adapter, or a background-task adapter
		// that posted via Write). If a background continuation is still
		// running, its completion gates the next dispatch, not this
		// response.
		if result.Deferred != nil {
			<-result.Deferred.Done()
			if err := result.Deferred.Err(); err != nil {
				l.baseLogger.Error().Str("request_id", act.requestID).Err(err).Msg("background task continuation failed")
			}
		}
		l.baseLogger.Info().Str("request_id", act.requestID).Msg("invocation succeeded")
		l.events <- event{kind: eventAcceptedReceived}
		return
	}

	msg := invocationResponseMessage(act.requestID, newByteBody(result.Bytes), int64(len(result.Bytes)))
	if _, err := l.client.send(ctx, msg); err != nil {
		l.events <- event{kind: eventTransportError, err: err}
		return
	}
	l.baseLogger.Info().Str("request_id", act.requestID).Msg("invocation succeeded")
	l.events <- event{kind: eventAcceptedReceived}
}

func (l *Loop) doReportInitError(ctx context.Context, act action) {
	env := NewUnhandledError(act.err)
	if _, err := l.client.send(ctx, initErrorMessage(env)); err != nil {
		l.events <- event{kind: eventTransportError, err: err}
		return
	}
	l.events <- event{kind: eventAcceptedReceived}
}

func (l *Loop) doClose(act action) {
	l.client.close()
	l.events <- event{kind: eventChannelInactive}
}

// Stream implements StreamSink for the streaming adapter (handler.go):
// it is the Loop's own Control-Plane Client that ends up opening the
// streaming POST.
func (l *Loop) Stream(ctx context.Context, requestID string, body io.Reader) error {
	done, err := l.client.sendStreaming(ctx, requestID, body)
	if err != nil {
		return err
	}
	return <-done
}

func newByteBody(b []byte) io.Reader {
	return &staticBody{b: b}
}

type staticBody struct {
	b []byte
	i int
}

func (s *staticBody) Read(p []byte) (int, error) {
	if s.i >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.i:])
	s.i += n
	return n, nil
}

// setDeadline/deadlineTime keep the wall-clock deadline computation out
// of the public InvocationContext surface.
func (c *InvocationContext) setDeadline(deadlineMs int64) {
	c.deadline = time.UnixMilli(deadlineMs)
}

func (c *InvocationContext) deadlineTime() time.Time {
	return c.deadline
}
