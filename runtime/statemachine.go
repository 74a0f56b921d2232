package runtime

// stateKind enumerates the runtime's lifecycle states. The handler value
// itself is never stored here — the Runtime Loop owns it and the state
// machine only tracks whether it is ready.
type stateKind int

const (
	stateInitialized stateKind = iota
	stateStarting
	stateStarted
	stateRunningWaitingForNext
	stateRunningHandling
	stateRunningReportingResult
	stateReportingInitError
	stateReportingInitErrorToChannel
	stateShuttingDown
	stateShutdown
)

// state is the pure state-machine's variable. maxInvocations is threaded
// through transitions as static configuration rather than recomputed, so
// Step stays a pure function of (state, event).
type state struct {
	kind stateKind

	// stateStarting
	startingConnected    bool
	startingHandlerReady bool
	startingHandlerErr   error

	// stateReportingInitError / stateReportingInitErrorToChannel
	initErr error

	// stateRunning*
	requestID       string
	invocationCount int64
	markShutdown    bool

	// fatal is set when ShuttingDown was entered because of a
	// TransportError (or an out-of-contract ChannelInactive) rather than
	// a clean shutdown, so the eventual FireChannelInactive action can
	// tell the Runtime Loop which exit code to use.
	fatal bool

	maxInvocations int64
}

// newInitialState returns the entry RuntimeState, configured with the
// bound on successful invocations before the runtime shuts itself down.
func newInitialState(maxInvocations int64) state {
	return state{kind: stateInitialized, maxInvocations: maxInvocations}
}

// eventKind enumerates the lifecycle events lists.
type eventKind int

const (
	eventConnect eventKind = iota
	eventConnected
	eventHandlerInitialized
	eventHandlerFailedToInitialize
	eventStartupReported
	eventStartupFailureReported
	eventNextReceived
	eventInvocationCompleted
	eventAcceptedReceived
	eventCloseRequested
	eventChannelInactive
	eventTransportError
)

type event struct {
	kind       eventKind
	err        error
	invocation *Invocation
	result     *HandlerResult
}

// actionKind enumerates the side effects the Runtime Loop executes in
// response to a Step.
type actionKind int

const (
	actionConnect actionKind = iota
	actionFireStartupSuccess
	actionFireStartupFailure
	actionGetNext
	actionInvokeHandler
	actionReportInvocationResult
	actionReportInitializationError
	actionCloseConnection
	actionFireChannelInactive
	actionWait
)

type action struct {
	kind actionKind

	err             error
	invocation      *Invocation
	result          *HandlerResult
	requestID       string
	invocationCount int64

	// fatal marks a CloseConnection/FireChannelInactive action caused by
	// a TransportError (or an out-of-contract ChannelInactive), so the
	// Runtime Loop knows to exit non-zero once the connection is torn
	// down, instead of the clean-shutdown exit code 0 path.
	fatal bool
}

// step is the pure (State, Event) -> (State', Action) transition function.
// Any (state, event) pair not covered here is a protocol violation: the
// caller must treat the returned error as fatal.
func step(s state, e event) (state, action, error) {
	switch s.kind {

	case stateInitialized:
		if e.kind == eventConnect {
			s.kind = stateStarting
			return s, action{kind: actionConnect}, nil
		}

	case stateStarting:
		switch e.kind {
		case eventConnected:
			s.startingConnected = true
			if s.startingHandlerErr != nil {
				s.kind = stateReportingInitError
				s.initErr = s.startingHandlerErr
				return s, action{kind: actionReportInitializationError, err: s.initErr}, nil
			}
			if s.startingHandlerReady {
				s.kind = stateStarted
				return s, action{kind: actionFireStartupSuccess}, nil
			}
			return s, action{kind: actionWait}, nil

		case eventHandlerInitialized:
			s.startingHandlerReady = true
			if s.startingConnected {
				s.kind = stateStarted
				return s, action{kind: actionFireStartupSuccess}, nil
			}
			return s, action{kind: actionWait}, nil

		case eventHandlerFailedToInitialize:
			s.startingHandlerErr = e.err
			if s.startingConnected {
				s.kind = stateReportingInitError
				s.initErr = e.err
				return s, action{kind: actionReportInitializationError, err: s.initErr}, nil
			}
			return s, action{kind: actionWait}, nil

		case eventTransportError:
			s.kind = stateShuttingDown
			s.fatal = true
			return s, action{kind: actionCloseConnection, err: e.err, fatal: true}, nil
		}

	case stateStarted:
		switch e.kind {
		case eventStartupReported:
			s.kind = stateRunningWaitingForNext
			return s, action{kind: actionGetNext}, nil
		case eventTransportError:
			s.kind = stateShuttingDown
			s.fatal = true
			return s, action{kind: actionCloseConnection, err: e.err, fatal: true}, nil
		}

	case stateReportingInitError:
		switch e.kind {
		case eventAcceptedReceived:
			s.kind = stateReportingInitErrorToChannel
			return s, action{kind: actionFireStartupFailure, err: s.initErr}, nil
		case eventTransportError:
			s.kind = stateShuttingDown
			s.fatal = true
			return s, action{kind: actionCloseConnection, err: e.err, fatal: true}, nil
		}

	case stateReportingInitErrorToChannel:
		switch e.kind {
		case eventStartupFailureReported:
			s.kind = stateShuttingDown
			s.fatal = true
			return s, action{kind: actionCloseConnection, fatal: true}, nil
		case eventTransportError:
			s.kind = stateShuttingDown
			s.fatal = true
			return s, action{kind: actionCloseConnection, err: e.err, fatal: true}, nil
		}

	case stateRunningWaitingForNext:
		switch e.kind {
		case eventNextReceived:
			s.invocationCount++
			s.requestID = e.invocation.RequestID
			s.kind = stateRunningHandling
			return s, action{
				kind:            actionInvokeHandler,
				invocation:      e.invocation,
				requestID:       s.requestID,
				invocationCount: s.invocationCount,
			}, nil
		case eventCloseRequested:
			s.kind = stateShuttingDown
			return s, action{kind: actionCloseConnection}, nil
		case eventChannelInactive:
			s.kind = stateShutdown
			return s, action{kind: actionFireChannelInactive}, nil
		case eventTransportError:
			s.kind = stateShuttingDown
			s.fatal = true
			return s, action{kind: actionCloseConnection, err: e.err, fatal: true}, nil
		}

	case stateRunningHandling:
		switch e.kind {
		case eventInvocationCompleted:
			s.kind = stateRunningReportingResult
			return s, action{
				kind:      actionReportInvocationResult,
				requestID: s.requestID,
				result:    e.result,
			}, nil
		case eventCloseRequested:
			s.markShutdown = true
			return s, action{kind: actionWait}, nil
		case eventTransportError:
			s.kind = stateShuttingDown
			s.fatal = true
			return s, action{kind: actionCloseConnection, err: e.err, fatal: true}, nil
		}

	case stateRunningReportingResult:
		switch e.kind {
		case eventAcceptedReceived:
			if s.markShutdown || (s.maxInvocations > 0 && s.invocationCount == s.maxInvocations) {
				s.kind = stateShuttingDown
				return s, action{kind: actionCloseConnection}, nil
			}
			s.kind = stateRunningWaitingForNext
			return s, action{kind: actionGetNext}, nil
		case eventCloseRequested:
			s.markShutdown = true
			return s, action{kind: actionWait}, nil
		case eventTransportError:
			s.kind = stateShuttingDown
			s.fatal = true
			return s, action{kind: actionCloseConnection, err: e.err, fatal: true}, nil
		}

	case stateShuttingDown:
		switch e.kind {
		case eventChannelInactive:
			s.kind = stateShutdown
			return s, action{kind: actionFireChannelInactive, fatal: s.fatal}, nil
		}

	case stateShutdown:
		// terminal; no events expected.
	}

	// Any (state, event) pair not matched above is a protocol violation,
	// except ChannelInactive arriving somewhere other than ShuttingDown /
	// Running(WaitingForNext): calls that an unexpected
	// server hangup rather than a programming bug, surfaced as a fatal
	// TransportError instead of aborting.
	if e.kind == eventChannelInactive {
		s.kind = stateShuttingDown
		s.fatal = true
		return s, action{kind: actionCloseConnection, fatal: true}, nil
	}

	return s, action{}, ProtocolError("state machine: event %d invalid in state %d", e.kind, s.kind)
}
