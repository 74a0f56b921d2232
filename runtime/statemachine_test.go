package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep_HappyPath(t *testing.T) {
	s := newInitialState(0)

	s, act, err := step(s, event{kind: eventConnect})
	require.NoError(t, err)
	assert.Equal(t, stateStarting, s.kind)
	assert.Equal(t, actionConnect, act.kind)

	s, act, err = step(s, event{kind: eventConnected})
	require.NoError(t, err)
	assert.Equal(t, stateStarting, s.kind)
	assert.Equal(t, actionWait, act.kind)

	s, act, err = step(s, event{kind: eventHandlerInitialized})
	require.NoError(t, err)
	assert.Equal(t, stateStarted, s.kind)
	assert.Equal(t, actionFireStartupSuccess, act.kind)

	s, act, err = step(s, event{kind: eventStartupReported})
	require.NoError(t, err)
	assert.Equal(t, stateRunningWaitingForNext, s.kind)
	assert.Equal(t, actionGetNext, act.kind)

	inv := &Invocation{RequestID: "req-1"}
	s, act, err = step(s, event{kind: eventNextReceived, invocation: inv})
	require.NoError(t, err)
	assert.Equal(t, stateRunningHandling, s.kind)
	assert.Equal(t, actionInvokeHandler, act.kind)
	assert.Equal(t, int64(1), act.invocationCount)
	assert.Equal(t, "req-1", act.requestID)

	result := &HandlerResult{Bytes: []byte("ok")}
	s, act, err = step(s, event{kind: eventInvocationCompleted, result: result})
	require.NoError(t, err)
	assert.Equal(t, stateRunningReportingResult, s.kind)
	assert.Equal(t, actionReportInvocationResult, act.kind)

	s, act, err = step(s, event{kind: eventAcceptedReceived})
	require.NoError(t, err)
	assert.Equal(t, stateRunningWaitingForNext, s.kind)
	assert.Equal(t, actionGetNext, act.kind)
	assert.False(t, s.fatal)
}

func TestStep_HandlerInitializedBeforeConnected(t *testing.T) {
	s := newInitialState(0)
	s, _, err := step(s, event{kind: eventConnect})
	require.NoError(t, err)

	s, act, err := step(s, event{kind: eventHandlerInitialized})
	require.NoError(t, err)
	assert.Equal(t, stateStarting, s.kind)
	assert.Equal(t, actionWait, act.kind)
	assert.True(t, s.startingHandlerReady)

	s, act, err = step(s, event{kind: eventConnected})
	require.NoError(t, err)
	assert.Equal(t, stateStarted, s.kind)
	assert.Equal(t, actionFireStartupSuccess, act.kind)
}

func TestStep_InitErrorBeforeConnected(t *testing.T) {
	s := newInitialState(0)
	s, _, err := step(s, event{kind: eventConnect})
	require.NoError(t, err)

	initErr := InitError(assert.AnError)
	s, act, err := step(s, event{kind: eventHandlerFailedToInitialize, err: initErr})
	require.NoError(t, err)
	assert.Equal(t, stateStarting, s.kind)
	assert.Equal(t, actionWait, act.kind)

	s, act, err = step(s, event{kind: eventConnected})
	require.NoError(t, err)
	assert.Equal(t, stateReportingInitError, s.kind)
	assert.Equal(t, actionReportInitializationError, act.kind)

	s, act, err = step(s, event{kind: eventAcceptedReceived})
	require.NoError(t, err)
	assert.Equal(t, stateReportingInitErrorToChannel, s.kind)
	assert.Equal(t, actionFireStartupFailure, act.kind)

	s, act, err = step(s, event{kind: eventStartupFailureReported})
	require.NoError(t, err)
	assert.Equal(t, stateShuttingDown, s.kind)
	assert.True(t, s.fatal)
	assert.True(t, act.fatal)

	s, act, err = step(s, event{kind: eventChannelInactive})
	require.NoError(t, err)
	assert.Equal(t, stateShutdown, s.kind)
	assert.Equal(t, actionFireChannelInactive, act.kind)
	assert.True(t, act.fatal)
}

func TestStep_TransportErrorAlwaysFatal(t *testing.T) {
	cases := []struct {
		name string
		s    state
	}{
		{"waiting for next", state{kind: stateRunningWaitingForNext}},
		{"handling", state{kind: stateRunningHandling}},
		{"reporting result", state{kind: stateRunningReportingResult}},
		{"starting", state{kind: stateStarting}},
		{"started", state{kind: stateStarted}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, act, err := step(tc.s, event{kind: eventTransportError, err: TransportError(assert.AnError, "boom")})
			require.NoError(t, err)
			assert.Equal(t, stateShuttingDown, s.kind)
			assert.True(t, s.fatal)
			assert.Equal(t, actionCloseConnection, act.kind)
			assert.True(t, act.fatal)

			s, act, err = step(s, event{kind: eventChannelInactive})
			require.NoError(t, err)
			assert.Equal(t, stateShutdown, s.kind)
			assert.True(t, act.fatal)
		})
	}
}

func TestStep_CleanShutdownIsNotFatal(t *testing.T) {
	s := state{kind: stateRunningWaitingForNext}
	s, act, err := step(s, event{kind: eventCloseRequested})
	require.NoError(t, err)
	assert.Equal(t, stateShuttingDown, s.kind)
	assert.False(t, act.fatal)

	s, act, err = step(s, event{kind: eventChannelInactive})
	require.NoError(t, err)
	assert.Equal(t, stateShutdown, s.kind)
	assert.False(t, act.fatal)
}

func TestStep_MaxInvocationsStopsAfterReport(t *testing.T) {
	s := state{kind: stateRunningReportingResult, invocationCount: 3, maxInvocations: 3}
	s, act, err := step(s, event{kind: eventAcceptedReceived})
	require.NoError(t, err)
	assert.Equal(t, stateShuttingDown, s.kind)
	assert.Equal(t, actionCloseConnection, act.kind)
	assert.False(t, act.fatal)
}

func TestStep_CloseRequestedDuringHandlingDefersToReport(t *testing.T) {
	s := state{kind: stateRunningHandling, requestID: "req-1"}
	s, act, err := step(s, event{kind: eventCloseRequested})
	require.NoError(t, err)
	assert.Equal(t, stateRunningHandling, s.kind)
	assert.Equal(t, actionWait, act.kind)
	assert.True(t, s.markShutdown)

	s, act, err = step(s, event{kind: eventInvocationCompleted, result: &HandlerResult{Bytes: []byte("x")}})
	require.NoError(t, err)
	assert.Equal(t, stateRunningReportingResult, s.kind)
	assert.Equal(t, actionReportInvocationResult, act.kind)

	s, act, err = step(s, event{kind: eventAcceptedReceived})
	require.NoError(t, err)
	assert.Equal(t, stateShuttingDown, s.kind)
	assert.Equal(t, actionCloseConnection, act.kind)
	assert.False(t, act.fatal)
}

func TestStep_UnexpectedEventIsProtocolError(t *testing.T) {
	s := state{kind: stateRunningWaitingForNext}
	_, _, err := step(s, event{kind: eventStartupReported})
	require.Error(t, err)

	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindProtocol, rerr.Kind)
}

func TestStep_ChannelInactiveOutOfContractIsFatal(t *testing.T) {
	s := state{kind: stateStarted}
	s, act, err := step(s, event{kind: eventChannelInactive})
	require.NoError(t, err)
	assert.Equal(t, stateShuttingDown, s.kind)
	assert.True(t, s.fatal)
	assert.True(t, act.fatal)
	assert.Equal(t, actionCloseConnection, act.kind)
}
