package runtime

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInvocationContext(payload []byte) *InvocationContext {
	logger := zerolog.Nop()
	return &InvocationContext{
		Invocation:      Invocation{RequestID: "req-1", Payload: payload},
		InvocationCount: 1,
		Logger:          &logger,
	}
}

func TestBytesHandler(t *testing.T) {
	h := BytesHandler(func(ctx context.Context, ictx *InvocationContext, payload []byte) ([]byte, error) {
		return append([]byte("echo: "), payload...), nil
	}).AsHandler()

	result := h.Invoke(context.Background(), testInvocationContext([]byte("hi")))
	require.Nil(t, result.Err)
	assert.Equal(t, "echo: hi", string(result.Bytes))
}

func TestBytesHandler_Error(t *testing.T) {
	h := BytesHandler(func(ctx context.Context, ictx *InvocationContext, payload []byte) ([]byte, error) {
		return nil, errors.New("boom")
	}).AsHandler()

	result := h.Invoke(context.Background(), testInvocationContext(nil))
	require.NotNil(t, result.Err)
	assert.Equal(t, UnhandledErrorType, result.Err.ErrorType)
	assert.Contains(t, result.Err.ErrorMessage, "boom")
}

type testEvent struct {
	Name string `json:"name"`
}

type testOutput struct {
	Greeting string `json:"greeting"`
}

func TestCodableHandler(t *testing.T) {
	h := CodableHandler(DefaultCodec, func(ctx context.Context, ictx *InvocationContext, e testEvent) (testOutput, error) {
		return testOutput{Greeting: "hello " + e.Name}, nil
	})

	result := h.Invoke(context.Background(), testInvocationContext([]byte(`{"name":"world"}`)))
	require.Nil(t, result.Err)
	assert.JSONEq(t, `{"greeting":"hello world"}`, string(result.Bytes))
}

func TestCodableHandler_DecodeError(t *testing.T) {
	h := CodableHandler(DefaultCodec, func(ctx context.Context, ictx *InvocationContext, e testEvent) (testOutput, error) {
		return testOutput{}, nil
	})

	result := h.Invoke(context.Background(), testInvocationContext([]byte(`not json`)))
	require.NotNil(t, result.Err)
}

type fakeSink struct {
	captured []byte
	err      error
}

func (s *fakeSink) Stream(ctx context.Context, requestID string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.captured = data
	return s.err
}

func TestStreamingHandler_WithSink(t *testing.T) {
	h := StreamingHandler(func(ctx context.Context, ictx *InvocationContext, w ResponseWriter) error {
		_ = w.WriteStatusAndHeaders(StreamPrelude{StatusCode: 200})
		_, err := w.Write([]byte("chunk1"))
		return err
	})

	sink := &fakeSink{}
	result := h.AsHandler(sink).Invoke(context.Background(), testInvocationContext(nil))

	require.Nil(t, result.Err)
	assert.True(t, result.StreamComplete)
	assert.Contains(t, string(sink.captured), "chunk1")
	assert.Contains(t, string(sink.captured), `"statusCode":200`)
}

func TestStreamingHandler_NoSinkBuffers(t *testing.T) {
	h := StreamingHandler(func(ctx context.Context, ictx *InvocationContext, w ResponseWriter) error {
		_, err := w.Write([]byte("buffered"))
		return err
	})

	result := h.AsHandler(nil).Invoke(context.Background(), testInvocationContext(nil))
	require.Nil(t, result.Err)
	assert.Contains(t, string(result.Bytes), "buffered")
}

func TestStreamingHandler_FailsBeforeWriting(t *testing.T) {
	h := StreamingHandler(func(ctx context.Context, ictx *InvocationContext, w ResponseWriter) error {
		return errors.New("init failed")
	})

	sink := &fakeSink{}
	result := h.AsHandler(sink).Invoke(context.Background(), testInvocationContext(nil))
	require.NotNil(t, result.Err)
	assert.Contains(t, result.Err.ErrorMessage, "init failed")
}

func TestBackgroundTaskHandler_NoSinkBuffersAndWaitsForContinuation(t *testing.T) {
	continued := make(chan struct{})
	h := BackgroundTaskHandler[testEvent, testOutput](func(ctx context.Context, ictx *InvocationContext, e testEvent, w OutputWriter[testOutput]) error {
		if err := w.Write(testOutput{Greeting: "hi " + e.Name}); err != nil {
			return err
		}
		close(continued)
		return nil
	}).AsHandler(DefaultCodec, nil)

	result := h.Invoke(context.Background(), testInvocationContext([]byte(`{"name":"bg"}`)))
	require.Nil(t, result.Err)
	assert.Nil(t, result.Deferred)
	assert.JSONEq(t, `{"greeting":"hi bg"}`, string(result.Bytes))

	select {
	case <-continued:
	default:
		t.Fatal("background continuation did not run before Invoke returned")
	}
}

func TestBackgroundTaskHandler_WithSinkPostsEarlyAndDefersContinuation(t *testing.T) {
	proceed := make(chan struct{})
	continued := make(chan struct{})
	sink := &fakeSink{}
	h := BackgroundTaskHandler[testEvent, testOutput](func(ctx context.Context, ictx *InvocationContext, e testEvent, w OutputWriter[testOutput]) error {
		if err := w.Write(testOutput{Greeting: "hi " + e.Name}); err != nil {
			return err
		}
		// Background work: held open until the test explicitly releases
		// it, so Invoke returning cannot be racing against it finishing.
		<-proceed
		close(continued)
		return nil
	}).AsHandler(DefaultCodec, sink)

	result := h.Invoke(context.Background(), testInvocationContext([]byte(`{"name":"bg"}`)))
	require.Nil(t, result.Err)
	assert.True(t, result.StreamComplete)
	assert.JSONEq(t, `{"greeting":"hi bg"}`, string(sink.captured))
	require.NotNil(t, result.Deferred)

	select {
	case <-continued:
		t.Fatal("background continuation completed before Invoke returned")
	default:
	}

	close(proceed)
	<-result.Deferred.Done()
	assert.NoError(t, result.Deferred.Err())
	<-continued
}

func TestBackgroundTaskHandler_ReturnsWithoutWrite(t *testing.T) {
	h := BackgroundTaskHandler[testEvent, testOutput](func(ctx context.Context, ictx *InvocationContext, e testEvent, w OutputWriter[testOutput]) error {
		return nil
	}).AsHandler(DefaultCodec, nil)

	result := h.Invoke(context.Background(), testInvocationContext([]byte(`{"name":"x"}`)))
	require.NotNil(t, result.Err)
}

func TestBackgroundTaskHandler_ErrorBeforeWrite(t *testing.T) {
	h := BackgroundTaskHandler[testEvent, testOutput](func(ctx context.Context, ictx *InvocationContext, e testEvent, w OutputWriter[testOutput]) error {
		return errors.New("setup failed")
	}).AsHandler(DefaultCodec, nil)

	result := h.Invoke(context.Background(), testInvocationContext([]byte(`{"name":"x"}`)))
	require.NotNil(t, result.Err)
	assert.Contains(t, result.Err.ErrorMessage, "setup failed")
}
