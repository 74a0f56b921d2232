package runtime

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/rotisserie/eris"
)

// Handler is the byte-in/byte-out callable every adapter ultimately
// produces. A Handler must not be re-entered; the Runtime Loop
// guarantees at most one concurrent invocation.
type Handler interface {
	Invoke(ctx context.Context, ictx *InvocationContext) HandlerResult
}

// HandlerFunc adapts a bare function to Handler.
type HandlerFunc func(ctx context.Context, ictx *InvocationContext) HandlerResult

func (f HandlerFunc) Invoke(ctx context.Context, ictx *InvocationContext) HandlerResult {
	return f(ctx, ictx)
}

// Factory constructs the single Handler instance for the process. It is
// invoked at most once, concurrently with the initial connection attempt.
type Factory func(ctx context.Context) (Handler, error)

// --- 1. Bytes adapter --------------------------------------------------

// BytesHandler is the simplest adapter shape: raw payload in, raw bytes
// or an error out.
type BytesHandler func(ctx context.Context, ictx *InvocationContext, payload []byte) ([]byte, error)

// AsHandler adapts a BytesHandler to Handler.
func (f BytesHandler) AsHandler() Handler {
	return HandlerFunc(func(ctx context.Context, ictx *InvocationContext) HandlerResult {
		out, err := f(ctx, ictx, ictx.Payload)
		if err != nil {
			return ResultErr(InvocationFailure(err).Envelope())
		}
		return ResultOk(out)
	})
}

// --- 2. Codable adapter -------------------------------------------------

// Codec is the injected JSON collaborator for the Codable adapter. The
// default implementation is backed by github.com/go-json-experiment/json,
// the same JSON dependency the original repo already carries.
type Codec interface {
	Decode(data []byte, v any) error
	Encode(v any) ([]byte, error)
}

// DefaultCodec is the package-level Codec used when callers don't supply
// their own.
var DefaultCodec Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Decode(data []byte, v any) error {
	return jsonv2.Unmarshal(data, v)
}

func (jsonCodec) Encode(v any) ([]byte, error) {
	return jsonv2.Marshal(v)
}

// CodableHandler decodes the invocation payload into E, runs fn, and
// encodes the result back to bytes. Decode failures and encode failures
// both surface as invocation errors, never init errors.
func CodableHandler[E any, O any](codec Codec, fn func(ctx context.Context, ictx *InvocationContext, event E) (O, error)) Handler {
	if codec == nil {
		codec = DefaultCodec
	}
	return HandlerFunc(func(ctx context.Context, ictx *InvocationContext) HandlerResult {
		var event E
		if err := codec.Decode(ictx.Payload, &event); err != nil {
			return ResultErr(DecodeError(err).Envelope())
		}

		out, err := fn(ctx, ictx, event)
		if err != nil {
			return ResultErr(InvocationFailure(err).Envelope())
		}

		data, err := codec.Encode(out)
		if err != nil {
			return ResultErr(EncodeError(err).Envelope())
		}
		return ResultOk(data)
	})
}

// --- 3. Streaming adapter -----------------------------------------------

// StreamPrelude is the optional status/headers/cookies object emitted as
// the first bytes of a streaming response. It must be written, if at
// all, before any body bytes.
type StreamPrelude struct {
	StatusCode int
	Headers    map[string]string
	Cookies    []string
}

// ResponseWriter is exposed to streaming handlers. writeStatusAndHeaders
// is optional but, if used, must precede any Write call on the same
// session.
type ResponseWriter interface {
	WriteStatusAndHeaders(prelude StreamPrelude) error
	Write(p []byte) (int, error)
	Finish() error
}

// streamWriter is a direct, domain-renamed adaptation of the original
// internal/mlambda/http.go responseWriter: both build a JSON object
// incrementally with jsontext before any body bytes are allowed through,
// then hand the remaining bytes straight to the underlying sink. Here the
// JSON object is the spec's {statusCode, headers, cookies} prelude
// followed by a single NUL separator, and body bytes pass through raw
// instead of base64-encoded.
type streamWriter struct {
	mu           sync.Mutex
	w            io.Writer
	wroteAny     bool
	wrotePrelude bool
}

func newStreamWriter(w io.Writer) *streamWriter {
	return &streamWriter{w: w}
}

func (s *streamWriter) WriteStatusAndHeaders(prelude StreamPrelude) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wroteAny {
		return ProtocolError("streaming: writeStatusAndHeaders called after write")
	}
	return s.writePrelude(prelude)
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wrotePrelude {
		if err := s.writePrelude(StreamPrelude{StatusCode: 200}); err != nil {
			return 0, err
		}
	}
	s.wroteAny = true
	return s.w.Write(p)
}

func (s *streamWriter) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wrotePrelude {
		if err := s.writePrelude(StreamPrelude{StatusCode: 200}); err != nil {
			return err
		}
	}
	return nil
}

// writePrelude encodes prelude as a single JSON object literal followed
// by a NUL byte separator, written atomically so a concurrent Write
// cannot interleave before the prelude completes.
func (s *streamWriter) writePrelude(prelude StreamPrelude) error {
	var dst []byte
	dst = append(dst, '{')

	dst, _ = jsontext.AppendQuote(dst, "statusCode")
	dst = append(dst, ':')
	dst = append(dst, []byte(jsontext.Int(int64(prelude.StatusCode)).String())...)

	if len(prelude.Headers) > 0 {
		dst = append(dst, ',')
		dst, _ = jsontext.AppendQuote(dst, "headers")
		dst = append(dst, ':', '{')
		first := true
		for k, v := range prelude.Headers {
			if !first {
				dst = append(dst, ',')
			}
			first = false
			dst, _ = jsontext.AppendQuote(dst, k)
			dst = append(dst, ':')
			dst, _ = jsontext.AppendQuote(dst, v)
		}
		dst = append(dst, '}')
	}

	if len(prelude.Cookies) > 0 {
		dst = append(dst, ',')
		dst, _ = jsontext.AppendQuote(dst, "cookies")
		dst = append(dst, ':', '[')
		for i, c := range prelude.Cookies {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst, _ = jsontext.AppendQuote(dst, c)
		}
		dst = append(dst, ']')
	}

	dst = append(dst, '}', 0x00)

	s.wrotePrelude = true
	_, err := s.w.Write(dst)
	return err
}

// StreamingHandler receives a ResponseWriter instead of returning bytes.
type StreamingHandler func(ctx context.Context, ictx *InvocationContext, w ResponseWriter) error

// StreamSink is implemented by the Runtime Loop: it owns the
// Control-Plane Client and is the only thing allowed to open the
// streaming POST. Stream blocks until the control plane has accepted the
// full body.
type StreamSink interface {
	Stream(ctx context.Context, requestID string, body io.Reader) error
}

// AsHandler adapts a StreamingHandler to Handler, bridging the handler's
// push-style Write calls to the control-plane client's pull-style
// io.Reader body with io.Pipe, exactly as the original Server.doWork
// plumbing bridges its own response body. sink is supplied by the Runtime
// Loop (it is the only component with an open Control-Plane Client); it
// is nil only when a StreamingHandler is exercised outside the loop
// (e.g. in a unit test), in which case the body is buffered instead.
func (f StreamingHandler) AsHandler(sink StreamSink) Handler {
	return HandlerFunc(func(ctx context.Context, ictx *InvocationContext) HandlerResult {
		pr, pw := io.Pipe()
		sw := newStreamWriter(pw)

		done := make(chan error, 1)
		go func() {
			err := f(ctx, ictx, sw)
			if err == nil {
				err = sw.Finish()
			}
			if err != nil {
				_ = pw.CloseWithError(err)
			} else {
				_ = pw.Close()
			}
			done <- err
		}()

		if sink == nil {
			data, _ := io.ReadAll(pr)
			if err := <-done; err != nil {
				return ResultErr(InvocationFailure(err).Envelope())
			}
			return ResultOk(data)
		}

		// Mirror the original Server.doWork: peek the first byte (or
		// EOF) before opening the POST, so a handler that fails before
		// producing any output reports an invocation error instead of an
		// incomplete streamed response.
		bufReader := bufio.NewReader(pr)
		if _, err := bufReader.Peek(1); err != nil && err != io.EOF {
			<-done
			return ResultErr(InvocationFailure(err).Envelope())
		}

		if err := sink.Stream(ctx, ictx.RequestID, bufReader); err != nil {
			<-done
			return ResultErr(TransportError(err, "streaming response failed").Envelope())
		}
		if err := <-done; err != nil {
			return ResultErr(InvocationFailure(err).Envelope())
		}
		return ResultStreamed()
	})
}

// --- 4. Background-task adapter -----------------------------------------

// OutputWriter flushes the response to the control plane immediately;
// handler code that runs after Write returns is background work whose
// completion defers the next /next but not the response delivery itself.
type OutputWriter[O any] interface {
	Write(value O) error
}

// outputWriter posts through sink the moment Write is called, reusing the
// streaming adapter's StreamSink rather than buffering: the response
// reaches the control plane before the background continuation runs, not
// after it. sink is nil only when the handler is exercised outside the
// Runtime Loop (e.g. in a unit test), in which case Write falls back to
// buffering the encoded value for the caller to return synchronously.
type outputWriter[O any] struct {
	codec     Codec
	sink      StreamSink
	ctx       context.Context
	requestID string

	once    sync.Once
	flushed chan HandlerResult
}

func (w *outputWriter[O]) Write(value O) error {
	data, err := w.codec.Encode(value)
	if err != nil {
		result := ResultErr(EncodeError(err).Envelope())
		sent := false
		w.once.Do(func() {
			w.flushed <- result
			sent = true
		})
		if !sent {
			return ProtocolError("background task: Write called more than once")
		}
		return err
	}

	var result HandlerResult
	sent := false
	w.once.Do(func() {
		if w.sink != nil {
			if postErr := w.sink.Stream(w.ctx, w.requestID, bytes.NewReader(data)); postErr != nil {
				result = ResultErr(TransportError(postErr, "posting background-task response failed").Envelope())
			} else {
				result = ResultStreamed()
			}
		} else {
			result = ResultOk(data)
		}
		sent = true
	})
	if !sent {
		return ProtocolError("background task: Write called more than once")
	}
	w.flushed <- result
	return nil
}

// BackgroundTaskHandler receives an OutputWriter; code after Write runs as
// background work that must complete before the next invocation is
// dispatched but does not delay the response itself.
type BackgroundTaskHandler[E any, O any] func(ctx context.Context, ictx *InvocationContext, event E, w OutputWriter[O]) error

// AsHandler adapts a BackgroundTaskHandler to Handler. sink, when
// non-nil, is the Runtime Loop: Write posts the response through it
// directly, so Invoke returns as soon as that post completes instead of
// waiting for fn's background continuation. The continuation's
// completion is instead carried on the returned HandlerResult's Deferred
// field, which the Runtime Loop awaits before dispatching the next
// invocation. When sink is nil (e.g. a unit test run outside the Loop),
// Write falls back to buffering, and Invoke waits for fn to fully return
// before handing back a result, exactly as a synchronous handler would.
func (f BackgroundTaskHandler[E, O]) AsHandler(codec Codec, sink StreamSink) Handler {
	if codec == nil {
		codec = DefaultCodec
	}
	return HandlerFunc(func(ctx context.Context, ictx *InvocationContext) HandlerResult {
		var event E
		if err := codec.Decode(ictx.Payload, &event); err != nil {
			return ResultErr(DecodeError(err).Envelope())
		}

		w := &outputWriter[O]{
			codec:     codec,
			sink:      sink,
			ctx:       ctx,
			requestID: ictx.RequestID,
			flushed:   make(chan HandlerResult, 1),
		}

		bg := newBackgroundCompletion()
		go func() {
			bg.finish(f(ctx, ictx, event, w))
		}()

		// Wait for the handler to either flush a response or return
		// (successfully or not) before ever calling Write.
		var result HandlerResult
		select {
		case result = <-w.flushed:
			if result.StreamComplete {
				// Already posted via sink: don't block Invoke on the
				// background continuation, only gate the next dispatch.
				result.Deferred = bg
			} else {
				<-bg.Done()
				if err := bg.Err(); err != nil && result.Err == nil {
					result = ResultErr(InvocationFailure(err).Envelope())
				}
			}
		case <-bg.Done():
			// fn may have called Write and returned before this select
			// ran; the flushed result then takes precedence.
			select {
			case result = <-w.flushed:
				if result.StreamComplete {
					result.Deferred = bg
				} else if err := bg.Err(); err != nil && result.Err == nil {
					result = ResultErr(InvocationFailure(err).Envelope())
				}
			default:
				err := bg.Err()
				if err == nil {
					err = errNoWrite
				}
				result = ResultErr(InvocationFailure(err).Envelope())
			}
		}
		return result
	})
}

var errNoWrite = eris.New("background task handler returned without calling Write")
