package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// defaultStopSignals mirrors the original main.go signal.NotifyContext
// call: SIGINT and SIGTERM request a graceful shutdown.
func defaultStopSignals() []Signal {
	return []Signal{unix.SIGINT, unix.SIGTERM}
}

// NotifyContext wraps signal.NotifyContext with cfg's StopSignals,
// falling back to defaultStopSignals() when none were configured.
func NotifyContext(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	sigs := cfg.StopSignals
	if len(sigs) == 0 {
		sigs = defaultStopSignals()
	}
	return signal.NotifyContext(ctx, sigs...)
}

// Run is the package's public entrypoint: it builds a Loop bound to cfg
// and factory and drives it to completion, transparently falling back to
// an in-process local-loopback server when AWS_LAMBDA_RUNTIME_API is
// unset.
func Run(ctx context.Context, cfg Config, factory Factory) int {
	if cfg.local() {
		return runLocal(ctx, cfg, factory)
	}
	return NewLoop(cfg, factory).Run(ctx)
}

// runLocal serves invocations over a plain HTTP endpoint instead of the
// control-plane protocol, generalizing the original serveLocal from a
// single hard-coded handler to any Handler produced by factory. Each
// request's body becomes the invocation payload; the handler's output
// (or error) becomes the HTTP response.
func runLocal(ctx context.Context, cfg Config, factory Factory) int {
	baseLogger := NewBaseLogger(cfg.LogLevel, cfg.FunctionName)

	handler, err := factory(ctx)
	if err != nil {
		baseLogger.Error().Err(err).Msg("local: handler failed to initialize")
		return 1
	}

	addr := cfg.LocalHost + ":" + cfg.LocalPort
	path := cfg.LocalInvocationPath

	var invocationCount int64
	// serializes requests: a Handler must not be re-entered.
	var invokeMu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		invokeMu.Lock()
		defer invokeMu.Unlock()

		payload, err := readLimited(r.Body, maxPayloadBytes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}

		invocationCount++
		logger := invocationLogger(&baseLogger, fmt.Sprintf("local-%d", invocationCount), invocationCount)

		ictx := &InvocationContext{
			Invocation: Invocation{
				RequestID:          fmt.Sprintf("local-%d", invocationCount),
				DeadlineMs:         time.Now().Add(15 * time.Minute).UnixMilli(),
				InvokedFunctionArn: "arn:aws:lambda:local:000000000000:function:local",
				Payload:            payload,
			},
			InvocationCount: invocationCount,
			Logger:          &logger,
		}
		ictx.setDeadline(ictx.Invocation.DeadlineMs)

		result := handler.Invoke(r.Context(), ictx)
		if result.Err != nil {
			http.Error(w, result.Err.ErrorMessage, http.StatusInternalServerError)
			return
		}
		if result.StreamComplete {
			// streaming and background-task adapters built with
			// sink == nil return a buffered ResultOk and never reach
			// this branch; a StreamComplete result carries no Bytes, so
			// the local response body below is empty.
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.Copy(w, newByteBody(result.Bytes))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	baseLogger.Info().Str("addr", addr).Str("path", path).Msg("serving lambda locally")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		baseLogger.Error().Err(err).Msg("local server failed")
		return 1
	}
	return 0
}
