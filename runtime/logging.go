package runtime

import (
	"os"

	"github.com/rs/zerolog"
)

// NewBaseLogger builds the process-wide structured logger the runtime
// derives every per-invocation logger from. It writes JSON to stderr,
// which is where the Lambda log pipeline captures function output.
// functionName, when non-empty, is attached to every line so every
// invocation logger inherits it automatically.
func NewBaseLogger(level zerolog.Level, functionName string) zerolog.Logger {
	ctx := zerolog.New(os.Stderr).Level(level).With().Timestamp()
	if functionName != "" {
		ctx = ctx.Str("function_name", functionName)
	}
	return ctx.Logger()
}

// invocationLogger tags base with the invocation's request_id and count.
func invocationLogger(base *zerolog.Logger, requestID string, count int64) zerolog.Logger {
	return base.With().
		Str("request_id", requestID).
		Int64("invocation_count", count).
		Logger()
}
