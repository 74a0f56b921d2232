package runtime

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Signal is an alias for os.Signal, the type of the signals the runtime
// traps.
type Signal = os.Signal

// Config holds the options recognized by the runtime.
type Config struct {
	// EndpointHost/EndpointPort address the control plane. Defaults come
	// from AWS_LAMBDA_RUNTIME_API ("host:port").
	EndpointHost string
	EndpointPort string

	// MaxInvocations bounds the number of successful invocations the
	// runtime will serve before shutting down. Zero means unbounded.
	MaxInvocations int64

	// StopSignals are trapped to request a graceful shutdown. Defaults to
	// SIGINT and SIGTERM.
	StopSignals []Signal

	// RequestTimeout bounds every control-plane request the client makes:
	// the /next long-poll as well as response, error and streaming posts.
	// Zero means no timeout.
	RequestTimeout time.Duration

	// LogLevel controls the base structured logger's verbosity.
	LogLevel zerolog.Level

	// FunctionName is attached to every log line as function_name.
	// Populated from AWS_LAMBDA_FUNCTION_NAME, falling back to _HANDLER.
	FunctionName string

	// Local-loopback surface, used only when AWS_LAMBDA_RUNTIME_API is
	// unset.
	LocalHost           string
	LocalPort           string
	LocalInvocationPath string
}

// ConfigFromEnv builds a Config from the environment, applying sensible
// defaults for everything not set.
func ConfigFromEnv() Config {
	cfg := Config{
		StopSignals:         defaultStopSignals(),
		LogLevel:            logLevelFromEnv(),
		FunctionName:        envOr("AWS_LAMBDA_FUNCTION_NAME", os.Getenv("_HANDLER")),
		LocalHost:           envOr("LOCAL_LAMBDA_HOST", "localhost"),
		LocalPort:           envOr("LOCAL_LAMBDA_PORT", "8080"),
		LocalInvocationPath: envOr("LOCAL_LAMBDA_INVOCATION_ENDPOINT", "/invoke"),
	}

	host, port := splitHostPort(os.Getenv("AWS_LAMBDA_RUNTIME_API"))
	cfg.EndpointHost, cfg.EndpointPort = host, port

	return cfg
}

// Option customizes a Config built by ConfigFromEnv, following the
// functional-options pattern.
type Option func(*Config)

// WithMaxInvocations bounds the runtime to n successful invocations.
func WithMaxInvocations(n int64) Option {
	return func(c *Config) { c.MaxInvocations = n }
}

// WithStopSignals replaces the set of trapped signals.
func WithStopSignals(sigs ...Signal) Option {
	return func(c *Config) { c.StopSignals = sigs }
}

// WithRequestTimeout bounds every control-plane request, not only the
// /next long-poll.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithLogLevel overrides the base structured logger's verbosity.
func WithLogLevel(level zerolog.Level) Option {
	return func(c *Config) { c.LogLevel = level }
}

// Apply runs every option against cfg and returns it.
func (cfg Config) Apply(opts ...Option) Config {
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// endpoint returns the "host:port" control-plane address.
func (cfg Config) endpoint() string {
	return cfg.EndpointHost + ":" + cfg.EndpointPort
}

// local reports whether the runtime should fall back to the in-process
// loopback server because AWS_LAMBDA_RUNTIME_API was not set.
func (cfg Config) local() bool {
	return cfg.EndpointHost == ""
}

func splitHostPort(addr string) (host, port string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, ""
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func logLevelFromEnv() zerolog.Level {
	if debug, _ := strconv.ParseBool(os.Getenv("DEBUG")); debug {
		return zerolog.DebugLevel
	}
	switch os.Getenv("AWS_LAMBDA_LOG_LEVEL") {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
