package runtime

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// client maintains a keep-alive HTTP/1.1 connection to the control plane
// and enforces the at-most-one-outstanding-request invariant. It
// generalizes the original internal/mlambda/client.go from three
// hard-coded calls to the full Wire Codec.
type client struct {
	http     *http.Client
	endpoint string

	mu      sync.Mutex
	sending bool
}

// newClient dials against endpoint ("host:port"). The underlying
// transport is tuned to a single connection per host so the runtime never
// pipelines two in-flight requests, matching the control plane's
// request/response framing contract.
func newClient(endpoint string, requestTimeout time.Duration) *client {
	transport := &http.Transport{
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     0, // keep the single connection alive indefinitely
	}
	return &client{
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		endpoint: endpoint,
	}
}

// send writes a framed outboundMessage and blocks until the response has
// been read. For the Next variant it returns the decoded invocation (if
// any); for POST variants the invocation is always nil.
func (c *client) send(ctx context.Context, msg outboundMessage) (*Invocation, error) {
	if !c.acquire() {
		return nil, ProtocolError("client: send called while a request is already outstanding")
	}
	defer c.release()

	req, err := buildRequest(c.endpoint, msg)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, TransportError(err, "control-plane request failed")
	}

	if msg.kind == outboundNext {
		outcome := decodeNextResponse(resp)
		if outcome.transportErr != nil {
			return nil, outcome.transportErr
		}
		return outcome.invocation, nil
	}

	return nil, decodePostResponse(resp)
}

// sendStreaming is a variant of send for the streaming response adapter:
// body is read incrementally (chunked transfer, since contentLength is
// unknown ahead of time) rather than fully buffered before the write
// begins.
func (c *client) sendStreaming(ctx context.Context, requestID string, body io.Reader) (<-chan error, error) {
	if !c.acquire() {
		return nil, ProtocolError("client: send called while a request is already outstanding")
	}

	msg := invocationResponseMessage(requestID, body, -1)
	req, err := buildRequest(c.endpoint, msg)
	if err != nil {
		c.release()
		return nil, err
	}
	req = req.WithContext(ctx)

	done := make(chan error, 1)
	go func() {
		defer c.release()
		resp, err := c.http.Do(req)
		if err != nil {
			done <- TransportError(err, "control-plane streaming request failed")
			return
		}
		done <- decodePostResponse(resp)
	}()

	return done, nil
}

func (c *client) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sending {
		return false
	}
	c.sending = true
	return true
}

func (c *client) release() {
	c.mu.Lock()
	c.sending = false
	c.mu.Unlock()
}

// close shuts the connection down gracefully. Idempotent.
func (c *client) close() {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// isConnectionUsable makes a best-effort check on whether the control
// plane is reachable, used only to decide whether attempting to report an
// init error is worth it when a transport failure happens before the
// first /next.
func isConnectionUsable(endpoint string) bool {
	conn, err := net.DialTimeout("tcp", endpoint, 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
