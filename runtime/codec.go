package runtime

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-json-experiment/json/jsontext"
)

const (
	apiVersion = "2018-06-01"

	headerRequestID       = "Lambda-Runtime-Aws-Request-Id"
	headerDeadlineMs      = "Lambda-Runtime-Deadline-Ms"
	headerInvokedArn      = "Lambda-Runtime-Invoked-Function-Arn"
	headerTraceID         = "Lambda-Runtime-Trace-Id"
	headerClientContext   = "Lambda-Runtime-Client-Context"
	headerCognitoIdentity = "Lambda-Runtime-Cognito-Identity"
	headerFunctionErrType = "Lambda-Runtime-Function-Error-Type"

	unhandledErrorHeaderValue = "Unhandled"

	// maxPayloadBytes is the inbound invocation-payload aggregation cap.
	maxPayloadBytes = 6 * 1024 * 1024
)

// outboundKind identifies which of the four Wire Codec request variants a
// message is.
type outboundKind int

const (
	outboundNext outboundKind = iota
	outboundInvocationResponse
	outboundInvocationError
	outboundInitError
)

// outboundMessage is the Wire Codec's request-side representation. Body,
// when non-nil, is streamed as the HTTP request body; ContentLength of -1
// requests chunked transfer (used by the streaming adapter).
type outboundMessage struct {
	kind          outboundKind
	requestID     string
	body          io.Reader
	contentLength int64
	envelope      *ErrorEnvelope
}

func nextMessage() outboundMessage {
	return outboundMessage{kind: outboundNext, body: http.NoBody, contentLength: 0}
}

func invocationResponseMessage(requestID string, body io.Reader, contentLength int64) outboundMessage {
	return outboundMessage{kind: outboundInvocationResponse, requestID: requestID, body: body, contentLength: contentLength}
}

func invocationErrorMessage(requestID string, env ErrorEnvelope) outboundMessage {
	return outboundMessage{kind: outboundInvocationError, requestID: requestID, envelope: &env}
}

func initErrorMessage(env ErrorEnvelope) outboundMessage {
	return outboundMessage{kind: outboundInitError, envelope: &env}
}

// buildRequest translates an outboundMessage into framed HTTP/1.1 request
// bytes against the given control-plane endpoint.
func buildRequest(endpoint string, msg outboundMessage) (*http.Request, error) {
	base := "http://" + endpoint + "/" + apiVersion + "/runtime"

	switch msg.kind {
	case outboundNext:
		req, err := http.NewRequest(http.MethodGet, base+"/invocation/next", http.NoBody)
		if err != nil {
			return nil, err
		}
		return req, nil

	case outboundInvocationResponse:
		url := base + "/invocation/" + msg.requestID + "/response"
		req, err := http.NewRequest(http.MethodPost, url, msg.body)
		if err != nil {
			return nil, err
		}
		req.ContentLength = msg.contentLength
		return req, nil

	case outboundInvocationError, outboundInitError:
		data := EncodeErrorEnvelope(*msg.envelope)
		var url string
		if msg.kind == outboundInvocationError {
			url = base + "/invocation/" + msg.requestID + "/error"
		} else {
			url = base + "/init/error"
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.ContentLength = int64(len(data))
		req.Header.Set(headerFunctionErrType, unhandledErrorHeaderValue)
		return req, nil

	default:
		return nil, ProtocolError("codec: unknown outbound message kind %d", msg.kind)
	}
}

// EncodeErrorEnvelope renders the canonical, order-stable JSON error
// envelope: errorType first, then errorMessage. Built by hand (rather than
// round-tripped through encoding/json) so its byte length is known up
// front for the content-length header, following the same incremental
// jsontext.AppendQuote approach the original used to build API Gateway
// response bodies.
func EncodeErrorEnvelope(env ErrorEnvelope) []byte {
	var dst []byte
	dst = append(dst, '{')
	dst, _ = jsontext.AppendQuote(dst, "errorType")
	dst = append(dst, ':')
	dst, _ = jsontext.AppendQuote(dst, env.ErrorType)
	dst = append(dst, ',')
	dst, _ = jsontext.AppendQuote(dst, "errorMessage")
	dst = append(dst, ':')
	dst, _ = jsontext.AppendQuote(dst, env.ErrorMessage)
	dst = append(dst, '}')
	return dst
}

// nextOutcome is the decoded result of an inbound /next response.
type nextOutcome struct {
	invocation *Invocation
	// transportErr is set for genuine transport failures (bad status,
	// missing headers, truncated/oversized body).
	transportErr error
}

// decodeNextResponse parses the control plane's response to a Next
// request, per the inbound mapping table.
func decodeNextResponse(resp *http.Response) nextOutcome {
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		inv, err := decodeInvocation(resp)
		if err != nil {
			return nextOutcome{transportErr: err}
		}
		return nextOutcome{invocation: inv}

	case http.StatusBadRequest, http.StatusForbidden, http.StatusRequestEntityTooLarge:
		// A rejected /next is reported as a transport failure (no error
		// envelope is synthesized), which shuts the runtime down.
		return nextOutcome{transportErr: TransportError(
			fmt.Errorf("next: control plane returned %s", resp.Status), "next invocation rejected")}

	default:
		return nextOutcome{transportErr: TransportError(
			fmt.Errorf("next: unexpected status %s", resp.Status), "bad status code")}
	}
}

func decodeInvocation(resp *http.Response) (*Invocation, error) {
	h := resp.Header

	requestID := h.Get(headerRequestID)
	if requestID == "" {
		return nil, TransportError(fmt.Errorf("missing header %s", headerRequestID), "truncated next response")
	}

	deadlineStr := h.Get(headerDeadlineMs)
	deadlineMs, err := strconv.ParseInt(deadlineStr, 10, 64)
	if deadlineStr == "" || err != nil {
		return nil, TransportError(fmt.Errorf("missing or invalid header %s", headerDeadlineMs), "truncated next response")
	}

	arn := h.Get(headerInvokedArn)
	if arn == "" {
		return nil, TransportError(fmt.Errorf("missing header %s", headerInvokedArn), "truncated next response")
	}

	traceID := h.Get(headerTraceID)
	if traceID == "" {
		return nil, TransportError(fmt.Errorf("missing header %s", headerTraceID), "truncated next response")
	}

	payload, err := readLimited(resp.Body, maxPayloadBytes)
	if err != nil {
		return nil, TransportError(err, "reading invocation payload")
	}

	return &Invocation{
		RequestID:          requestID,
		DeadlineMs:         deadlineMs,
		InvokedFunctionArn: arn,
		TraceID:            traceID,
		ClientContext:      h.Get(headerClientContext),
		CognitoIdentity:    h.Get(headerCognitoIdentity),
		Payload:            payload,
	}, nil
}

// readLimited reads up to limit+1 bytes, returning an error if the body
// exceeds limit.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("invocation payload exceeds %d bytes", limit)
	}
	return data, nil
}

// decodePostResponse parses the control plane's response to any POST
// (response/error) framing.
func decodePostResponse(resp *http.Response) error {
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusBadRequest, http.StatusForbidden, http.StatusRequestEntityTooLarge:
		return TransportError(fmt.Errorf("post: control plane returned %s", resp.Status), "post rejected")
	default:
		return TransportError(fmt.Errorf("post: unexpected status %s", resp.Status), "bad status code")
	}
}
