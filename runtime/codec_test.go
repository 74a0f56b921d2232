package runtime

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeErrorEnvelope_FieldOrder(t *testing.T) {
	data := EncodeErrorEnvelope(ErrorEnvelope{ErrorType: "Unhandled Error", ErrorMessage: "boom"})
	assert.Equal(t, `{"errorType":"Unhandled Error","errorMessage":"boom"}`, string(data))
}

func TestDecodeInvocation_MissingRequestID(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{headerDeadlineMs: {"12345"}},
		Body:       io.NopCloser(strings.NewReader("{}")),
	}
	_, err := decodeInvocation(resp)
	require.Error(t, err)

	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindTransport, rerr.Kind)
}

func TestDecodeInvocation_FullHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(headerRequestID, "req-1")
	h.Set(headerDeadlineMs, "1000")
	h.Set(headerInvokedArn, "arn:aws:lambda:x")
	h.Set(headerTraceID, "trace-1")
	h.Set(headerClientContext, "cc")
	h.Set(headerCognitoIdentity, "ci")

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(`{"key":"value"}`)),
	}

	inv, err := decodeInvocation(resp)
	require.NoError(t, err)
	assert.Equal(t, "req-1", inv.RequestID)
	assert.Equal(t, int64(1000), inv.DeadlineMs)
	assert.Equal(t, "arn:aws:lambda:x", inv.InvokedFunctionArn)
	assert.Equal(t, "trace-1", inv.TraceID)
	assert.Equal(t, "cc", inv.ClientContext)
	assert.Equal(t, "ci", inv.CognitoIdentity)
	assert.JSONEq(t, `{"key":"value"}`, string(inv.Payload))
}

func TestReadLimited_RejectsOneByteOverLimit(t *testing.T) {
	_, err := readLimited(strings.NewReader(strings.Repeat("a", 11)), 10)
	require.Error(t, err)
}

func TestReadLimited_AcceptsExactlyAtLimit(t *testing.T) {
	data, err := readLimited(strings.NewReader(strings.Repeat("a", 10)), 10)
	require.NoError(t, err)
	assert.Len(t, data, 10)
}

func TestDecodePostResponse(t *testing.T) {
	accepted := httptest.NewRecorder()
	accepted.WriteHeader(http.StatusAccepted)
	err := decodePostResponse(accepted.Result())
	assert.NoError(t, err)

	rejected := httptest.NewRecorder()
	rejected.WriteHeader(http.StatusBadRequest)
	err = decodePostResponse(rejected.Result())
	require.Error(t, err)

	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindTransport, rerr.Kind)
}
