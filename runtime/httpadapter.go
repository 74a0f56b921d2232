package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/elnormous/contenttype"
)

// HTTPHandler adapts a stdlib http.Handler to Handler for an HTTP API
// (API Gateway v2 HTTP-API proxy integration) deployment, a direct
// descendant of the original internal/mlambda/http.go HttpHandler.
func HTTPHandler(h http.Handler) Handler {
	return HandlerFunc(func(ctx context.Context, ictx *InvocationContext) HandlerResult {
		var proxyRequest httpProxyRequest
		if err := jsonv2.Unmarshal(ictx.Payload, &proxyRequest); err != nil {
			return ResultErr(DecodeError(err).Envelope())
		}

		body := []byte(proxyRequest.Body)
		if proxyRequest.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(proxyRequest.Body)
			if err != nil {
				return ResultErr(DecodeError(err).Envelope())
			}
			body = decoded
		}

		httpReq := &http.Request{Header: http.Header{}}
		httpReq.Body = httpBody(body)

		urlStr := proxyRequest.RawPath
		if proxyRequest.RawQueryString != "" {
			urlStr = urlStr + "?" + proxyRequest.RawQueryString
		}
		if urlStr != "" {
			parsed, err := url.ParseRequestURI(urlStr)
			if err != nil {
				return ResultErr(DecodeError(fmt.Errorf("parsing rawPath/rawQueryString: %w", err)).Envelope())
			}
			httpReq.URL = parsed
			httpReq.RequestURI = urlStr
		} else {
			httpReq.URL = &url.URL{}
		}

		if cookieStr := strings.Join(proxyRequest.Cookies, "; "); cookieStr != "" {
			httpReq.Header.Set("Cookie", cookieStr)
		}
		httpReq.Header.Set("User-Agent", proxyRequest.RequestContext.Http.UserAgent)
		for k, v := range proxyRequest.Headers {
			httpReq.Header.Set(k, v)
		}

		httpReq.Host = proxyRequest.RequestContext.DomainName
		httpReq.Method = proxyRequest.RequestContext.Http.Method
		httpReq.Proto = proxyRequest.RequestContext.Http.Protocol
		httpReq = httpReq.WithContext(ctx)

		rw := &proxyResponseWriter{header: http.Header{}, accept: httpReq.Header.Get("Accept")}
		h.ServeHTTP(rw, httpReq)
		data, err := rw.finish()
		if err != nil {
			return ResultErr(EncodeError(err).Envelope())
		}
		return ResultOk(data)
	})
}

type httpProxyRequest struct {
	RawPath         string             `json:"rawPath"`
	RawQueryString  string             `json:"rawQueryString"`
	Cookies         []string           `json:"cookies"`
	Headers         map[string]string  `json:"headers"`
	RequestContext  httpRequestContext `json:"requestContext"`
	Body            string             `json:"body"`
	IsBase64Encoded bool               `json:"isBase64Encoded"`
}

type httpRequestContext struct {
	DomainName string          `json:"domainName"`
	Authorizer json.RawMessage `json:"authorizer"`
	Http       struct {
		Method    string `json:"method"`
		Protocol  string `json:"protocol"`
		UserAgent string `json:"userAgent"`
	} `json:"http"`
}

// proxyResponseWriter buffers the handler's output and, once ServeHTTP
// returns, renders the API Gateway HTTP-API proxy response envelope: a
// JSON object with the body base64-encoded, built incrementally with
// jsontext exactly as the original responseWriter does it.
type proxyResponseWriter struct {
	mu          sync.Mutex
	buf         bytes.Buffer
	header      http.Header
	statusCode  int
	wroteHeader bool
	accept      string
}

func (r *proxyResponseWriter) Header() http.Header { return r.header }

func (r *proxyResponseWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.wroteHeader {
		r.writeHeaderLocked(http.StatusOK)
	}
	return r.buf.Write(p)
}

func (r *proxyResponseWriter) WriteHeader(statusCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeHeaderLocked(statusCode)
}

func (r *proxyResponseWriter) writeHeaderLocked(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.statusCode = statusCode
}

// finish negotiates a Content-Type against the request's Accept header
// (when the handler registered more than one candidate via repeated
// Header().Add("Content-Type", ...) calls) and renders the proxy
// envelope.
func (r *proxyResponseWriter) finish() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.wroteHeader {
		r.writeHeaderLocked(http.StatusOK)
	}

	r.negotiateContentTypeLocked()

	var dst []byte
	dst = append(dst, '{')

	dst, _ = jsontext.AppendQuote(dst, "isBase64Encoded")
	dst = append(dst, ':')
	dst = append(dst, []byte(jsontext.Bool(true).String())...)
	dst = append(dst, ',')

	dst, _ = jsontext.AppendQuote(dst, "statusCode")
	dst = append(dst, ':')
	dst = append(dst, []byte(jsontext.Int(int64(r.statusCode)).String())...)
	dst = append(dst, ',')

	if cs := r.header.Values("Set-Cookie"); len(cs) > 0 {
		r.header.Del("Set-Cookie")
		dst, _ = jsontext.AppendQuote(dst, "cookies")
		dst = append(dst, ':', '[')
		for i, c := range cs {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst, _ = jsontext.AppendQuote(dst, c)
		}
		dst = append(dst, ']', ',')
	}

	if len(r.header) > 0 {
		dst, _ = jsontext.AppendQuote(dst, "headers")
		dst = append(dst, ':', '{')
		first := true
		for k, vs := range r.header {
			if len(vs) == 0 {
				continue
			}
			if !first {
				dst = append(dst, ',')
			}
			first = false
			dst, _ = jsontext.AppendQuote(dst, k)
			dst = append(dst, ':')
			dst, _ = jsontext.AppendQuote(dst, strings.Join(vs, ", "))
		}
		dst = append(dst, '}', ',')
	}

	dst, _ = jsontext.AppendQuote(dst, "body")
	dst = append(dst, ':')
	dst, _ = jsontext.AppendQuote(dst, base64.StdEncoding.EncodeToString(r.buf.Bytes()))
	dst = append(dst, '}')

	return dst, nil
}

// negotiateContentTypeLocked picks the best Content-Type from the
// handler-registered candidates against the request's Accept header,
// using github.com/elnormous/contenttype.
func (r *proxyResponseWriter) negotiateContentTypeLocked() {
	candidates := r.header.Values("Content-Type")
	if len(candidates) <= 1 || r.accept == "" {
		return
	}

	available := make([]contenttype.MediaType, 0, len(candidates))
	for _, c := range candidates {
		available = append(available, contenttype.NewMediaType(c))
	}

	req := &http.Request{Header: http.Header{"Accept": []string{r.accept}}}
	best, _, err := contenttype.GetAcceptableMediaType(req, available)
	if err != nil {
		return
	}

	r.header.Del("Content-Type")
	r.header.Set("Content-Type", best.String())
}

func httpBody(b []byte) *bufferReadCloser {
	return &bufferReadCloser{r: bytes.NewReader(b)}
}

type bufferReadCloser struct {
	r *bytes.Reader
}

func (b *bufferReadCloser) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *bufferReadCloser) Close() error               { return nil }

var _ http.ResponseWriter = (*proxyResponseWriter)(nil)
