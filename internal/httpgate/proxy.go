package httpgate

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/policy-gate/policy-gate/internal/routes"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// invoker builds the handler that produces the route's response: a reverse
// proxy for upstream routes, a canned responder otherwise. Built once per
// route at router construction.
func (g *Gateway) invoker(rt routes.Route) http.Handler {
	if rt.Upstream != "" {
		return g.upstreamProxy(rt)
	}
	if rt.Respond != nil {
		return respondHandler(*rt.Respond)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
}

func (g *Gateway) upstreamProxy(rt routes.Route) http.Handler {
	target, err := url.Parse(rt.Upstream)
	if err != nil {
		// Unreachable with a validated table, kept for router safety.
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.logger.Error("Route has an unparseable upstream", "route", rt.Key, "upstream", rt.Upstream)
			w.WriteHeader(http.StatusBadGateway)
		})
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		g.logger.Error("Upstream request failed",
			"route", rt.Key,
			"upstream", rt.Upstream,
			"error", err,
		)
		w.WriteHeader(status)
	}

	if g.cfg.UpstreamTimeout <= 0 {
		return proxy
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), g.cfg.UpstreamTimeout)
		defer cancel()
		proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}

func respondHandler(resp routes.StaticResponse) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if resp.Body != "" {
			io.WriteString(w, resp.Body)
		}
	})
}

// responseRecorder buffers the handler's response so response-side stages can
// run before anything reaches the client.
type responseRecorder struct {
	header      http.Header
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (rr *responseRecorder) Header() http.Header { return rr.header }

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.wroteHeader {
		return
	}
	rr.status = code
	rr.wroteHeader = true
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	return rr.body.Write(p)
}

// copyTo replays the buffered response onto the client connection.
func (rr *responseRecorder) copyTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, vv := range rr.header {
		dst[k] = vv
	}
	w.WriteHeader(rr.status)
	w.Write(rr.body.Bytes())
}

// captureResponse builds the response view for the post-handler and
// pre-response stages. The body is decoded per Content-Encoding and cut at
// the capture limit; the bytes sent to the client stay untouched.
func (g *Gateway) captureResponse(req *policy.Request, rr *responseRecorder) *policy.Response {
	resp := &policy.Response{
		Status: rr.status,
		Header: rr.header,
	}

	limit := g.cfg.ResponseCaptureBytes
	if limit <= 0 || rr.body.Len() == 0 {
		return resp
	}

	reader, err := decodeReader(rr.header.Get("Content-Encoding"), bytes.NewReader(rr.body.Bytes()))
	if err != nil {
		g.logger.Warn("Upstream response body not captured",
			"requestId", req.ID,
			"route", req.Route,
			"error", err,
		)
		return resp
	}

	data, err := io.ReadAll(io.LimitReader(reader, int64(limit)+1))
	if err != nil {
		g.logger.Warn("Failed to decode upstream response body",
			"requestId", req.ID,
			"route", req.Route,
			"error", err,
		)
		return resp
	}

	if len(data) > limit {
		resp.Body = data[:limit]
		resp.Truncated = true
	} else {
		resp.Body = data
	}
	return resp
}

func decodeReader(encoding string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil
	case "gzip":
		return gzip.NewReader(r)
	case "br":
		return brotli.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
