package extproc

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/google/uuid"

	"github.com/policy-gate/policy-gate/internal/routes"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// requestView is the flattened request headers phase: pseudo headers pulled
// out, the rest collected as a canonical header map.
type requestView struct {
	method    string
	rawPath   string
	path      string
	authority string
	scheme    string
	requestID string
	routeKey  string
	header    http.Header
}

// parseRequestHeaders walks the Envoy header map once. Envoy sends keys
// lowercased; http.Header.Add canonicalizes them so policies can use the
// usual Get spelling.
func parseRequestHeaders(msg *extprocv3.HttpHeaders, routeKeyHeader string) requestView {
	view := requestView{header: make(http.Header)}
	if msg == nil || msg.Headers == nil {
		return view
	}

	routeKeyHeader = strings.ToLower(routeKeyHeader)

	for _, h := range msg.Headers.GetHeaders() {
		key := h.Key
		value := headerValue(h.RawValue, h.Value)

		if strings.HasPrefix(key, ":") {
			switch key {
			case ":path":
				view.rawPath = value
			case ":method":
				view.method = value
			case ":authority":
				view.authority = value
			case ":scheme":
				view.scheme = value
			}
			continue
		}

		view.header.Add(key, value)
		switch key {
		case "x-request-id":
			if view.requestID == "" {
				view.requestID = value
			}
		case routeKeyHeader:
			view.routeKey = value
		}
	}

	view.path = view.rawPath
	if u, err := url.ParseRequestURI(view.rawPath); err == nil {
		view.path = u.Path
	}
	return view
}

func headerValue(raw []byte, plain string) string {
	if len(raw) > 0 {
		return string(raw)
	}
	return plain
}

// buildRequest projects the parsed headers into the view policies see. There
// is no peer address on this surface; the client IP comes from the forwarding
// header Envoy maintains.
func buildRequest(view requestView, rt *routes.Route) *policy.Request {
	id := view.requestID
	if id == "" {
		id = uuid.New().String()
	}

	var query url.Values
	if u, err := url.ParseRequestURI(view.rawPath); err == nil {
		query = u.Query()
	}

	return &policy.Request{
		ID:       id,
		Method:   view.method,
		Path:     view.path,
		Route:    rt.Key,
		Header:   view.header,
		Query:    query,
		Host:     view.authority,
		ClientIP: forwardedClientIP(view.header),
	}
}

func forwardedClientIP(h http.Header) string {
	xff := h.Get("X-Forwarded-For")
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

// buildResponse projects the response headers phase into the response view.
// Bodies are never forwarded on this surface, so Body stays nil.
func buildResponse(logger *slog.Logger, req *policy.Request, msg *extprocv3.HttpHeaders) *policy.Response {
	resp := &policy.Response{Header: make(http.Header)}
	if msg == nil || msg.Headers == nil {
		return resp
	}

	for _, h := range msg.Headers.GetHeaders() {
		key := h.Key
		value := headerValue(h.RawValue, h.Value)

		if key == ":status" {
			code, err := strconv.Atoi(value)
			if err != nil {
				logger.Warn("Failed to parse response status",
					"requestId", req.ID,
					"status", value,
					"error", err,
				)
				continue
			}
			resp.Status = code
			continue
		}
		if strings.HasPrefix(key, ":") {
			continue
		}
		resp.Header.Add(key, value)
	}
	return resp
}
