package policy

import (
	"net/http"
	"net/url"
)

// Request is the view of one inbound request handed to policies. The engine
// runs one policy at a time per request, so policies may read and write it
// without locking; a policy that hands work to another goroutine must finish
// touching the request before signaling its reply.
type Request struct {
	// ID correlates log lines, traces, and audit records for one request.
	ID string

	Method string
	Path   string

	// Route is the matched route's key, the stable identifier routes carry
	// in the route table. Empty when the host matched no route.
	Route string

	// Params holds URL parameters bound by the route pattern.
	Params map[string]string

	Header http.Header
	Query  url.Values
	Host   string

	// RemoteAddr is the peer address as seen by the listener.
	RemoteAddr string

	// ClientIP is the resolved client address, honoring forwarding headers
	// when the host is configured to trust them.
	ClientIP string

	// Values carries facts between policies within one request, e.g. the
	// subject an authentication policy established for later stages.
	Values map[string]any

	// Response is the captured upstream response, populated only at the
	// post-handler and pre-response stages.
	Response *Response
}

// Response is the upstream response view visible to response-side stages.
type Response struct {
	Status int
	Header http.Header

	// Body holds the response body with any gzip or brotli content encoding
	// already decoded, cut at the host's capture limit.
	Body []byte

	// Truncated reports whether Body was cut at the capture limit.
	Truncated bool
}

// Value returns the named per-request fact, or nil when unset.
func (r *Request) Value(key string) any {
	if r.Values == nil {
		return nil
	}
	return r.Values[key]
}

// SetValue records a per-request fact for policies at later stages.
func (r *Request) SetValue(key string, v any) {
	if r.Values == nil {
		r.Values = make(map[string]any)
	}
	r.Values[key] = v
}
