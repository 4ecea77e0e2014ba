package httpgate

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/policy-gate/policy-gate/internal/pipeline"
	"github.com/policy-gate/policy-gate/internal/routes"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// requestStages run before the route handler, responseStages after it.
var (
	requestStages  = policy.RequestStages()
	responseStages = policy.ResponseStages()
)

// transaction is the per-request handle the gateway gives the engine. The
// stage loop is single-goroutine, so plain fields suffice; done stops the
// loop at the next stage boundary.
type transaction struct {
	directives []policy.Directive
	req        *policy.Request
	outcome    pipeline.Outcome
	done       bool
}

var _ pipeline.Transaction = (*transaction)(nil)

func (t *transaction) Directives() []policy.Directive { return t.directives }
func (t *transaction) Request() *policy.Request       { return t.req }
func (t *transaction) Proceed()                       {}
func (t *transaction) Finalized() bool                { return t.done }

func (t *transaction) Finalize(o pipeline.Outcome) {
	t.outcome = o
	t.done = true
}

// buildRequest projects the HTTP request into the view policies see.
func (g *Gateway) buildRequest(r *http.Request, rt routes.Route) *policy.Request {
	var params map[string]string
	if rctx := chi.RouteContext(r.Context()); rctx != nil && len(rctx.URLParams.Keys) > 0 {
		params = make(map[string]string, len(rctx.URLParams.Keys))
		for i, key := range rctx.URLParams.Keys {
			params[key] = rctx.URLParams.Values[i]
		}
	}

	return &policy.Request{
		ID:         requestIDFrom(r.Context()),
		Method:     r.Method,
		Path:       r.URL.Path,
		Route:      rt.Key,
		Params:     params,
		Header:     r.Header,
		Query:      r.URL.Query(),
		Host:       r.Host,
		RemoteAddr: r.RemoteAddr,
		ClientIP:   clientIP(r, g.cfg.TrustForwardedFor),
	}
}
