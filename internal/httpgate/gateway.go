// Package httpgate is the HTTP request surface of the policy engine.
//
// The gateway serves a chi router built from the route table and drives each
// request through the six lifecycle stages around its handler. The upstream
// response is buffered before it is written back, so the post-handler and
// pre-response stages run before the first byte reaches the client. Stages
// with no installed hook are skipped without touching the engine.
package httpgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/policy-gate/policy-gate/internal/config"
	"github.com/policy-gate/policy-gate/internal/metrics"
	"github.com/policy-gate/policy-gate/internal/pipeline"
	"github.com/policy-gate/policy-gate/internal/routes"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// hookSet maps each stage to its installed hook. Replaced wholesale on
// install, never mutated in place.
type hookSet map[policy.ApplyPoint]pipeline.StageHook

// builtRouter pairs a router with the table generation it was built from.
type builtRouter struct {
	table *routes.Table
	mux   *chi.Mux
}

// Gateway is the HTTP host. It implements pipeline.Host; the engine installs
// one hook per stage in use, and the gateway invokes them in lifecycle order
// around the route handler.
type Gateway struct {
	cfg      config.HTTPConfig
	provider *routes.Provider
	logger   *slog.Logger

	hookMu sync.Mutex
	hooks  atomic.Pointer[hookSet]

	buildMu sync.Mutex
	router  atomic.Pointer[builtRouter]

	server *http.Server
}

var _ pipeline.Host = (*Gateway)(nil)

// New creates the gateway. Attach it to the engine before loading policies so
// every stage hook reaches it.
func New(cfg config.HTTPConfig, provider *routes.Provider, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
	}
	empty := make(hookSet)
	g.hooks.Store(&empty)

	g.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// InstallStageHook registers the engine's hook for one stage. Installing over
// an existing hook replaces it.
func (g *Gateway) InstallStageHook(ap policy.ApplyPoint, hook pipeline.StageHook) {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()

	next := make(hookSet, len(*g.hooks.Load())+1)
	for k, v := range *g.hooks.Load() {
		next[k] = v
	}
	next[ap] = hook
	g.hooks.Store(&next)
}

func (g *Gateway) hookFor(ap policy.ApplyPoint) pipeline.StageHook {
	return (*g.hooks.Load())[ap]
}

// ServeHTTP dispatches through the router built for the current route table
// generation, rebuilding it after a reload swapped the table.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	table := g.provider.Table()
	if table == nil {
		http.Error(w, "route table not loaded", http.StatusServiceUnavailable)
		return
	}
	g.routerFor(table).ServeHTTP(w, r)
}

func (g *Gateway) routerFor(table *routes.Table) *chi.Mux {
	if cur := g.router.Load(); cur != nil && cur.table == table {
		return cur.mux
	}

	g.buildMu.Lock()
	defer g.buildMu.Unlock()
	if cur := g.router.Load(); cur != nil && cur.table == table {
		return cur.mux
	}

	mux := g.buildRouter(table)
	g.router.Store(&builtRouter{table: table, mux: mux})
	g.logger.Info("HTTP router built", "routes", table.Len())
	return mux
}

func (g *Gateway) buildRouter(table *routes.Table) *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(requestIDMiddleware)
	mux.Use(g.recoveryMiddleware)
	mux.Use(otelhttp.NewMiddleware("policy-gate.http"))
	mux.NotFound(g.handleNotFound)

	for _, rt := range table.All() {
		handler := g.routeHandler(rt)
		if len(rt.Methods) == 0 {
			mux.Handle(rt.Pattern, handler)
			continue
		}
		for _, m := range rt.Methods {
			mux.Method(m, rt.Pattern, handler)
		}
	}
	return mux
}

// routeHandler wraps one route's stage flow with metrics and the access log.
func (g *Gateway) routeHandler(rt routes.Route) http.HandlerFunc {
	handler := g.invoker(rt)

	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		g.serveRoute(ww, r, rt, handler)

		duration := time.Since(start)
		metrics.RequestsTotal.WithLabelValues(rt.Key, r.Method, strconv.Itoa(ww.statusCode)).Inc()
		metrics.RequestDurationSeconds.WithLabelValues(rt.Key).Observe(duration.Seconds())
		g.logger.Info("HTTP request",
			"requestId", requestIDFrom(r.Context()),
			"route", rt.Key,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", duration,
		)
	}
}

// serveRoute drives the stage flow: the four request-side stages, the route
// handler into a buffer, the two response-side stages, then the buffered
// response. A finalized transaction stops the flow at the next check.
func (g *Gateway) serveRoute(w http.ResponseWriter, r *http.Request, rt routes.Route, handler http.Handler) {
	ctx := r.Context()
	req := g.buildRequest(r, rt)
	tx := &transaction{directives: rt.Directives, req: req}

	for _, ap := range requestStages {
		g.runStage(ctx, ap, tx)
		if tx.done {
			g.writeOutcome(w, req, tx.outcome)
			return
		}
	}

	rec := newResponseRecorder()
	handler.ServeHTTP(rec, r)
	req.Response = g.captureResponse(req, rec)

	for _, ap := range responseStages {
		g.runStage(ctx, ap, tx)
		if tx.done {
			g.writeOutcome(w, req, tx.outcome)
			return
		}
	}

	rec.copyTo(w)
}

// runStage invokes the stage's hook if one is installed. Stages no policy
// binds to cost a map lookup and nothing else.
func (g *Gateway) runStage(ctx context.Context, ap policy.ApplyPoint, tx *transaction) {
	if hook := g.hookFor(ap); hook != nil {
		hook(ctx, tx)
	}
}

// writeOutcome maps a terminal outcome onto the wire. Denials carry their
// reason verbatim; failures get a generic body and an error id that links the
// response to the log line holding the real error.
func (g *Gateway) writeOutcome(w http.ResponseWriter, req *policy.Request, o pipeline.Outcome) {
	switch v := o.(type) {
	case pipeline.Denied:
		reason := v.Reason
		if reason == "" {
			reason = "request denied"
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintln(w, reason)

	case pipeline.Failed:
		status := http.StatusInternalServerError
		message := "policy execution failed"
		if errors.Is(v.Err, policy.ErrMissingPolicy) {
			status = http.StatusNotImplemented
			message = "policy not implemented"
		}

		errorID := uuid.New().String()
		g.logger.Error("Request stopped by policy failure",
			"requestId", req.ID,
			"route", req.Route,
			"errorId", errorID,
			"error", v.Err,
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error_id":%q,"message":%q}`+"\n", errorID, message)

	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	metrics.RouteLookupFailuresTotal.Inc()
	g.logger.Debug("No route matched", "method", r.Method, "path", r.URL.Path)
	http.NotFound(w, r)
}

// Start serves until Stop is called. It returns nil on a clean shutdown.
func (g *Gateway) Start(ctx context.Context) error {
	g.logger.InfoContext(ctx, "Starting HTTP gateway", "port", g.cfg.Port)

	if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http gateway error: %w", err)
	}
	return nil
}

// Stop gracefully stops the gateway, letting in-flight requests finish.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.InfoContext(ctx, "Stopping HTTP gateway")
	return g.server.Shutdown(ctx)
}
