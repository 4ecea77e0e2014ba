// Package extproc is the Envoy external processor surface of the policy
// engine.
//
// One ext_proc stream carries one HTTP request. The request headers phase
// resolves the route and runs the four request-side stages; the response
// headers phase runs the two response-side stages against the upstream status
// and headers. Body and trailer phases are switched off via mode override, so
// policies here never see response bodies; deployments that need body
// visibility run the HTTP gateway instead.
package extproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/policy-gate/policy-gate/internal/config"
	"github.com/policy-gate/policy-gate/internal/metrics"
	"github.com/policy-gate/policy-gate/internal/pipeline"
	"github.com/policy-gate/policy-gate/internal/routes"
	"github.com/policy-gate/policy-gate/internal/tracing"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

const defaultRouteKeyHeader = "x-route-key"

type hookSet map[policy.ApplyPoint]pipeline.StageHook

// Processor implements the ext_proc service. It is also a pipeline.Host; the
// engine installs stage hooks that the phase handlers invoke.
type Processor struct {
	extprocv3.UnimplementedExternalProcessorServer

	cfg      config.ExtProcConfig
	provider *routes.Provider
	logger   *slog.Logger
	tracer   trace.Tracer

	hookMu sync.Mutex
	hooks  atomic.Pointer[hookSet]
}

var _ pipeline.Host = (*Processor)(nil)

// NewProcessor creates the processor. Attach it to the engine before loading
// policies so every stage hook reaches it.
func NewProcessor(cfg config.ExtProcConfig, provider *routes.Provider, logger *slog.Logger, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RouteKeyHeader == "" {
		cfg.RouteKeyHeader = defaultRouteKeyHeader
	}

	p := &Processor{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
		tracer:   tracer,
	}
	empty := make(hookSet)
	p.hooks.Store(&empty)
	return p
}

// InstallStageHook registers the engine's hook for one stage.
func (p *Processor) InstallStageHook(ap policy.ApplyPoint, hook pipeline.StageHook) {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()

	next := make(hookSet, len(*p.hooks.Load())+1)
	for k, v := range *p.hooks.Load() {
		next[k] = v
	}
	next[ap] = hook
	p.hooks.Store(&next)
}

func (p *Processor) hookFor(ap policy.ApplyPoint) pipeline.StageHook {
	return (*p.hooks.Load())[ap]
}

// transaction is the per-stream engine handle. One stream serves one request,
// processed phase by phase on a single goroutine.
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

// streamState is the per-stream request context. tx stays nil when the stream
// matched no route and all processing is skipped.
type streamState struct {
	tx *transaction
}

// Process is the bidirectional streaming handler Envoy drives.
func (p *Processor) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	ctx := tracing.ExtractTraceContext(stream.Context())
	var st streamState

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Envoy tears the stream down with a cancellation once the
			// request completes; that is a normal closure.
			if errors.Is(err, context.Canceled) || status.Code(err) == grpccodes.Canceled {
				p.logger.DebugContext(ctx, "Stream closed by Envoy")
				return nil
			}
			p.logger.ErrorContext(ctx, "Error receiving from stream", "error", err)
			metrics.StreamErrorsTotal.WithLabelValues("receive").Inc()
			return status.Errorf(grpccodes.Unknown, "failed to receive request: %v", err)
		}

		resp := p.handlePhase(ctx, req, &st)

		if err := stream.Send(resp); err != nil {
			p.logger.ErrorContext(ctx, "Error sending response", "error", err)
			metrics.StreamErrorsTotal.WithLabelValues("send").Inc()
			return status.Errorf(grpccodes.Unknown, "failed to send response: %v", err)
		}
	}
}

func (p *Processor) handlePhase(ctx context.Context, req *extprocv3.ProcessingRequest, st *streamState) *extprocv3.ProcessingResponse {
	switch msg := req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return p.handleRequestHeaders(ctx, msg.RequestHeaders, st)

	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return p.handleResponseHeaders(ctx, msg.ResponseHeaders, st)

	case *extprocv3.ProcessingRequest_RequestBody:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestBody{
				RequestBody: &extprocv3.BodyResponse{},
			},
		}

	case *extprocv3.ProcessingRequest_ResponseBody:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseBody{
				ResponseBody: &extprocv3.BodyResponse{},
			},
		}

	default:
		p.logger.WarnContext(ctx, "Unknown processing phase", "type", fmt.Sprintf("%T", req.Request))
		metrics.StreamErrorsTotal.WithLabelValues("unknown_phase").Inc()
		return internalErrorResponse()
	}
}

func (p *Processor) handleRequestHeaders(ctx context.Context, msg *extprocv3.HttpHeaders, st *streamState) *extprocv3.ProcessingResponse {
	ctx, span := p.tracer.Start(ctx, "extproc.request_headers",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	view := parseRequestHeaders(msg, p.cfg.RouteKeyHeader)

	table := p.provider.Table()
	if table == nil {
		p.logger.ErrorContext(ctx, "Route table not loaded, skipping policy processing")
		return skipAllResponse()
	}

	rt, ok := p.lookupRoute(table, view)
	if !ok {
		metrics.RouteLookupFailuresTotal.Inc()
		p.logger.InfoContext(ctx, "No route for request, skipping policy processing",
			"routeKey", view.routeKey,
			"path", view.rawPath,
		)
		return skipAllResponse()
	}

	st.tx = &transaction{
		directives: rt.Directives,
		req:        buildRequest(view, rt),
	}
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("route.key", rt.Key),
			attribute.String("http.method", view.method),
		)
	}

	for _, ap := range requestStages {
		p.runStage(ctx, ap, st.tx)
		if st.tx.done {
			return p.outcomeResponse(ctx, st.tx.req, st.tx.outcome)
		}
	}
	return continueRequestHeaders()
}

func (p *Processor) handleResponseHeaders(ctx context.Context, msg *extprocv3.HttpHeaders, st *streamState) *extprocv3.ProcessingResponse {
	if st.tx == nil || st.tx.done {
		return continueResponseHeaders()
	}

	ctx, span := p.tracer.Start(ctx, "extproc.response_headers",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	st.tx.req.Response = buildResponse(p.logger, st.tx.req, msg)

	for _, ap := range responseStages {
		p.runStage(ctx, ap, st.tx)
		if st.tx.done {
			return p.outcomeResponse(ctx, st.tx.req, st.tx.outcome)
		}
	}
	return continueResponseHeaders()
}

// lookupRoute resolves the route from the route-key header, falling back to
// an exact path match when the header is absent.
func (p *Processor) lookupRoute(table *routes.Table, view requestView) (*routes.Route, bool) {
	if view.routeKey != "" {
		return table.Lookup(view.routeKey)
	}
	return table.Match(view.path)
}

func (p *Processor) runStage(ctx context.Context, ap policy.ApplyPoint, tx *transaction) {
	if hook := p.hookFor(ap); hook != nil {
		hook(ctx, tx)
	}
}

var (
	requestStages  = policy.RequestStages()
	responseStages = policy.ResponseStages()
)
