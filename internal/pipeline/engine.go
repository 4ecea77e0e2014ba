package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/policy-gate/policy-gate/internal/executor"
	"github.com/policy-gate/policy-gate/internal/metrics"
	"github.com/policy-gate/policy-gate/internal/registry"
	"github.com/policy-gate/policy-gate/internal/resolver"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// Decision is the audit record for one stage run of one request.
type Decision struct {
	RequestID string
	Route     string
	Method    string
	Path      string
	ClientIP  string
	Stage     policy.ApplyPoint

	// Policy is the halting policy's name, empty when the chain ran through.
	Policy string

	// Outcome is one of "granted", "denied", "failed", "resolution_error".
	Outcome string

	// Reason carries the denial reason; Error the failure or resolution
	// error text. At most one is set.
	Reason string
	Error  string

	Duration time.Duration
	At       time.Time
}

func newDecision(req *policy.Request, ap policy.ApplyPoint, outcome string) Decision {
	return Decision{
		RequestID: req.ID,
		Route:     req.Route,
		Method:    req.Method,
		Path:      req.Path,
		ClientIP:  req.ClientIP,
		Stage:     ap,
		Outcome:   outcome,
		At:        time.Now(),
	}
}

// Recorder receives one Decision per stage run that had policies to run.
// Implementations must not block; the engine calls Record on the request
// path.
type Recorder interface {
	Record(ctx context.Context, d Decision)
}

// Options configures an Engine.
type Options struct {
	// DefaultApplyPoint is the stage bound to policies and inline directives
	// that declare none. Must be one of the six runnable stages.
	DefaultApplyPoint policy.ApplyPoint

	Logger *slog.Logger
	Tracer trace.Tracer

	// Recorder receives decision events; nil disables auditing.
	Recorder Recorder
}

// Engine owns the registry and executor and installs stage hooks into
// attached hosts. Construction, host attachment, and policy loading happen
// single-threaded at startup; request-time dispatch is read-only.
type Engine struct {
	registry *registry.Registry
	executor *executor.Executor
	logger   *slog.Logger
	recorder Recorder
	hosts    []Host
}

// NewEngine creates an engine and its registry. The registry's installer
// fans hook installation out to every attached host, so hosts must be
// attached before policies load.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		logger:   opts.Logger,
		recorder: opts.Recorder,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.registry = registry.New(opts.DefaultApplyPoint, e.installStage)
	e.executor = executor.New(opts.Tracer)
	return e
}

// Registry exposes the engine's registry for loading and administration.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// AttachHost adds a request surface. Hosts attached after policies have
// loaded receive hooks for every stage already in use.
func (e *Engine) AttachHost(h Host) {
	e.hosts = append(e.hosts, h)
	for _, ap := range policy.ApplyPoints() {
		if e.registry.Installed(ap) {
			h.InstallStageHook(ap, e.hookFor(ap))
		}
	}
}

// installStage is the registry's installer callback, fired the first time any
// policy binds to a stage in a load cycle.
func (e *Engine) installStage(ap policy.ApplyPoint) {
	metrics.StageHooksInstalled.Inc()
	e.logger.Info("stage hook installed", "applyPoint", string(ap))
	hook := e.hookFor(ap)
	for _, h := range e.hosts {
		h.InstallStageHook(ap, hook)
	}
}

func (e *Engine) hookFor(ap policy.ApplyPoint) StageHook {
	return func(ctx context.Context, tx Transaction) {
		e.runStage(ctx, ap, tx)
	}
}

// runStage resolves and executes the transaction's directives at one stage.
func (e *Engine) runStage(ctx context.Context, ap policy.ApplyPoint, tx Transaction) {
	if tx.Finalized() {
		return
	}

	directives := tx.Directives()
	if len(directives) == 0 {
		tx.Proceed()
		return
	}

	req := tx.Request()
	log := policy.WithRequest(e.logger, req)

	resolved, err := resolver.Resolve(ap, e.registry, directives)
	if err != nil {
		kind := resolutionKind(err)
		metrics.ResolutionErrorsTotal.WithLabelValues(string(ap), kind).Inc()
		metrics.StageExecutionsTotal.WithLabelValues(string(ap), "resolution_error").Inc()
		log.ErrorContext(ctx, "directive resolution failed",
			"applyPoint", string(ap),
			"kind", kind,
			"error", err,
		)
		d := newDecision(req, ap, "resolution_error")
		d.Error = err.Error()
		e.record(ctx, d)
		e.finalize(tx, Failed{Err: err})
		return
	}

	result := e.executor.Run(ctx, ap, req, resolved)
	metrics.StageDurationSeconds.WithLabelValues(string(ap)).Observe(result.TotalDuration.Seconds())

	switch v := result.Final.(type) {
	case policy.Denial:
		metrics.StageExecutionsTotal.WithLabelValues(string(ap), "denied").Inc()
		log.InfoContext(ctx, "request denied by policy",
			"applyPoint", string(ap),
			"policy", haltingPolicy(result),
			"reason", v.Reason,
		)
		d := newDecision(req, ap, "denied")
		d.Policy = haltingPolicy(result)
		d.Reason = v.Reason
		d.Duration = result.TotalDuration
		e.record(ctx, d)
		e.finalize(tx, Denied{Reason: v.Reason})

	case policy.Failure:
		metrics.StageExecutionsTotal.WithLabelValues(string(ap), "failed").Inc()
		log.ErrorContext(ctx, "policy execution failed",
			"applyPoint", string(ap),
			"policy", haltingPolicy(result),
			"error", v.Err,
		)
		d := newDecision(req, ap, "failed")
		d.Policy = haltingPolicy(result)
		d.Error = v.Err.Error()
		d.Duration = result.TotalDuration
		e.record(ctx, d)
		e.finalize(tx, Failed{Err: v.Err})

	default:
		metrics.StageExecutionsTotal.WithLabelValues(string(ap), "granted").Inc()
		if len(resolved) > 0 {
			d := newDecision(req, ap, "granted")
			d.Duration = result.TotalDuration
			e.record(ctx, d)
		}
		tx.Proceed()
	}
}

// finalize emits the outcome unless another path already finalized the
// transaction. This is the single emission point, so a request never sees two
// terminal outcomes.
func (e *Engine) finalize(tx Transaction, o Outcome) {
	if tx.Finalized() {
		return
	}
	tx.Finalize(o)
}

func (e *Engine) record(ctx context.Context, d Decision) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(ctx, d)
}

// haltingPolicy names the policy that stopped the chain, if any.
func haltingPolicy(result *executor.ChainResult) string {
	if !result.ShortCircuited || len(result.Results) == 0 {
		return ""
	}
	return result.Results[len(result.Results)-1].Name
}

func resolutionKind(err error) string {
	switch {
	case errors.Is(err, policy.ErrMissingPolicy):
		return "missing_policy"
	case errors.Is(err, policy.ErrInvalidApplyPoint):
		return "invalid_apply_point"
	case errors.Is(err, policy.ErrMalformedDirective):
		return "malformed_directive"
	default:
		return "other"
	}
}
