// Package executor runs a resolved policy list for one request, one policy at
// a time, halting at the first denial or failure.
package executor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/policy-gate/policy-gate/internal/metrics"
	"github.com/policy-gate/policy-gate/internal/resolver"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// PolicyResult records one policy invocation within a chain.
type PolicyResult struct {
	Name     string
	Verdict  policy.Verdict
	Duration time.Duration
}

// ChainResult is the terminal state of one chain execution. Final is
// policy.Granted when every policy granted passage (an empty list completes
// immediately); otherwise it is the Denial or Failure that halted the chain,
// and Results stops at the halting policy.
type ChainResult struct {
	Final          policy.Verdict
	Results        []PolicyResult
	ShortCircuited bool
	TotalDuration  time.Duration
}

// Executor is the sequential chain execution engine. It is stateless across
// requests and safe for concurrent use.
type Executor struct {
	tracer trace.Tracer
}

// New creates an Executor. The tracer may be a noop tracer when tracing is
// disabled.
func New(tracer trace.Tracer) *Executor {
	return &Executor{tracer: tracer}
}

// Run executes list in order at stage ap. Exactly one policy is in flight at
// a time: Run blocks on each policy's reply before moving on, and each reply
// yields at most one verdict, so one invocation produces one result. There is
// no timeout at this layer; a policy that never signals stalls only its own
// request, and cutting it off is the host's or the policy's business.
func (e *Executor) Run(ctx context.Context, ap policy.ApplyPoint, req *policy.Request, list []resolver.Resolved) *ChainResult {
	start := time.Now()
	result := &ChainResult{
		Final:   policy.Granted{},
		Results: make([]PolicyResult, 0, len(list)),
	}

	for _, p := range list {
		policyStart := time.Now()

		// Per-policy span; noop when tracing is disabled.
		runCtx, span := e.tracer.Start(ctx, "policy "+p.Name,
			trace.WithSpanKind(trace.SpanKindInternal))
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("policy.name", p.Name),
				attribute.String("policy.apply_point", string(ap)),
			)
		}

		reply := policy.NewReply()
		p.Func(runCtx, req, reply)
		verdict := <-reply.Done()
		elapsed := time.Since(policyStart)

		metrics.PolicyExecutionsTotal.WithLabelValues(p.Name, string(ap), verdictLabel(verdict)).Inc()
		metrics.PolicyDurationSeconds.WithLabelValues(p.Name, string(ap)).Observe(elapsed.Seconds())
		if span.IsRecording() {
			span.SetAttributes(attribute.Int64("policy.execution_time_ns", elapsed.Nanoseconds()))
		}

		result.Results = append(result.Results, PolicyResult{
			Name:     p.Name,
			Verdict:  verdict,
			Duration: elapsed,
		})

		if verdict.StopExecution() {
			switch v := verdict.(type) {
			case policy.Denial:
				metrics.PolicyDenialsTotal.WithLabelValues(p.Name, string(ap)).Inc()
				if span.IsRecording() {
					span.SetAttributes(attribute.String("policy.deny_reason", v.Reason))
				}
			case policy.Failure:
				if span.IsRecording() {
					span.RecordError(v.Err)
					span.SetStatus(codes.Error, "policy execution failed")
				}
			}
			result.Final = verdict
			result.ShortCircuited = true
			span.End()
			break
		}
		span.End()
	}

	result.TotalDuration = time.Since(start)
	return result
}

func verdictLabel(v policy.Verdict) string {
	switch v.(type) {
	case policy.Granted:
		return "granted"
	case policy.Denial:
		return "denied"
	case policy.Failure:
		return "failed"
	default:
		return "unknown"
	}
}
