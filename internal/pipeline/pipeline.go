// Package pipeline ties the registry, resolver, and executor together and
// dispatches policy chains at fixed points of the request lifecycle.
//
// A host (HTTP listener, Envoy external processor) hands the engine one
// Transaction per request and invokes the installed stage hooks as the request
// moves through its lifecycle. The engine resolves the route's directives at
// each stage, runs the matching policies, and either lets the request proceed
// or finalizes it with a terminal outcome. Finalization happens at most once
// per request; hooks invoked after it return without running anything.
package pipeline

import (
	"context"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

// Outcome is the terminal result the engine hands a host when a chain stops a
// request. Exactly one of the two variants is ever produced per request.
type Outcome interface {
	isOutcome()
}

// Denied stops the request with a policy denial. Hosts surface the reason to
// the client unchanged (HTTP 403, Envoy immediate response).
type Denied struct {
	Reason string
}

func (Denied) isOutcome() {}

// Failed stops the request with the originating error, unchanged. Hosts map
// resolution sentinels to their wire surface: ErrMissingPolicy to
// "not implemented", the other kinds to an internal error.
type Failed struct {
	Err error
}

func (Failed) isOutcome() {}

// Transaction is the per-request handle a host gives the engine.
//
// Directives returns the route's declared policy list in order; nil or empty
// means the route declares none and the request proceeds immediately. Request
// returns the mutable request view shared by every stage. Proceed and Finalize
// are the two ways a stage run ends; after Finalize the transaction is dead
// and Finalized reports true for the rest of the request's life.
type Transaction interface {
	Directives() []policy.Directive
	Request() *policy.Request
	Proceed()
	Finalize(o Outcome)
	Finalized() bool
}

// StageHook runs the policy chain for one stage of one request.
type StageHook func(ctx context.Context, tx Transaction)

// Host is a request surface the engine attaches to. InstallStageHook is
// called at most once per stage per load cycle; installing a hook for a stage
// that already has one replaces it, so reloads stay idempotent.
type Host interface {
	InstallStageHook(ap policy.ApplyPoint, hook StageHook)
}
