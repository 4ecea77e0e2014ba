// Package policy defines the contract between the policy-gate engine and the
// policies it executes: the lifecycle stage set, the policy body signature
// with its exactly-once completion reply, route directives, and the request
// view policies inspect.
package policy

import "context"

// Func is the executable body of a policy. The engine invokes it with the
// request view and a reply handle; the body may finish synchronously or hand
// the reply to another goroutine, but it must signal exactly once. Signals
// after the first are ignored.
type Func func(ctx context.Context, req *Request, reply *Reply)

// Registration binds a name to a policy body and a lifecycle stage. Name must
// be non-empty and unique across the whole registry. ApplyPoint may be one of
// the six stages, ApplyPointNone to reserve the name without running, or
// empty to take the deployment's configured default stage.
type Registration struct {
	Name       string
	ApplyPoint ApplyPoint
	Func       Func
}
