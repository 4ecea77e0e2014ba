// Package testutils holds canned policies and transport mocks shared by the
// host test suites.
package testutils

import (
	"context"
	"sync"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

// AlwaysGrant grants every request.
func AlwaysGrant() policy.Func {
	return func(_ context.Context, _ *policy.Request, reply *policy.Reply) {
		reply.Grant()
	}
}

// AlwaysDeny denies every request with the given reason.
func AlwaysDeny(reason string) policy.Func {
	return func(_ context.Context, _ *policy.Request, reply *policy.Reply) {
		reply.Deny(reason)
	}
}

// Failing fails every request with the given error.
func Failing(err error) policy.Func {
	return func(_ context.Context, _ *policy.Request, reply *policy.Reply) {
		reply.Fail(err)
	}
}

// Recording appends name to the trail, then grants.
func Recording(trail *Trail, name string) policy.Func {
	return func(_ context.Context, _ *policy.Request, reply *policy.Reply) {
		trail.Add(name)
		reply.Grant()
	}
}

// Stalling blocks until release is closed, then grants. A cancelled request
// context fails the policy instead, so a stuck test cannot hang forever.
func Stalling(release <-chan struct{}) policy.Func {
	return func(ctx context.Context, _ *policy.Request, reply *policy.Reply) {
		select {
		case <-release:
			reply.Grant()
		case <-ctx.Done():
			reply.Fail(ctx.Err())
		}
	}
}

// Trail is a concurrency-safe record of policy executions.
type Trail struct {
	mu    sync.Mutex
	names []string
}

// Add appends one name.
func (t *Trail) Add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = append(t.names, name)
}

// Names returns a copy of the recorded names in execution order.
func (t *Trail) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Len returns the number of recorded executions.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.names)
}
