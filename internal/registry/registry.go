// Package registry holds the stored policies of one deployment: the global
// name namespace, the per-stage policy tables, and the lazy stage-hook
// installation marks.
//
// The registry follows a strict two-phase lifecycle. During the load phase a
// single goroutine populates it through Register and LoadFromSource; once
// traffic is served it is read-only, so request-time lookups take no lock.
// It is not safe to register concurrently with request handling.
package registry

import (
	"fmt"

	"github.com/policy-gate/policy-gate/internal/metrics"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// InstallFunc is fired at most once per stage, on the first registration that
// binds a policy there. The pipeline uses it to install its stage hook into
// the attached hosts, so stages nobody targets cost nothing per request.
type InstallFunc func(ap policy.ApplyPoint)

// Registry maps policy names to executable bodies, partitioned by lifecycle
// stage. Names are unique across the whole registry, not per stage.
type Registry struct {
	defaultApplyPoint policy.ApplyPoint
	installer         InstallFunc

	// names records every registered name with its effective stage,
	// including ApplyPointNone entries that reserve a name without ever
	// running. It is always the union of the stage table keys plus the
	// disabled names.
	names map[string]policy.ApplyPoint

	byApplyPoint map[policy.ApplyPoint]map[string]policy.Func

	// installed marks stages whose hook installation has fired. Set once
	// per stage, cleared only by Reset.
	installed map[policy.ApplyPoint]bool
}

// New returns an empty registry. defaultApplyPoint applies to registrations
// that declare no stage and must be one of the six stages (validated by
// config before the registry is built). installer may be nil when no host
// installation is wanted, e.g. in tests.
func New(defaultApplyPoint policy.ApplyPoint, installer InstallFunc) *Registry {
	return &Registry{
		defaultApplyPoint: defaultApplyPoint,
		installer:         installer,
		names:             make(map[string]policy.ApplyPoint),
		byApplyPoint:      make(map[policy.ApplyPoint]map[string]policy.Func),
		installed:         make(map[policy.ApplyPoint]bool),
	}
}

// Register adds one stored policy. It fails with policy.ErrDuplicateName if
// the name is taken anywhere in the registry, and with
// policy.ErrInvalidApplyPoint if the registration declares a stage outside
// the valid set. A registration with ApplyPointNone reserves the name but is
// bound to no stage and installs no hook. The first registration that binds a
// stage fires the installer for it.
func (r *Registry) Register(reg policy.Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("policy name must not be empty")
	}
	if reg.Func == nil {
		return fmt.Errorf("policy %q has no body", reg.Name)
	}
	if _, exists := r.names[reg.Name]; exists {
		return fmt.Errorf("%w: %q", policy.ErrDuplicateName, reg.Name)
	}

	ap := reg.ApplyPoint
	switch {
	case ap == "":
		ap = r.defaultApplyPoint
	case ap == policy.ApplyPointNone:
		// Name reserved, never bound to a stage.
	case !ap.Valid():
		return fmt.Errorf("%w: policy %q declares %q", policy.ErrInvalidApplyPoint, reg.Name, ap)
	}

	r.names[reg.Name] = ap
	metrics.PoliciesRegistered.Inc()
	if ap == policy.ApplyPointNone {
		return nil
	}

	stage := r.byApplyPoint[ap]
	if stage == nil {
		stage = make(map[string]policy.Func)
		r.byApplyPoint[ap] = stage
	}
	stage[reg.Name] = reg.Func

	if !r.installed[ap] {
		r.installed[ap] = true
		if r.installer != nil {
			r.installer(ap)
		}
	}
	return nil
}

// LoadFromSource registers an ordered batch of discovered policies. The first
// failure halts the batch and is returned; registrations made before the
// failure stay in place, so the operator sees exactly how far the load got.
func (r *Registry) LoadFromSource(entries []policy.Registration) error {
	for i, e := range entries {
		if err := r.Register(e); err != nil {
			return fmt.Errorf("loading policy %d of %d: %w", i+1, len(entries), err)
		}
	}
	return nil
}

// Reset clears every registration and installation mark. Stage hooks already
// handed to a host stay installed; after a reset they resolve empty policy
// lists and requests pass through untouched until policies are loaded again.
// A clean restart therefore also needs the host's extension points rebuilt.
func (r *Registry) Reset() {
	r.names = make(map[string]policy.ApplyPoint)
	r.byApplyPoint = make(map[policy.ApplyPoint]map[string]policy.Func)
	r.installed = make(map[policy.ApplyPoint]bool)
	metrics.PoliciesRegistered.Set(0)
	metrics.StageHooksInstalled.Set(0)
}

// DefaultApplyPoint returns the stage applied to registrations and inline
// directives that declare none.
func (r *Registry) DefaultApplyPoint() policy.ApplyPoint {
	return r.defaultApplyPoint
}

// Lookup returns the body registered under name at stage ap.
func (r *Registry) Lookup(ap policy.ApplyPoint, name string) (policy.Func, bool) {
	fn, ok := r.byApplyPoint[ap][name]
	return fn, ok
}

// Known reports whether name is registered anywhere, including names reserved
// with ApplyPointNone.
func (r *Registry) Known(name string) bool {
	_, ok := r.names[name]
	return ok
}

// Installed reports whether the stage hook for ap has been installed.
func (r *Registry) Installed(ap policy.ApplyPoint) bool {
	return r.installed[ap]
}

// Size returns the number of registered names, disabled entries included.
func (r *Registry) Size() int {
	return len(r.names)
}

// Dump returns a copy of the name table for the admin surface.
func (r *Registry) Dump() map[string]policy.ApplyPoint {
	dump := make(map[string]policy.ApplyPoint, len(r.names))
	for name, ap := range r.names {
		dump[name] = ap
	}
	return dump
}
