// Package resolver computes, for one request at one lifecycle stage, the
// ordered list of policies to execute from the route's declared directives.
package resolver

import (
	"fmt"

	"github.com/policy-gate/policy-gate/internal/registry"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// Resolved is one executable entry of a resolution result. Name identifies
// the policy in logs, spans, and audit records; inline directives get a
// synthetic name carrying their position in the route's list.
type Resolved struct {
	Name string
	Func policy.Func
}

// Resolve walks the directives in declared order and returns the policies
// bound to stage ap, preserving that order. The first invalid directive wins:
// its error is returned and no policy from the list may execute.
//
// Directives destined for other stages are skipped here, not reordered; they
// run when their own stage is reached. A name reserved with the disabled
// marker is known but bound nowhere, so it is skipped at every stage.
func Resolve(ap policy.ApplyPoint, reg *registry.Registry, directives []policy.Directive) ([]Resolved, error) {
	if len(directives) == 0 {
		return nil, nil
	}

	var out []Resolved
	for i, d := range directives {
		switch {
		case d.Name() != "":
			name := d.Name()
			if !reg.Known(name) {
				return nil, fmt.Errorf("%w: %q", policy.ErrMissingPolicy, name)
			}
			if fn, ok := reg.Lookup(ap, name); ok {
				out = append(out, Resolved{Name: name, Func: fn})
			}

		case d.Body() != nil:
			effective := d.Stage()
			if effective == "" {
				effective = reg.DefaultApplyPoint()
			} else if !effective.Valid() {
				return nil, fmt.Errorf("%w: inline directive %d declares %q", policy.ErrInvalidApplyPoint, i, effective)
			}
			if effective == ap {
				out = append(out, Resolved{Name: fmt.Sprintf("inline[%d]", i), Func: d.Body()})
			}

		default:
			return nil, fmt.Errorf("%w: directive %d", policy.ErrMalformedDirective, i)
		}
	}
	return out, nil
}
