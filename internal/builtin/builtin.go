// Package builtin provides the policy types a definition file can declare.
// Each type is a factory that validates its params once at load time and
// returns the policy function the registry stores.
package builtin

import (
	"fmt"
	"sort"

	"github.com/go-viper/mapstructure/v2"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

// Factory builds one policy function from its decoded params. Params
// validation happens here, at load time; the returned function runs per
// request and must signal exactly one verdict on every path.
type Factory func(params map[string]interface{}) (policy.Func, error)

var factories = map[string]Factory{
	"jwt-auth":     newJWTAuth,
	"basic-auth":   newBasicAuth,
	"ip-allow":     newIPAllow,
	"header-check": newHeaderCheck,
	"cel":          newCEL,
	"rego":         newRego,
	"rate-limit":   newRateLimit,
}

// New builds a policy function of the named type.
func New(typ string, params map[string]interface{}) (policy.Func, error) {
	factory, ok := factories[typ]
	if !ok {
		return nil, fmt.Errorf("unknown policy type %q (known: %v)", typ, Types())
	}
	fn, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("policy type %q: %w", typ, err)
	}
	return fn, nil
}

// Types lists the known policy types in sorted order.
func Types() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// decodeParams maps the YAML params block onto a builtin's config struct.
// Weak typing keeps YAML scalars forgiving; duration strings decode into
// time.Duration fields.
func decodeParams(params map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
