package loader

import (
	"fmt"
	"regexp"
	"strings"
)

// Resolver substitutes $config(...) references in policy parameters with
// values from the effective configuration, addressed by dot path into the raw
// config tree. A definition can then share settings with the gate config
// instead of duplicating them:
//
//	params:
//	  secret: $config(policy_settings.jwt.secret)
type Resolver struct {
	config map[string]interface{}
}

// NewResolver returns a resolver over the raw config tree. A nil tree is
// valid; every reference then fails to resolve.
func NewResolver(config map[string]interface{}) *Resolver {
	return &Resolver{config: config}
}

var configRefPattern = regexp.MustCompile(`^\$config\(([^)]+)\)$`)

// ResolveValue resolves one value. A string matching $config(path) is
// replaced by the config value at path, preserving its type; anything else
// passes through unchanged. An unresolvable reference is an error rather
// than a pass-through, so a dangling reference fails the load instead of
// installing a policy with a literal "$config(...)" parameter.
func (r *Resolver) ResolveValue(value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	m := configRefPattern.FindStringSubmatch(s)
	if m == nil {
		return value, nil
	}
	resolved, err := r.lookupPath(m[1])
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s: %w", s, err)
	}
	return resolved, nil
}

// ResolveMap resolves every $config reference in m, recursing through nested
// maps and slices.
func (r *Resolver) ResolveMap(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		rv, err := r.resolveAny(v)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[k] = rv
	}
	return out, nil
}

func (r *Resolver) resolveAny(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.ResolveValue(v)
	case map[string]interface{}:
		return r.ResolveMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rv, err := r.resolveAny(item)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return value, nil
	}
}

func (r *Resolver) lookupPath(path string) (interface{}, error) {
	var current interface{} = r.config
	for _, part := range strings.Split(path, ".") {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%q is not a config section", part)
		}
		v, exists := node[part]
		if !exists {
			// Environment overrides arrive with lowercased keys.
			v, exists = node[strings.ToLower(part)]
			if !exists {
				return nil, fmt.Errorf("no config value at %q", part)
			}
		}
		current = v
	}
	return current, nil
}
