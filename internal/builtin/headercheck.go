package builtin

import (
	"context"
	"fmt"
	"regexp"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

type headerCheckParams struct {
	Header string `mapstructure:"header"`

	// Equals requires an exact value; Pattern a regexp match. At most one
	// may be set; with neither, presence alone passes.
	Equals  string `mapstructure:"equals"`
	Pattern string `mapstructure:"pattern"`
}

// newHeaderCheck requires a header to be present and, optionally, to carry a
// specific or matching value.
func newHeaderCheck(params map[string]interface{}) (policy.Func, error) {
	var p headerCheckParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Header == "" {
		return nil, fmt.Errorf("header is required")
	}
	if p.Equals != "" && p.Pattern != "" {
		return nil, fmt.Errorf("equals and pattern are mutually exclusive")
	}

	var re *regexp.Regexp
	if p.Pattern != "" {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		re = compiled
	}

	missingReason := fmt.Sprintf("missing required header %s", p.Header)
	rejectReason := fmt.Sprintf("header %s rejected", p.Header)

	return func(_ context.Context, req *policy.Request, reply *policy.Reply) {
		value := req.Header.Get(p.Header)
		if value == "" {
			reply.Deny(missingReason)
			return
		}
		if p.Equals != "" && value != p.Equals {
			reply.Deny(rejectReason)
			return
		}
		if re != nil && !re.MatchString(value) {
			reply.Deny(rejectReason)
			return
		}
		reply.Grant()
	}, nil
}
