package builtin

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

type ipAllowParams struct {
	// Cidrs is the allow list. Bare addresses are accepted as /32 (or /128)
	// prefixes.
	Cidrs []string `mapstructure:"cidrs"`
}

// newIPAllow admits only clients whose address falls in one of the
// configured prefixes.
func newIPAllow(params map[string]interface{}) (policy.Func, error) {
	var p ipAllowParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Cidrs) == 0 {
		return nil, fmt.Errorf("cidrs is required")
	}

	prefixes := make([]netip.Prefix, 0, len(p.Cidrs))
	for _, c := range p.Cidrs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			addr, addrErr := netip.ParseAddr(c)
			if addrErr != nil {
				return nil, fmt.Errorf("cidrs[%q]: not a CIDR or address", c)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		prefixes = append(prefixes, prefix)
	}

	return func(_ context.Context, req *policy.Request, reply *policy.Reply) {
		addr, err := netip.ParseAddr(req.ClientIP)
		if err != nil {
			reply.Deny("client address not allowed")
			return
		}
		addr = addr.Unmap()
		for _, prefix := range prefixes {
			if prefix.Contains(addr) {
				reply.Grant()
				return
			}
		}
		reply.Deny("client address not allowed")
	}, nil
}
