package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

type regoParams struct {
	// Module is the inline Rego source.
	Module string `mapstructure:"module"`

	// Package overrides the package extracted from the module source.
	Package string `mapstructure:"package"`
}

// newRego evaluates a prepared Rego query per request. The module decides
// with `allow` (boolean, default deny) and may set `deny_reason` (string)
// for the client-visible reason.
func newRego(params map[string]interface{}) (policy.Func, error) {
	var p regoParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Module == "" {
		return nil, fmt.Errorf("module is required")
	}
	pkg := p.Package
	if pkg == "" {
		pkg = extractPackage(p.Module)
	}
	if pkg == "" {
		return nil, fmt.Errorf("module declares no package and none was configured")
	}

	r := rego.New(
		rego.Module("policy.rego", p.Module),
		rego.Query("data."+pkg),
	)
	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare module: %w", err)
	}

	return func(ctx context.Context, req *policy.Request, reply *policy.Reply) {
		results, err := query.Eval(ctx, rego.EvalInput(requestActivation(req)))
		if err != nil {
			reply.Fail(fmt.Errorf("rego evaluation failed: %w", err))
			return
		}

		doc := documentValue(results)
		if allowed, _ := doc["allow"].(bool); allowed {
			reply.Grant()
			return
		}
		reason, _ := doc["deny_reason"].(string)
		if reason == "" {
			reason = "request rejected by policy"
		}
		reply.Deny(reason)
	}, nil
}

// documentValue unwraps the package document from the result set.
func documentValue(results rego.ResultSet) map[string]interface{} {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil
	}
	doc, _ := results[0].Expressions[0].Value.(map[string]interface{})
	return doc
}

func extractPackage(module string) string {
	for _, line := range strings.Split(module, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				return fields[1]
			}
		}
	}
	return ""
}
