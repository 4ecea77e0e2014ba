package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

// celEnv is the shared environment for every expression. Expressions see two
// maps: request (id, method, path, route, host, client_ip, header, query,
// params, values) and response (status, header, body; zeroed until a
// response-side stage runs).
var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("response", cel.MapType(cel.StringType, cel.DynType)),
	)
})

type celParams struct {
	Expr string `mapstructure:"expr"`

	// DenyReason is surfaced when the expression evaluates false.
	DenyReason string `mapstructure:"deny_reason"`
}

const defaultExprReason = "request rejected by expression"

// newCEL grants when the expression evaluates true, denies when false, and
// fails the request on evaluation errors or non-boolean results.
func newCEL(params map[string]interface{}) (policy.Func, error) {
	var p celParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Expr == "" {
		return nil, fmt.Errorf("expr is required")
	}
	if p.DenyReason == "" {
		p.DenyReason = defaultExprReason
	}
	return compileExpr(p.Expr, p.DenyReason)
}

// CompileExpr compiles a boolean expression into an inline policy function.
// Route files use this for their expr directives.
func CompileExpr(expr string) (policy.Func, error) {
	return compileExpr(expr, defaultExprReason)
}

func compileExpr(expr, denyReason string) (policy.Func, error) {
	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression compilation failed: %w", issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("expression program creation failed: %w", err)
	}

	return func(_ context.Context, req *policy.Request, reply *policy.Reply) {
		out, _, err := program.Eval(requestActivation(req))
		if err != nil {
			reply.Fail(fmt.Errorf("expression evaluation failed: %w", err))
			return
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			reply.Fail(fmt.Errorf("expression must return a boolean, got %T", out.Value()))
			return
		}
		if !allowed {
			reply.Deny(denyReason)
			return
		}
		reply.Grant()
	}, nil
}

// requestActivation builds the evaluation input shared by the cel and rego
// types. Header keys are lowercased so expressions work the same against
// both hosts.
func requestActivation(req *policy.Request) map[string]interface{} {
	request := map[string]interface{}{
		"id":        req.ID,
		"method":    req.Method,
		"path":      req.Path,
		"route":     req.Route,
		"host":      req.Host,
		"client_ip": req.ClientIP,
		"header":    lowerHeaderMap(req.Header),
		"query":     map[string][]string(req.Query),
		"params":    req.Params,
		"values":    req.Values,
	}
	if request["query"] == nil {
		request["query"] = map[string][]string{}
	}
	if request["params"] == nil {
		request["params"] = map[string]string{}
	}
	if request["values"] == nil {
		request["values"] = map[string]interface{}{}
	}

	response := map[string]interface{}{
		"status": 0,
		"header": map[string][]string{},
		"body":   "",
	}
	if req.Response != nil {
		response["status"] = req.Response.Status
		response["header"] = lowerHeaderMap(req.Response.Header)
		response["body"] = string(req.Response.Body)
	}

	return map[string]interface{}{
		"request":  request,
		"response": response,
	}
}

func lowerHeaderMap(h map[string][]string) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v
	}
	return out
}
