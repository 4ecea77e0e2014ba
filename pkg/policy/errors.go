package policy

import "errors"

// Registration and resolution failure kinds. Call sites wrap these with
// fmt.Errorf("...: %w", ...) to attach the offending name or value, so both
// errors.Is matching and the detail survive.
var (
	// ErrDuplicateName rejects a registration whose name is already taken
	// anywhere in the registry, regardless of stage.
	ErrDuplicateName = errors.New("policy name already registered")

	// ErrInvalidApplyPoint rejects a stage attribute outside the closed
	// stage set, at registration or at directive resolution.
	ErrInvalidApplyPoint = errors.New("invalid apply point")

	// ErrMissingPolicy rejects a route directive naming a policy that was
	// never registered. Hosts surface it as a not-implemented outcome.
	ErrMissingPolicy = errors.New("policy not registered")

	// ErrMalformedDirective rejects a route directive that carries neither
	// a policy name nor an inline body.
	ErrMalformedDirective = errors.New("malformed policy directive")
)
