package policy

import "fmt"

// ApplyPoint identifies a stage of the request lifecycle at which policies run.
type ApplyPoint string

// The six lifecycle stages, in the order a request passes through them.
const (
	OnRequest     ApplyPoint = "request"      // connection received, before any other processing
	OnPreAuth     ApplyPoint = "pre-auth"     // before credential validation
	OnPostAuth    ApplyPoint = "post-auth"    // after credential validation
	OnPreHandler  ApplyPoint = "pre-handler"  // before the route handler runs
	OnPostHandler ApplyPoint = "post-handler" // after the handler produced a response
	OnPreResponse ApplyPoint = "pre-response" // before the response is written to the client
)

// ApplyPointNone reserves a policy name without binding it to any stage.
// A policy registered with it occupies its name for duplicate detection but
// never executes. It is not a member of the stage set.
const ApplyPointNone ApplyPoint = "disabled"

// applyPoints is the closed stage set. Never mutated after process start.
var applyPoints = [...]ApplyPoint{
	OnRequest,
	OnPreAuth,
	OnPostAuth,
	OnPreHandler,
	OnPostHandler,
	OnPreResponse,
}

// ApplyPoints returns the stages in lifecycle order. The caller owns the slice.
func ApplyPoints() []ApplyPoint {
	out := make([]ApplyPoint, len(applyPoints))
	copy(out, applyPoints[:])
	return out
}

// RequestStages returns the stages that run before the route handler, in
// order. The caller owns the slice.
func RequestStages() []ApplyPoint {
	return []ApplyPoint{OnRequest, OnPreAuth, OnPostAuth, OnPreHandler}
}

// ResponseStages returns the stages that run after the handler produced a
// response, in order. The caller owns the slice.
func ResponseStages() []ApplyPoint {
	return []ApplyPoint{OnPostHandler, OnPreResponse}
}

// Valid reports whether p is one of the six lifecycle stages. ApplyPointNone
// and the empty string are not stages.
func (p ApplyPoint) Valid() bool {
	for _, ap := range applyPoints {
		if p == ap {
			return true
		}
	}
	return false
}

// ParseApplyPoint maps a configured stage name to an ApplyPoint. It accepts
// the six stage names and "disabled".
func ParseApplyPoint(s string) (ApplyPoint, error) {
	ap := ApplyPoint(s)
	if ap.Valid() || ap == ApplyPointNone {
		return ap, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidApplyPoint, s)
}
