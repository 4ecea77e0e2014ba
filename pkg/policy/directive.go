package policy

// Directive is one element of a route's policy list: either a reference to a
// stored policy by name, or an inline policy body with an optional explicit
// stage attribute. The zero value is neither and fails resolution with
// ErrMalformedDirective.
type Directive struct {
	name string
	fn   Func
	ap   ApplyPoint
}

// ByName references a stored policy. Whether the name exists is checked at
// resolution time, not here.
func ByName(name string) Directive {
	return Directive{name: name}
}

// Inline declares a policy directly on the route. It runs at the deployment's
// configured default stage.
func Inline(fn Func) Directive {
	return Directive{fn: fn}
}

// InlineAt declares an inline policy bound to an explicit stage. The stage
// attribute is validated at resolution time so that a misdeclared route fails
// the request rather than the program.
func InlineAt(ap ApplyPoint, fn Func) Directive {
	return Directive{fn: fn, ap: ap}
}

// Name returns the referenced policy name, or "" for inline directives.
func (d Directive) Name() string { return d.name }

// Body returns the inline policy body, or nil for by-name directives.
func (d Directive) Body() Func { return d.fn }

// Stage returns the inline directive's explicit stage attribute, or "" when
// the directive defers to the configured default.
func (d Directive) Stage() ApplyPoint { return d.ap }

// IsZero reports whether the directive carries neither a name nor a body.
func (d Directive) IsZero() bool { return d.name == "" && d.fn == nil }
