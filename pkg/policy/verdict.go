package policy

import "sync"

// Verdict is the decision a policy reports for a request (oneof pattern).
type Verdict interface {
	isVerdict()          // private marker method
	StopExecution() bool // returns true if the chain must halt
}

// Granted allows the request to pass to the next policy in the chain.
type Granted struct{}

func (Granted) isVerdict()          {}
func (Granted) StopExecution() bool { return false }

// Denial refuses the request. Reason is surfaced to the client with the
// forbidden outcome.
type Denial struct {
	Reason string
}

func (Denial) isVerdict()          {}
func (Denial) StopExecution() bool { return true }

// Failure reports an internal policy error. The wrapped error reaches the
// host unchanged.
type Failure struct {
	Err error
}

func (Failure) isVerdict()          {}
func (Failure) StopExecution() bool { return true }

// Reply carries a policy's completion signal back to the executor. The first
// signal wins; any later Grant, Deny, or Fail on the same reply is a no-op,
// so a misbehaving policy cannot produce a second outcome.
type Reply struct {
	once sync.Once
	ch   chan Verdict
}

// NewReply returns a reply ready for one policy invocation. The channel is
// buffered so a policy signaling from its own goroutine never blocks on the
// executor.
func NewReply() *Reply {
	return &Reply{ch: make(chan Verdict, 1)}
}

// Grant allows the request to continue.
func (r *Reply) Grant() { r.signal(Granted{}) }

// Deny refuses the request with an operator-supplied reason.
func (r *Reply) Deny(reason string) { r.signal(Denial{Reason: reason}) }

// Fail reports an internal error from the policy body.
func (r *Reply) Fail(err error) { r.signal(Failure{Err: err}) }

func (r *Reply) signal(v Verdict) {
	r.once.Do(func() { r.ch <- v })
}

// Done returns the channel the executor receives the verdict from. It yields
// exactly one value per reply.
func (r *Reply) Done() <-chan Verdict { return r.ch }
