package negotiator

import "fmt"

// State is where a call's peer connection stands in the offer/answer exchange.
type State int

const (
	AwaitingLocalDescription State = iota
	AwaitingRemoteDescription
	Negotiating
	Connected
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingLocalDescription:
		return "awaiting_local_description"
	case AwaitingRemoteDescription:
		return "awaiting_remote_description"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further input can change the state.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

// Outcome classifies what happened to one input.
type Outcome int

const (
	// Applied means the input changed the connection.
	Applied Outcome = iota
	// Buffered means a remote candidate is held until the remote description exists.
	Buffered
	// Ignored inputs are negotiation noise: malformed, out of turn or rejected
	// by the transport. The call continues.
	Ignored
	// Fatal inputs leave the call unusable.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Ignored:
		return "ignored"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned for every input fed to a Negotiator. Err explains
// Ignored and Fatal outcomes.
type Result struct {
	Outcome Outcome
	Err     error
}

func applied() Result          { return Result{Outcome: Applied} }
func buffered() Result         { return Result{Outcome: Buffered} }
func ignored(err error) Result { return Result{Outcome: Ignored, Err: err} }
func fatal(err error) Result   { return Result{Outcome: Fatal, Err: err} }
func (r Result) IsFatal() bool { return r.Outcome == Fatal }
func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Outcome, r.Err)
	}
	return r.Outcome.String()
}
