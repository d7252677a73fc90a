package signals

import "fmt"

// Outcome is the transition a pipeline stage asks the runner to take.
type Outcome int

const (
	// OutcomeContinue proceeds to the next stage.
	OutcomeContinue Outcome = iota
	// OutcomeStop halts the middleware chain.
	OutcomeStop
	// OutcomeForward reports that the stage handed the request to another
	// command; the stage is treated as having opted out.
	OutcomeForward
	// OutcomeReject carries a rejection signal (invalid prefix or scope
	// violation) that the runner handles per phase.
	OutcomeReject
	// OutcomeFail carries an ordinary error.
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeStop:
		return "stop"
	case OutcomeForward:
		return "forward"
	case OutcomeReject:
		return "reject"
	case OutcomeFail:
		return "fail"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision is the value a middleware returns to drive the pipeline. The zero
// value is Continue.
type Decision struct {
	Outcome Outcome

	// Target names the command a Forward decision handed off to, if known.
	Target string

	// Signal is set for Stop, Forward and Reject decisions.
	Signal *Signal

	// Err is set for Fail decisions.
	Err error
}

// Continue lets the pipeline proceed.
func Continue() Decision {
	return Decision{Outcome: OutcomeContinue}
}

// Halt stops the middleware chain.
func Halt() Decision {
	return Decision{Outcome: OutcomeStop, Signal: New(KindStopMiddlewares)}
}

// ExitChain is the middleware-only alias of Halt.
func ExitChain() Decision {
	return Decision{Outcome: OutcomeStop, Signal: New(KindExitMiddleware)}
}

// Forward reports that the request was handed to target.
func Forward(target string) Decision {
	return Decision{Outcome: OutcomeForward, Target: target, Signal: New(KindForwardedCommand)}
}

// Reject carries a rejection signal of the given kind.
func Reject(kind Kind) Decision {
	return Decision{Outcome: OutcomeReject, Signal: New(kind)}
}

// Fail carries err. A nil err yields Continue.
func Fail(err error) Decision {
	if err == nil {
		return Continue()
	}
	return Decide(err)
}

// Decide converts an error returned by a stage into a Decision. Signals map to
// their outcome; nil maps to Continue; anything else is Fail.
func Decide(err error) Decision {
	if err == nil {
		return Continue()
	}
	sig, ok := As(err)
	if !ok {
		return Decision{Outcome: OutcomeFail, Err: err}
	}
	switch sig.Kind {
	case KindStopMiddlewares, KindExitMiddleware:
		return Decision{Outcome: OutcomeStop, Signal: sig}
	case KindForwardedCommand:
		return Decision{Outcome: OutcomeForward, Signal: sig}
	case KindInvalidPrefix, KindGuildOnly, KindDMOnly:
		return Decision{Outcome: OutcomeReject, Signal: sig}
	default:
		// A capture signal outside the plugin runner has no pipeline meaning.
		return Decision{Outcome: OutcomeFail, Err: err}
	}
}

// Error returns the decision as an error value: nil for Continue, the signal
// for Stop/Forward/Reject and Err for Fail.
func (d Decision) Error() error {
	switch d.Outcome {
	case OutcomeContinue:
		return nil
	case OutcomeFail:
		return d.Err
	default:
		if d.Signal != nil {
			return d.Signal
		}
		return nil
	}
}

// Kind returns the signal kind carried by the decision, or 0.
func (d Decision) Kind() Kind {
	if d.Signal == nil {
		return 0
	}
	return d.Signal.Kind
}
