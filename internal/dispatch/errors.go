// Package dispatch resolves inbound Discord requests to commands and runs
// them through the middleware pipeline.
//
// A dispatch has three strictly sequential phases. Before middlewares run in
// order and may halt the chain; the command body runs at most once; after
// middlewares run unless something stopped the chain. Finalization always
// runs: the environment is marked ended, deferred functions drain, plugin
// after-command hooks fire and lifecycle events are published.
package dispatch

import (
	"errors"
	"fmt"
)

// ErrNotResolved is returned by Runner.Run when given no command.
var ErrNotResolved = errors.New("dispatch: no resolved command")

// PanicError is a recovered panic from a handler or middleware.
type PanicError struct {
	// Where names the function that panicked ("command ping",
	// "before middleware auth").
	Where string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Where, e.Value)
}

// IsPanic reports whether err wraps a recovered panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
