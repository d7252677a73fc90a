// Package signals defines the control-flow markers used to short-circuit the
// dispatch pipeline.
//
// A signal is an error value carrying only a kind. Code recognises signals with
// errors.As (or the Is* helpers), never by comparing message text, so a signal
// may be wrapped with fmt.Errorf("%w") on its way up without losing meaning.
package signals

import (
	"errors"
	"fmt"
)

// Kind identifies a control-flow signal.
type Kind int

const (
	// KindStopMiddlewares halts the middleware chain. Raised by a before
	// middleware it also prevents the command from running; raised by the
	// command it skips the after phase.
	KindStopMiddlewares Kind = iota + 1

	// KindExitMiddleware is the middleware-only alias of KindStopMiddlewares.
	KindExitMiddleware

	// KindForwardedCommand marks that the current command handed the request
	// to another command.
	KindForwardedCommand

	// KindInvalidPrefix marks a message whose prefix did not match.
	KindInvalidPrefix

	// KindGuildOnly marks a guild-only command invoked outside a guild.
	KindGuildOnly

	// KindDMOnly marks a DM-only command invoked inside a guild.
	KindDMOnly

	// KindPluginCaptureHandle marks that a plugin took ownership of a hook.
	KindPluginCaptureHandle
)

var kindNames = map[Kind]string{
	KindStopMiddlewares:     "stop_middlewares",
	KindExitMiddleware:      "exit_middleware",
	KindForwardedCommand:    "forwarded_command",
	KindInvalidPrefix:       "invalid_prefix",
	KindGuildOnly:           "guild_only",
	KindDMOnly:              "dm_only",
	KindPluginCaptureHandle: "plugin_capture_handle",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("signal(%d)", int(k))
}

// Signal is a stateless control-flow marker. It implements error so it can
// travel through ordinary error returns.
type Signal struct {
	Kind Kind
}

func (s *Signal) Error() string {
	return "signal: " + s.Kind.String()
}

// Is reports whether target is a signal of the same kind, so that
// errors.Is(err, signals.Stop()) works on wrapped values.
func (s *Signal) Is(target error) bool {
	t, ok := target.(*Signal)
	return ok && t.Kind == s.Kind
}

// New returns a signal of the given kind.
func New(kind Kind) *Signal {
	return &Signal{Kind: kind}
}

// Stop returns a StopMiddlewares signal.
func Stop() error { return New(KindStopMiddlewares) }

// Exit returns an ExitMiddleware signal.
func Exit() error { return New(KindExitMiddleware) }

// Forwarded returns a ForwardedCommand signal.
func Forwarded() error { return New(KindForwardedCommand) }

// InvalidPrefix returns an InvalidPrefix signal.
func InvalidPrefix() error { return New(KindInvalidPrefix) }

// GuildOnly returns a GuildOnly scope-violation signal.
func GuildOnly() error { return New(KindGuildOnly) }

// DMOnly returns a DMOnly scope-violation signal.
func DMOnly() error { return New(KindDMOnly) }

// Capture returns a PluginCaptureHandle signal.
func Capture() error { return New(KindPluginCaptureHandle) }

// As extracts the signal from err, if any.
func As(err error) (*Signal, bool) {
	var sig *Signal
	if errors.As(err, &sig) {
		return sig, true
	}
	return nil, false
}

// KindOf returns the signal kind carried by err, or 0 when err is not a signal.
func KindOf(err error) Kind {
	if sig, ok := As(err); ok {
		return sig.Kind
	}
	return 0
}

// IsSignal reports whether err carries any signal.
func IsSignal(err error) bool {
	_, ok := As(err)
	return ok
}

// IsStop reports whether err is a StopMiddlewares or ExitMiddleware signal.
func IsStop(err error) bool {
	k := KindOf(err)
	return k == KindStopMiddlewares || k == KindExitMiddleware
}

// IsForwarded reports whether err is a ForwardedCommand signal.
func IsForwarded(err error) bool {
	return KindOf(err) == KindForwardedCommand
}

// IsScopeViolation reports whether err is a GuildOnly or DMOnly signal.
func IsScopeViolation(err error) bool {
	k := KindOf(err)
	return k == KindGuildOnly || k == KindDMOnly
}

// IsCapture reports whether err is a PluginCaptureHandle signal.
func IsCapture(err error) bool {
	return KindOf(err) == KindPluginCaptureHandle
}
