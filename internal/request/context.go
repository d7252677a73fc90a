package request

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/dispatchkit/internal/signals"
)

// ErrNoForwarder is returned by ForwardCommand when the context was built
// without a forwarder.
var ErrNoForwarder = errors.New("forwarding is not available")

// Parsed is the prefix parse state of a message-like request.
type Parsed struct {
	// Prefix is the matched prefix text.
	Prefix string
	// Command is the first token, including any group:sub path.
	Command string
	// Group and Subcommand are the parts of a colon path.
	Group      string
	Subcommand string
	// Args are the tokens after the command path.
	Args []string
	// Raw is the message content after the prefix.
	Raw string
}

// Forwarder runs another command's handler for the same request. The
// dispatcher implements it.
type Forwarder interface {
	Forward(ctx context.Context, from *Context, name string) error
}

// ContextOptions configures a new Context.
type ContextOptions struct {
	Mode        Mode
	CommandName string
	CommandID   string
	Parsed      *Parsed
	Forwarder   Forwarder
}

// Context is the read surface a handler sees for one request.
type Context struct {
	req         *Request
	mode        Mode
	commandName string
	commandID   string
	forwarded   bool
	parsed      *Parsed
	forwarder   Forwarder

	optionsOnce sync.Once
	options     Options
}

// NewContext builds a Context for req. A zero Mode is classified from req.
func NewContext(req *Request, opts ContextOptions) *Context {
	mode := opts.Mode
	if mode == ModeUnknown {
		mode = GetExecutionMode(req)
	}
	return &Context{
		req:         req,
		mode:        mode,
		commandName: opts.CommandName,
		commandID:   opts.CommandID,
		parsed:      opts.Parsed,
		forwarder:   opts.Forwarder,
	}
}

// Request returns the wrapped request.
func (c *Context) Request() *Request { return c.req }

// Mode returns the execution mode.
func (c *Context) Mode() Mode { return c.mode }

// CommandName returns the resolved command name.
func (c *Context) CommandName() string { return c.commandName }

// CommandID returns the resolved command id.
func (c *Context) CommandID() string { return c.commandID }

// Forwarded reports whether this context was created by ForwardCommand.
func (c *Context) Forwarded() bool { return c.forwarded }

// Parsed returns the message parse state, or nil for interactions.
func (c *Context) Parsed() *Parsed { return c.parsed }

// GuildID returns the guild of the request.
func (c *Context) GuildID() string { return c.req.GuildID() }

// IsInGuild reports whether the request came from a guild rather than a DM.
func (c *Context) IsInGuild() bool { return c.req.GuildID() != "" }

// Options returns the option view for the request's mode.
func (c *Context) Options() Options {
	c.optionsOnce.Do(func() {
		if c.mode == ModeMessage {
			var args []string
			if c.parsed != nil {
				args = c.parsed.Args
			}
			c.options = NewArgOptions(args)
			return
		}
		data, _ := CommandData(c.req)
		c.options = NewInteractionOptions(data.Options)
	})
	return c.options
}

// Reply answers the request.
func (c *Context) Reply(ctx context.Context, content string, ephemeral bool) error {
	return c.req.Reply(ctx, content, ephemeral)
}

// ForwardedTo returns a context for target over the same request and mode.
func (c *Context) ForwardedTo(name, id string) *Context {
	return &Context{
		req:         c.req,
		mode:        c.mode,
		commandName: name,
		commandID:   id,
		forwarded:   true,
		parsed:      c.parsed,
		forwarder:   c.forwarder,
	}
}

// ForwardCommand runs the handler of the named command for the current mode,
// bypassing resolution and middleware. On success it returns the
// ForwardedCommand signal, which callers must return to end their own flow.
// A lookup or handler failure is returned in its place.
func (c *Context) ForwardCommand(ctx context.Context, name string) error {
	if c.forwarder == nil {
		return fmt.Errorf("forward to %q: %w", name, ErrNoForwarder)
	}
	if err := c.forwarder.Forward(ctx, c, name); err != nil {
		return err
	}
	return signals.Forwarded()
}
