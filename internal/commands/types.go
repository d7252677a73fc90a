// Package commands holds the command and middleware data model and the
// registry that serves them to the dispatcher.
package commands

import (
	"context"
	"slices"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/dispatchkit/internal/request"
	"github.com/haasonsaas/dispatchkit/internal/signals"
)

// Handler runs a command body. The returned value becomes the dispatch result.
type Handler func(ctx context.Context, c *request.Context) (any, error)

// MiddlewareFunc runs in the before or after phase and tells the runner how
// to proceed.
type MiddlewareFunc func(ctx context.Context, m *request.MiddlewareContext) signals.Decision

// Handlers maps each execution mode to its handler.
type Handlers struct {
	ChatInput    Handler
	Message      Handler
	ContextMenu  Handler
	Autocomplete Handler
}

// For returns the handler for mode, or nil.
func (h Handlers) For(mode request.Mode) Handler {
	switch mode {
	case request.ModeChatInput:
		return h.ChatInput
	case request.ModeMessage:
		return h.Message
	case request.ModeContextMenu:
		return h.ContextMenu
	case request.ModeAutocomplete:
		return h.Autocomplete
	default:
		return nil
	}
}

// Modes lists the modes with a handler.
func (h Handlers) Modes() []request.Mode {
	var modes []request.Mode
	for _, m := range request.Modes() {
		if h.For(m) != nil {
			modes = append(modes, m)
		}
	}
	return modes
}

// Scope restricts where a command may run.
type Scope struct {
	// GuildIDs limits resolution to these guilds. Requests from other guilds
	// do not resolve at all.
	GuildIDs []string `json:"guild_ids,omitempty"`

	// GuildOnly rejects DMs with a GuildOnly signal.
	GuildOnly bool `json:"guild_only,omitempty"`

	// DMOnly rejects guild requests with a DMOnly signal.
	DMOnly bool `json:"dm_only,omitempty"`
}

// Allows reports whether the command resolves for guildID.
func (s Scope) Allows(guildID string) bool {
	if len(s.GuildIDs) == 0 {
		return true
	}
	return slices.Contains(s.GuildIDs, guildID)
}

// Check returns the scope violation signal for guildID, or nil.
func (s Scope) Check(guildID string) error {
	switch {
	case s.GuildOnly && guildID == "":
		return signals.GuildOnly()
	case s.DMOnly && guildID != "":
		return signals.DMOnly()
	}
	return nil
}

// Command is a registered command.
type Command struct {
	// ID is stable across reloads; generated when empty.
	ID string `json:"id"`

	// Name is the lookup name. Subcommands use colon paths such as
	// "admin:ban" or "admin:mod:ban".
	Name string `json:"name"`

	// Aliases are alternative names for message lookup.
	Aliases []string `json:"aliases,omitempty"`

	// Description is a short description of what the command does
	Description string `json:"description,omitempty"`

	// Category groups commands in help output
	Category string `json:"category,omitempty"`

	// Hidden hides the command from help listings
	Hidden bool `json:"hidden,omitempty"`

	// Handlers holds one handler per supported mode.
	Handlers Handlers `json:"-"`

	// Scope restricts where the command runs.
	Scope Scope `json:"scope,omitempty"`

	// Middlewares references middleware by id or name, in run order.
	Middlewares []string `json:"middlewares,omitempty"`

	// UserPermissions and BotPermissions are discordgo permission bits the
	// built-in permission middleware checks.
	UserPermissions int64 `json:"user_permissions,omitempty"`
	BotPermissions  int64 `json:"bot_permissions,omitempty"`

	// Options describe slash command options for registration.
	Options []*discordgo.ApplicationCommandOption `json:"options,omitempty"`

	// ContextMenuType selects user or message menus when a ContextMenu
	// handler is set. Defaults to a user menu.
	ContextMenuType discordgo.ApplicationCommandType `json:"context_menu_type,omitempty"`

	// Source identifies where this command came from (builtin, plugin, config)
	Source string `json:"source,omitempty"`
}

// Middleware is a registered middleware.
type Middleware struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Global middleware run for every command ahead of per-command refs.
	Global bool `json:"global,omitempty"`

	Before MiddlewareFunc `json:"-"`
	After  MiddlewareFunc `json:"-"`

	Source string `json:"source,omitempty"`
}

// Label returns the name, falling back to the id.
func (m *Middleware) Label() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// Resolved is what the resolver hands to the runner and to inspection tools.
type Resolved struct {
	Command     *Command
	Middlewares []*Middleware
	Mode        request.Mode
	Parsed      *request.Parsed
}

// MiddlewareNames lists the resolved chain by label.
func (r *Resolved) MiddlewareNames() []string {
	names := make([]string, 0, len(r.Middlewares))
	for _, m := range r.Middlewares {
		names = append(names, m.Label())
	}
	return names
}
