package commands

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/haasonsaas/dispatchkit/internal/request"
)

// RegisterBuiltins adds ping, help and whoami to r. It panics if any of
// their names or aliases is already taken.
func RegisterBuiltins(r *Registry) {
	ping := replyWith(func(context.Context, *request.Context) string { return "Pong!" })
	help := replyWith(helpText(r))
	whoami := replyWith(whoamiText)

	builtins := []*Command{
		{
			Name:        "ping",
			Description: "Check that the bot is responding",
			Handlers:    Handlers{ChatInput: ping, Message: ping},
		},
		{
			Name:        "help",
			Aliases:     []string{"h", "commands"},
			Description: "List commands or describe one",
			Handlers:    Handlers{ChatInput: help, Message: help},
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "command",
				Description: "Command to describe",
			}},
		},
		{
			Name:        "whoami",
			Aliases:     []string{"id"},
			Description: "Show the sender, channel and guild ids",
			Handlers:    Handlers{ChatInput: whoami, Message: whoami, ContextMenu: whoami},
		},
	}
	for _, cmd := range builtins {
		cmd.Category, cmd.Source = "system", "builtin"
		if err := r.Register(cmd); err != nil {
			panic(fmt.Sprintf("builtin %s: %v", cmd.Name, err))
		}
	}
}

// replyWith builds a handler that replies with the text fn returns and uses it
// as the dispatch result. Slash commands reply ephemerally.
func replyWith(fn func(ctx context.Context, c *request.Context) string) Handler {
	return func(ctx context.Context, c *request.Context) (any, error) {
		text := fn(ctx, c)
		if c.Request().CanReply() {
			if err := c.Reply(ctx, text, c.Mode() != request.ModeMessage); err != nil {
				return nil, err
			}
		}
		return text, nil
	}
}

// firstArg reads a named option, falling back to the first positional
// argument of a message.
func firstArg(c *request.Context, name string) string {
	if v := c.Options().String(name); v != "" {
		return v
	}
	if args, ok := c.Options().(*request.ArgOptions); ok {
		return args.Arg(0)
	}
	return ""
}

func helpText(r *Registry) func(ctx context.Context, c *request.Context) string {
	return func(_ context.Context, c *request.Context) string {
		prefix := "/"
		if p := c.Parsed(); p != nil {
			prefix = p.Prefix
		}
		name := NormalizeName(strings.TrimLeft(firstArg(c, "command"), "/!"))
		if name == "" {
			return commandIndex(r, prefix)
		}
		cmd, ok := r.Get(name)
		if !ok {
			return fmt.Sprintf("Unknown command: %s\n\nUse %shelp to see available commands.", name, prefix)
		}
		return commandDetail(cmd, prefix)
	}
}

func commandDetail(cmd *Command, prefix string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s%s**\n", prefix, cmd.Name)
	if cmd.Description != "" {
		b.WriteString(cmd.Description + "\n")
	}
	if len(cmd.Aliases) > 0 {
		b.WriteString("\nAliases: " + prefix + strings.Join(cmd.Aliases, ", "+prefix) + "\n")
	}
	var modes []string
	for _, m := range cmd.Handlers.Modes() {
		modes = append(modes, m.String())
	}
	b.WriteString("\nModes: " + strings.Join(modes, ", ") + "\n")
	switch {
	case cmd.Scope.GuildOnly:
		b.WriteString("\nServers only\n")
	case cmd.Scope.DMOnly:
		b.WriteString("\nDirect messages only\n")
	}
	return b.String()
}

func commandIndex(r *Registry, prefix string) string {
	title := cases.Title(language.English)
	grouped := r.ListByCategory()
	categories := slices.Sorted(maps.Keys(grouped))

	var b strings.Builder
	b.WriteString("**Available Commands**\n\n")
	for _, category := range categories {
		fmt.Fprintf(&b, "**%s**\n", title.String(category))
		for _, cmd := range grouped[category] {
			fmt.Fprintf(&b, "  `%s%s` - %s\n", prefix, cmd.Name, describe(cmd))
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Use `%shelp <command>` for more details.", prefix)
	return b.String()
}

func whoamiText(_ context.Context, c *request.Context) string {
	req := c.Request()
	var parts []string
	if id := req.UserID(); id != "" {
		parts = append(parts, "Sender ID: "+id)
	}
	if id := req.ChannelID(); id != "" {
		parts = append(parts, "Channel ID: "+id)
	}
	if id := req.GuildID(); id != "" {
		parts = append(parts, "Guild ID: "+id)
	}
	if len(parts) == 0 {
		return "Sender identity unavailable."
	}
	return strings.Join(parts, "\n")
}
