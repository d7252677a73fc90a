package commands

import (
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const defaultDescription = "No description"

// ApplicationCommands converts the commands in t into Discord application
// commands for bulk registration. An empty guildID selects global commands
// (those without a guild restriction); otherwise only commands scoped to that
// guild are returned. Colon paths become subcommands and subcommand groups of
// their root command.
func ApplicationCommands(t *Tables, guildID string) []*discordgo.ApplicationCommand {
	roots := make(map[string]*discordgo.ApplicationCommand)
	var order []string
	var menus []*discordgo.ApplicationCommand

	root := func(name, description string) *discordgo.ApplicationCommand {
		if ac, ok := roots[name]; ok {
			return ac
		}
		ac := &discordgo.ApplicationCommand{
			Type:        discordgo.ChatApplicationCommand,
			Name:        name,
			Description: description,
		}
		roots[name] = ac
		order = append(order, name)
		return ac
	}

	for _, cmd := range t.Commands() {
		if !inRegistrationScope(cmd, guildID) {
			continue
		}
		path := strings.Split(NormalizeName(cmd.Name), ":")

		if cmd.Handlers.ChatInput != nil || cmd.Handlers.Autocomplete != nil {
			switch len(path) {
			case 1:
				ac := root(path[0], describe(cmd))
				ac.Description = describe(cmd)
				ac.Options = append(append([]*discordgo.ApplicationCommandOption(nil), cmd.Options...), ac.Options...)
				applyPermissions(ac, cmd)
			case 2:
				ac := root(path[0], path[0])
				ac.Options = append(ac.Options, subcommandOption(path[1], cmd))
			case 3:
				ac := root(path[0], path[0])
				group := findOption(ac.Options, path[1])
				if group == nil {
					group = &discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
						Name:        path[1],
						Description: path[1],
					}
					ac.Options = append(ac.Options, group)
				}
				group.Options = append(group.Options, subcommandOption(path[2], cmd))
			}
		}

		if cmd.Handlers.ContextMenu != nil && len(path) == 1 {
			typ := cmd.ContextMenuType
			if typ != discordgo.MessageApplicationCommand {
				typ = discordgo.UserApplicationCommand
			}
			menu := &discordgo.ApplicationCommand{Type: typ, Name: cmd.Name}
			applyPermissions(menu, cmd)
			menus = append(menus, menu)
		}
	}

	out := make([]*discordgo.ApplicationCommand, 0, len(order)+len(menus))
	for _, name := range order {
		out = append(out, roots[name])
	}
	return append(out, menus...)
}

func inRegistrationScope(cmd *Command, guildID string) bool {
	if guildID == "" {
		return len(cmd.Scope.GuildIDs) == 0
	}
	return slices.Contains(cmd.Scope.GuildIDs, guildID)
}

func describe(cmd *Command) string {
	if cmd.Description != "" {
		return cmd.Description
	}
	return defaultDescription
}

func subcommandOption(name string, cmd *Command) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        name,
		Description: describe(cmd),
		Options:     cmd.Options,
	}
}

func findOption(opts []*discordgo.ApplicationCommandOption, name string) *discordgo.ApplicationCommandOption {
	for _, o := range opts {
		if o.Name == name && o.Type == discordgo.ApplicationCommandOptionSubCommandGroup {
			return o
		}
	}
	return nil
}

func applyPermissions(ac *discordgo.ApplicationCommand, cmd *Command) {
	if cmd.UserPermissions != 0 {
		perms := cmd.UserPermissions
		ac.DefaultMemberPermissions = &perms
	}
	if cmd.Scope.GuildOnly {
		dm := false
		ac.DMPermission = &dm
	}
}
