package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/request"
	"github.com/haasonsaas/dispatchkit/internal/signals"
)

// PermissionsMiddlewareID identifies the built-in permission middleware.
const PermissionsMiddlewareID = "builtin:permissions"

// Rejection replies.
const (
	GuildOnlyMessage      = "This command can only be used in a server."
	DMOnlyMessage         = "This command can only be used in direct messages."
	unverifiedPermissions = "I could not verify permissions for this command."
)

// PermissionSource computes channel permissions for message requests.
// *discordgo.Session satisfies it.
type PermissionSource interface {
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

// PermissionChecker builds the built-in permission middleware. It enforces a
// command's guild-only and DM-only scope and its user and bot permission bits.
type PermissionChecker struct {
	// Source resolves permissions for message requests. Interactions carry
	// their own permission bits and never consult it.
	Source PermissionSource

	// BotUserID returns the bot's own user id, used for bot permission checks
	// on message requests. The id is only known once the gateway is ready.
	BotUserID func() string

	Logger *slog.Logger
}

// For returns the permission middleware for cmd.
func (p *PermissionChecker) For(cmd *commands.Command) *commands.Middleware {
	return &commands.Middleware{
		ID:     PermissionsMiddlewareID,
		Name:   "permissions",
		Source: "builtin",
		Before: func(ctx context.Context, m *request.MiddlewareContext) signals.Decision {
			return p.check(ctx, cmd, m)
		},
	}
}

func (p *PermissionChecker) check(ctx context.Context, cmd *commands.Command, m *request.MiddlewareContext) signals.Decision {
	if err := cmd.Scope.Check(m.GuildID()); err != nil {
		return signals.Decide(err)
	}
	if !m.IsInGuild() || (cmd.UserPermissions == 0 && cmd.BotPermissions == 0) {
		return signals.Continue()
	}

	user, bot, err := p.resolve(m.Request())
	if err != nil {
		p.logger().WarnContext(ctx, "permission check failed", "command", cmd.Name, "error", err)
		p.reply(ctx, m, unverifiedPermissions)
		return m.Stop()
	}
	if missing := missingPermissions(cmd.UserPermissions, user); missing != 0 {
		p.reply(ctx, m, "You are missing permissions: "+PermissionNames(missing))
		return m.Stop()
	}
	if missing := missingPermissions(cmd.BotPermissions, bot); missing != 0 {
		p.reply(ctx, m, "I am missing permissions: "+PermissionNames(missing))
		return m.Stop()
	}
	return signals.Continue()
}

func (p *PermissionChecker) resolve(req *request.Request) (user, bot int64, err error) {
	if req.IsInteraction() {
		if req.Interaction.Member != nil {
			user = req.Interaction.Member.Permissions
		}
		return user, req.Interaction.AppPermissions, nil
	}
	if p.Source == nil {
		return 0, 0, fmt.Errorf("no permission source for message requests")
	}
	channelID := req.ChannelID()
	if user, err = p.Source.UserChannelPermissions(req.UserID(), channelID); err != nil {
		return 0, 0, fmt.Errorf("user permissions: %w", err)
	}
	botID := ""
	if p.BotUserID != nil {
		botID = p.BotUserID()
	}
	if botID == "" {
		return user, 0, fmt.Errorf("bot user id unknown")
	}
	if bot, err = p.Source.UserChannelPermissions(botID, channelID); err != nil {
		return 0, 0, fmt.Errorf("bot permissions: %w", err)
	}
	return user, bot, nil
}

func (p *PermissionChecker) reply(ctx context.Context, m *request.MiddlewareContext, content string) {
	if !m.Request().CanReply() {
		return
	}
	if err := m.Reply(ctx, content, true); err != nil {
		p.logger().WarnContext(ctx, "failed to send permission reply", "error", err)
	}
}

func (p *PermissionChecker) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func missingPermissions(required, have int64) int64 {
	if have&discordgo.PermissionAdministrator != 0 {
		return 0
	}
	return required &^ have
}

var permissionNames = []struct {
	bit  int64
	name string
}{
	{discordgo.PermissionCreateInstantInvite, "Create Invite"},
	{discordgo.PermissionKickMembers, "Kick Members"},
	{discordgo.PermissionBanMembers, "Ban Members"},
	{discordgo.PermissionAdministrator, "Administrator"},
	{discordgo.PermissionManageChannels, "Manage Channels"},
	{discordgo.PermissionManageGuild, "Manage Server"},
	{discordgo.PermissionAddReactions, "Add Reactions"},
	{discordgo.PermissionViewAuditLogs, "View Audit Log"},
	{discordgo.PermissionViewChannel, "View Channel"},
	{discordgo.PermissionSendMessages, "Send Messages"},
	{discordgo.PermissionManageMessages, "Manage Messages"},
	{discordgo.PermissionEmbedLinks, "Embed Links"},
	{discordgo.PermissionAttachFiles, "Attach Files"},
	{discordgo.PermissionReadMessageHistory, "Read Message History"},
	{discordgo.PermissionMentionEveryone, "Mention Everyone"},
	{discordgo.PermissionManageNicknames, "Manage Nicknames"},
	{discordgo.PermissionManageRoles, "Manage Roles"},
	{discordgo.PermissionManageWebhooks, "Manage Webhooks"},
	{discordgo.PermissionModerateMembers, "Timeout Members"},
}

// PermissionNames renders permission bits for humans.
func PermissionNames(bits int64) string {
	var names []string
	for _, p := range permissionNames {
		if bits&p.bit != 0 {
			names = append(names, p.name)
			bits &^= p.bit
		}
	}
	if bits != 0 {
		names = append(names, fmt.Sprintf("0x%x", bits))
	}
	return strings.Join(names, ", ")
}
