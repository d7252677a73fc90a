// Package request wraps inbound Discord events in a uniform read surface for
// commands and middleware.
package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// ErrNoResponder is returned by Reply when the request has no reply channel.
var ErrNoResponder = errors.New("request has no responder")

// Mode discriminates the shape of an inbound request.
type Mode int

const (
	// ModeUnknown covers requests no command can handle (pings, modals,
	// component clicks). They are rejected at resolution time.
	ModeUnknown Mode = iota
	// ModeChatInput is a structured slash command.
	ModeChatInput
	// ModeMessage is a prefixed free-text message.
	ModeMessage
	// ModeContextMenu is a user or message context-menu action.
	ModeContextMenu
	// ModeAutocomplete is an option suggestion request.
	ModeAutocomplete
)

var modeNames = map[Mode]string{
	ModeUnknown:      "unknown",
	ModeChatInput:    "chat_input",
	ModeMessage:      "message",
	ModeContextMenu:  "context_menu",
	ModeAutocomplete: "autocomplete",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode maps a mode name back to its value. Unknown names return
// ModeUnknown and false.
func ParseMode(name string) (Mode, bool) {
	for m, n := range modeNames {
		if n == name && m != ModeUnknown {
			return m, true
		}
	}
	return ModeUnknown, false
}

// Modes lists the modes a command can declare handlers for.
func Modes() []Mode {
	return []Mode{ModeChatInput, ModeMessage, ModeContextMenu, ModeAutocomplete}
}

// Responder is the subset of *discordgo.Session used to answer a request.
type Responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Request holds exactly one of an interaction or a message event.
type Request struct {
	Interaction *discordgo.InteractionCreate
	Message     *discordgo.MessageCreate

	responder Responder
}

// FromInteraction wraps an interaction event.
func FromInteraction(i *discordgo.InteractionCreate, responder Responder) *Request {
	return &Request{Interaction: i, responder: responder}
}

// FromMessage wraps a message event.
func FromMessage(m *discordgo.MessageCreate, responder Responder) *Request {
	return &Request{Message: m, responder: responder}
}

// IsInteraction reports whether the request is interaction-like.
func (r *Request) IsInteraction() bool {
	return r != nil && r.Interaction != nil && r.Interaction.Interaction != nil
}

// IsMessage reports whether the request is message-like.
func (r *Request) IsMessage() bool {
	return r != nil && r.Message != nil && r.Message.Message != nil
}

// Source is "interaction", "message" or "unknown".
func (r *Request) Source() string {
	switch {
	case r.IsInteraction():
		return "interaction"
	case r.IsMessage():
		return "message"
	default:
		return "unknown"
	}
}

// GetExecutionMode classifies a request into its closed execution mode.
func GetExecutionMode(r *Request) Mode {
	switch {
	case r.IsInteraction():
		switch r.Interaction.Type {
		case discordgo.InteractionApplicationCommand:
			data, ok := CommandData(r)
			if !ok {
				return ModeUnknown
			}
			switch data.CommandType {
			case discordgo.UserApplicationCommand, discordgo.MessageApplicationCommand:
				return ModeContextMenu
			default:
				return ModeChatInput
			}
		case discordgo.InteractionApplicationCommandAutocomplete:
			return ModeAutocomplete
		default:
			return ModeUnknown
		}
	case r.IsMessage():
		return ModeMessage
	default:
		return ModeUnknown
	}
}

// CommandData returns the application command payload of an interaction
// without panicking on other interaction types.
func CommandData(r *Request) (discordgo.ApplicationCommandInteractionData, bool) {
	if !r.IsInteraction() {
		return discordgo.ApplicationCommandInteractionData{}, false
	}
	i := r.Interaction
	if i.Type != discordgo.InteractionApplicationCommand && i.Type != discordgo.InteractionApplicationCommandAutocomplete {
		return discordgo.ApplicationCommandInteractionData{}, false
	}
	// Gateway decoding stores the value; hand-built interactions often use a
	// pointer.
	switch data := i.Data.(type) {
	case discordgo.ApplicationCommandInteractionData:
		return data, true
	case *discordgo.ApplicationCommandInteractionData:
		if data != nil {
			return *data, true
		}
	}
	return discordgo.ApplicationCommandInteractionData{}, false
}

// GuildID returns the guild the request came from, or "" for DMs.
func (r *Request) GuildID() string {
	switch {
	case r.IsInteraction():
		return r.Interaction.GuildID
	case r.IsMessage():
		return r.Message.GuildID
	}
	return ""
}

// ChannelID returns the channel the request came from.
func (r *Request) ChannelID() string {
	switch {
	case r.IsInteraction():
		return r.Interaction.ChannelID
	case r.IsMessage():
		return r.Message.ChannelID
	}
	return ""
}

// Author returns the user who sent the request.
func (r *Request) Author() *discordgo.User {
	switch {
	case r.IsInteraction():
		if r.Interaction.Member != nil && r.Interaction.Member.User != nil {
			return r.Interaction.Member.User
		}
		return r.Interaction.User
	case r.IsMessage():
		return r.Message.Author
	}
	return nil
}

// UserID returns the author id, or "".
func (r *Request) UserID() string {
	if u := r.Author(); u != nil {
		return u.ID
	}
	return ""
}

// CanReply reports whether Reply can reach the user.
func (r *Request) CanReply() bool {
	return r != nil && r.responder != nil && (r.IsInteraction() || r.IsMessage())
}

// Reply answers the request. Interactions receive a channel message response,
// flagged ephemeral when asked; messages receive a reply referencing them.
func (r *Request) Reply(ctx context.Context, content string, ephemeral bool) error {
	if !r.CanReply() {
		return ErrNoResponder
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.IsInteraction() {
		data := &discordgo.InteractionResponseData{Content: content}
		if ephemeral {
			data.Flags = discordgo.MessageFlagsEphemeral
		}
		err := r.responder.InteractionRespond(r.Interaction.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		}, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("respond to interaction: %w", err)
		}
		return nil
	}
	if _, err := r.responder.ChannelMessageSendReply(r.Message.ChannelID, content, r.Message.Reference(), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("reply to message: %w", err)
	}
	return nil
}
