package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/request"
	"github.com/haasonsaas/dispatchkit/internal/signals"
)

type fakeResponder struct {
	mu        sync.Mutex
	replies   []string
	responses []*discordgo.InteractionResponse
}

func (f *fakeResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeResponder) ChannelMessageSendReply(_ string, content string, _ *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, content)
	return &discordgo.Message{Content: content}, nil
}

// sent returns every reply text, message replies and interaction responses
// alike.
func (f *fakeResponder) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.replies...)
	for _, r := range f.responses {
		if r.Data != nil {
			out = append(out, r.Data.Content)
		}
	}
	return out
}

func messageCreate(content, guildID string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   guildID,
		Content:   content,
		Author:    &discordgo.User{ID: "u1"},
	}}
}

func messageRequest(content, guildID string, r request.Responder) *request.Request {
	return request.FromMessage(messageCreate(content, guildID), r)
}

func slashCreate(name, guildID string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        "i1",
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   guildID,
		ChannelID: "c1",
		User:      &discordgo.User{ID: "u1"},
		Data: discordgo.ApplicationCommandInteractionData{
			Name:    name,
			Options: opts,
		},
	}}
}

func slashRequest(name, guildID string, r request.Responder) *request.Request {
	return request.FromInteraction(slashCreate(name, guildID), r)
}

// stepLog records the order in which pipeline pieces run.
type stepLog struct {
	mu    sync.Mutex
	steps []string
}

func (t *stepLog) add(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step)
}

func (t *stepLog) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

func recordMW(tr *stepLog, name string, before, after signals.Decision) *commands.Middleware {
	return &commands.Middleware{
		ID:   name,
		Name: name,
		Before: func(ctx context.Context, m *request.MiddlewareContext) signals.Decision {
			tr.add(name + ":before")
			return before
		},
		After: func(ctx context.Context, m *request.MiddlewareContext) signals.Decision {
			tr.add(name + ":after")
			return after
		},
	}
}

func recordHandler(tr *stepLog, name string, value any, err error) commands.Handler {
	return func(ctx context.Context, c *request.Context) (any, error) {
		tr.add(name)
		return value, err
	}
}

func resolvedFor(cmd *commands.Command, mode request.Mode, mws ...*commands.Middleware) *commands.Resolved {
	return &commands.Resolved{Command: cmd, Middlewares: mws, Mode: mode}
}

func mustRegister(t *testing.T, r *commands.Registry, cmds ...*commands.Command) {
	t.Helper()
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			t.Fatalf("Register(%s): %v", c.Name, err)
		}
	}
}

func mustRegisterMiddleware(t *testing.T, r *commands.Registry, mws ...*commands.Middleware) {
	t.Helper()
	for _, mw := range mws {
		if err := r.RegisterMiddleware(mw); err != nil {
			t.Fatalf("RegisterMiddleware(%s): %v", mw.Label(), err)
		}
	}
}

func equalSteps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
