package commands

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/dispatchkit/internal/request"
	"github.com/haasonsaas/dispatchkit/internal/signals"
)

func TestParseMessage(t *testing.T) {
	prefix := Prefix{Values: []string{"!", "!!"}}

	tests := []struct {
		name        string
		input       string
		wantPrefix  string
		wantCommand string
		wantGroup   string
		wantSub     string
		wantArgs    []string
		wantInvalid bool
		wantErr     bool
	}{
		{name: "simple", input: "!ping", wantPrefix: "!", wantCommand: "ping"},
		{name: "args", input: "!echo hello world", wantPrefix: "!", wantCommand: "echo", wantArgs: []string{"hello", "world"}},
		{name: "quoted args", input: `!echo "hello world" 'x y'`, wantPrefix: "!", wantCommand: "echo", wantArgs: []string{"hello world", "x y"}},
		{name: "longest prefix", input: "!!ping", wantPrefix: "!!", wantCommand: "ping"},
		{name: "leading whitespace", input: "   !ping", wantPrefix: "!", wantCommand: "ping"},
		{name: "case folded", input: "!PING", wantPrefix: "!", wantCommand: "ping"},
		{name: "subcommand", input: "!admin:ban @user", wantPrefix: "!", wantCommand: "admin", wantSub: "ban", wantArgs: []string{"@user"}},
		{name: "group subcommand", input: "!admin:mod:kick", wantPrefix: "!", wantCommand: "admin", wantGroup: "mod", wantSub: "kick"},
		{name: "named args", input: "!echo text:hi", wantPrefix: "!", wantCommand: "echo", wantArgs: []string{"text:hi"}},
		{name: "no prefix", input: "ping", wantInvalid: true},
		{name: "empty", input: "", wantInvalid: true},
		{name: "prefix only", input: "!  ", wantErr: true},
		{name: "unterminated quote", input: `!echo "oops`, wantErr: true},
		{name: "too deep", input: "!a:b:c:d", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.input, prefix)
			if tt.wantInvalid {
				if signals.KindOf(err) != signals.KindInvalidPrefix {
					t.Fatalf("ParseMessage() error = %v, want invalid prefix", err)
				}
				return
			}
			if tt.wantErr {
				if err == nil || signals.IsSignal(err) {
					t.Fatalf("ParseMessage() error = %v, want parse error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMessage() error = %v", err)
			}
			if got.Prefix != tt.wantPrefix || got.Command != tt.wantCommand || got.Group != tt.wantGroup || got.Subcommand != tt.wantSub {
				t.Errorf("ParseMessage() = %+v", got)
			}
			if len(got.Args) != len(tt.wantArgs) {
				t.Fatalf("Args = %v, want %v", got.Args, tt.wantArgs)
			}
			for i := range tt.wantArgs {
				if got.Args[i] != tt.wantArgs[i] {
					t.Errorf("Args[%d] = %q, want %q", i, got.Args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestParseMessageEmptyCommand(t *testing.T) {
	if _, err := ParseMessage("! ", Prefix{Values: []string{"!"}}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("error = %v, want ErrEmptyCommand", err)
	}
}

func TestPrefixPattern(t *testing.T) {
	p := Prefix{Pattern: regexp.MustCompile(`(?i)hey bot,?\s*`)}

	parsed, err := ParseMessage("Hey bot, ping", p)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if parsed.Command != "ping" {
		t.Errorf("Command = %q", parsed.Command)
	}

	if _, err := ParseMessage("well hey bot ping", p); signals.KindOf(err) != signals.KindInvalidPrefix {
		t.Errorf("pattern must anchor at the start, got %v", err)
	}
}

func TestPrefixProviders(t *testing.T) {
	ctx := context.Background()
	req := request.FromMessage(&discordgo.MessageCreate{Message: &discordgo.Message{Content: "x"}}, nil)

	p, err := StaticPrefix()(ctx, req)
	if err != nil || len(p.Values) != 1 || p.Values[0] != "!" {
		t.Errorf("StaticPrefix() default = %v, %v", p, err)
	}

	p, _ = MentionPrefix("42", StaticPrefix("?"))(ctx, req)
	if _, rest, ok := p.Match("<@42> ping"); !ok || rest != " ping" {
		t.Errorf("mention prefix did not match")
	}
	if _, _, ok := p.Match("?ping"); !ok {
		t.Errorf("wrapped prefix lost")
	}

	boom := errors.New("boom")
	failing := func(context.Context, *request.Request) (Prefix, error) { return Prefix{}, boom }
	if _, err := MentionPrefix("42", failing)(ctx, req); !errors.Is(err, boom) {
		t.Errorf("provider error not propagated: %v", err)
	}

	p, _ = PatternPrefix(regexp.MustCompile(`\$`))(ctx, req)
	if _, _, ok := p.Match("$ping"); !ok {
		t.Error("pattern provider did not match")
	}
}
