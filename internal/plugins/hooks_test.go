package plugins

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/environment"
	"github.com/haasonsaas/dispatchkit/internal/observability"
	"github.com/haasonsaas/dispatchkit/internal/request"
	"github.com/haasonsaas/dispatchkit/internal/signals"
)

type testPlugin struct {
	id       string
	calls    *[]string
	handled  bool
	err      error
	panicMsg string
	invoke   bool
}

func (p *testPlugin) ID() string { return p.id }

func (p *testPlugin) record(hook string) (bool, error) {
	*p.calls = append(*p.calls, p.id+":"+hook)
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	return p.handled, p.err
}

func (p *testPlugin) OnBeforeInteraction(ctx context.Context, req *request.Request) (bool, error) {
	return p.record("interaction")
}

func (p *testPlugin) OnBeforeMessageCommand(ctx context.Context, req *request.Request) (bool, error) {
	return p.record("message")
}

func (p *testPlugin) ExecuteCommand(ctx context.Context, env *environment.Environment, req *request.Request, resolved *commands.Resolved, invoke Invoker) (bool, error) {
	if p.invoke {
		if err := invoke(ctx); err != nil {
			return true, err
		}
	}
	return p.record("execute")
}

func (p *testPlugin) OnAfterCommand(ctx context.Context, env *environment.Environment) error {
	_, err := p.record("after")
	return err
}

// observerPlugin implements no hooks.
type observerPlugin struct{}

func (observerPlugin) ID() string { return "observer" }

func messageRequest() *request.Request {
	return request.FromMessage(&discordgo.MessageCreate{Message: &discordgo.Message{Content: "!ping"}}, nil)
}

func interactionRequest() *request.Request {
	return request.FromInteraction(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionApplicationCommand,
		Data: &discordgo.ApplicationCommandInteractionData{Name: "ping"},
	}}, nil)
}

func TestRunner_RegisterOrdering(t *testing.T) {
	var calls []string
	r := NewRunner(RunnerConfig{})

	_ = r.Register(&testPlugin{id: "low", calls: &calls}, 1)
	_ = r.Register(&testPlugin{id: "high", calls: &calls}, 10)
	_ = r.Register(&testPlugin{id: "mid-a", calls: &calls}, 5)
	_ = r.Register(&testPlugin{id: "mid-b", calls: &calls}, 5)
	_ = r.Register(observerPlugin{}, 0)

	want := []string{"high", "mid-a", "mid-b", "low", "observer"}
	got := r.Plugins()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Plugins() = %v, want %v", got, want)
	}

	if err := r.Register(&testPlugin{id: "low", calls: &calls}, 0); err == nil {
		t.Error("expected duplicate plugin error")
	}
	if err := r.Register(&testPlugin{id: "", calls: &calls}, 0); err == nil {
		t.Error("expected error for empty id")
	}

	if !r.Unregister("mid-a") || r.Unregister("mid-a") {
		t.Error("Unregister() should succeed once")
	}
}

func TestRunner_ConfigFilters(t *testing.T) {
	var calls []string
	off := false
	prio := 99
	r := NewRunner(RunnerConfig{Config: Config{
		Deny:    []string{"denied"},
		Entries: map[string]EntryConfig{"off": {Enabled: &off}, "boosted": {Priority: &prio}},
	}})

	if err := r.Register(&testPlugin{id: "denied", calls: &calls}, 0); !errors.Is(err, ErrPluginDisabled) {
		t.Errorf("denied plugin error = %v", err)
	}
	if err := r.Register(&testPlugin{id: "off", calls: &calls}, 0); !errors.Is(err, ErrPluginDisabled) {
		t.Errorf("disabled plugin error = %v", err)
	}
	_ = r.Register(&testPlugin{id: "normal", calls: &calls}, 10)
	_ = r.Register(&testPlugin{id: "boosted", calls: &calls}, 0)
	if got := r.Plugins(); len(got) != 2 || got[0] != "boosted" {
		t.Errorf("Plugins() = %v", got)
	}

	allow := NewRunner(RunnerConfig{Config: Config{Allow: []string{"only"}}})
	if err := allow.Register(&testPlugin{id: "other", calls: &calls}, 0); !errors.Is(err, ErrPluginDisabled) {
		t.Errorf("allowlist error = %v", err)
	}
	if err := NewRunner(RunnerConfig{Config: Config{Disabled: true}}).Register(observerPlugin{}, 0); err == nil {
		t.Error("disabled runner accepted a plugin")
	}
}

func TestRunner_BeforeHooks(t *testing.T) {
	ctx := context.Background()

	t.Run("handled short-circuits", func(t *testing.T) {
		var calls []string
		r := NewRunner(RunnerConfig{})
		_ = r.Register(&testPlugin{id: "a", calls: &calls, handled: true}, 2)
		_ = r.Register(&testPlugin{id: "b", calls: &calls}, 1)

		handled, err := r.RunBefore(ctx, messageRequest())
		if err != nil || !handled {
			t.Fatalf("RunBefore() = %v, %v", handled, err)
		}
		if len(calls) != 1 || calls[0] != "a:message" {
			t.Errorf("calls = %v", calls)
		}
	})

	t.Run("interaction hook chosen by shape", func(t *testing.T) {
		var calls []string
		r := NewRunner(RunnerConfig{})
		_ = r.Register(&testPlugin{id: "a", calls: &calls}, 0)
		handled, _ := r.RunBefore(ctx, interactionRequest())
		if handled || len(calls) != 1 || calls[0] != "a:interaction" {
			t.Errorf("handled = %v, calls = %v", handled, calls)
		}
	})

	t.Run("capture counts as handled", func(t *testing.T) {
		var calls []string
		r := NewRunner(RunnerConfig{})
		_ = r.Register(&testPlugin{id: "a", calls: &calls, err: signals.Capture()}, 2)
		_ = r.Register(&testPlugin{id: "b", calls: &calls}, 1)

		observability.SetDiagnosticsEnabled(true)
		defer observability.SetDiagnosticsEnabled(false)
		defer observability.ResetDiagnosticsForTest()
		var captured []*observability.PluginCapturedEvent
		observability.OnDiagnosticEvent(func(ev observability.DiagnosticEventPayload) {
			if e, ok := ev.(*observability.PluginCapturedEvent); ok {
				captured = append(captured, e)
			}
		})

		handled, err := r.RunBeforeMessageCommand(ctx, messageRequest())
		if err != nil || !handled {
			t.Fatalf("RunBeforeMessageCommand() = %v, %v", handled, err)
		}
		if len(calls) != 1 {
			t.Errorf("remaining plugins ran: %v", calls)
		}
		if len(captured) != 1 || captured[0].Plugin != "a" {
			t.Errorf("captured events = %v", captured)
		}
	})

	t.Run("errors returned without catch", func(t *testing.T) {
		var calls []string
		boom := errors.New("boom")
		r := NewRunner(RunnerConfig{})
		_ = r.Register(&testPlugin{id: "a", calls: &calls, err: boom}, 2)
		_ = r.Register(&testPlugin{id: "b", calls: &calls}, 1)

		handled, err := r.RunBefore(ctx, messageRequest())
		if handled || !errors.Is(err, boom) {
			t.Errorf("RunBefore() = %v, %v", handled, err)
		}
		if len(calls) != 1 {
			t.Errorf("calls = %v", calls)
		}
	})

	t.Run("errors and panics swallowed with catch", func(t *testing.T) {
		var calls []string
		r := NewRunner(RunnerConfig{CatchErrors: true})
		_ = r.Register(&testPlugin{id: "a", calls: &calls, err: errors.New("boom")}, 3)
		_ = r.Register(&testPlugin{id: "b", calls: &calls, panicMsg: "kaboom"}, 2)
		_ = r.Register(&testPlugin{id: "c", calls: &calls}, 1)

		handled, err := r.RunBefore(ctx, messageRequest())
		if handled || err != nil {
			t.Errorf("RunBefore() = %v, %v", handled, err)
		}
		if len(calls) != 3 {
			t.Errorf("calls = %v", calls)
		}
	})
}

func TestRunner_ExecuteCommand(t *testing.T) {
	ctx := context.Background()
	env := environment.New()

	t.Run("no hooks invokes directly", func(t *testing.T) {
		ran := 0
		r := NewRunner(RunnerConfig{})
		err := r.RunExecuteCommand(ctx, env, messageRequest(), &commands.Resolved{}, func(context.Context) error {
			ran++
			return nil
		})
		if err != nil || ran != 1 {
			t.Errorf("err = %v, ran = %d", err, ran)
		}
	})

	t.Run("wrapping plugin runs body once", func(t *testing.T) {
		var calls []string
		ran := 0
		r := NewRunner(RunnerConfig{})
		_ = r.Register(&testPlugin{id: "wrap", calls: &calls, invoke: true, handled: true}, 0)

		invoke := OnceInvoker(func(context.Context) error {
			ran++
			return nil
		})
		if err := r.RunExecuteCommand(ctx, env, messageRequest(), &commands.Resolved{}, invoke); err != nil {
			t.Fatal(err)
		}
		if ran != 1 {
			t.Errorf("body ran %d times", ran)
		}
	})

	t.Run("unhandled falls through to invoke", func(t *testing.T) {
		var calls []string
		ran := 0
		r := NewRunner(RunnerConfig{})
		_ = r.Register(&testPlugin{id: "watch", calls: &calls}, 0)
		_ = r.RunExecuteCommand(ctx, env, messageRequest(), &commands.Resolved{}, func(context.Context) error {
			ran++
			return nil
		})
		if ran != 1 || len(calls) != 1 {
			t.Errorf("ran = %d, calls = %v", ran, calls)
		}
	})

	t.Run("body signals pass through unwrapped", func(t *testing.T) {
		for _, catch := range []bool{true, false} {
			var (
				calls []string
				buf   bytes.Buffer
			)
			r := NewRunner(RunnerConfig{
				CatchErrors: catch,
				Logger:      slog.New(slog.NewTextHandler(&buf, nil)),
			})
			_ = r.Register(&testPlugin{id: "wrap", calls: &calls, invoke: true}, 0)
			err := r.RunExecuteCommand(ctx, env, messageRequest(), &commands.Resolved{}, func(context.Context) error {
				return signals.Forwarded()
			})
			if !signals.IsForwarded(err) || strings.Contains(err.Error(), "execute_command") {
				t.Errorf("catch=%v: err = %v, want the bare forward signal", catch, err)
			}
			if strings.Contains(buf.String(), "level=ERROR") {
				t.Errorf("catch=%v: signal logged as a failure:\n%s", catch, buf.String())
			}
		}
	})

	t.Run("replacing plugin skips body", func(t *testing.T) {
		var calls []string
		ran := 0
		r := NewRunner(RunnerConfig{})
		_ = r.Register(&testPlugin{id: "replace", calls: &calls, handled: true}, 0)
		_ = r.RunExecuteCommand(ctx, env, messageRequest(), &commands.Resolved{}, func(context.Context) error {
			ran++
			return nil
		})
		if ran != 0 {
			t.Errorf("body ran %d times", ran)
		}
	})
}

func TestRunner_AfterCommand(t *testing.T) {
	var calls []string
	r := NewRunner(RunnerConfig{})
	_ = r.Register(&testPlugin{id: "a", calls: &calls, err: errors.New("boom")}, 3)
	_ = r.Register(&testPlugin{id: "b", calls: &calls}, 2)
	_ = r.Register(&testPlugin{id: "c", calls: &calls, err: signals.Capture()}, 1)
	_ = r.Register(&testPlugin{id: "d", calls: &calls}, 0)

	r.RunAfterCommand(context.Background(), environment.New())

	want := "a:after,b:after,c:after"
	if got := strings.Join(calls, ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

func TestOnceInvoker(t *testing.T) {
	boom := errors.New("boom")
	ran := 0
	invoke := OnceInvoker(func(context.Context) error {
		ran++
		return boom
	})
	for i := 0; i < 3; i++ {
		if err := invoke(context.Background()); !errors.Is(err, boom) {
			t.Errorf("call %d err = %v", i, err)
		}
	}
	if ran != 1 {
		t.Errorf("ran = %d", ran)
	}
}

func TestNilRunner(t *testing.T) {
	var r *Runner
	handled, err := r.RunBefore(context.Background(), messageRequest())
	if handled || err != nil {
		t.Errorf("nil runner RunBefore() = %v, %v", handled, err)
	}
	ran := false
	_ = r.RunExecuteCommand(context.Background(), nil, messageRequest(), nil, func(context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Error("nil runner must still invoke")
	}
	r.RunAfterCommand(context.Background(), nil)
}
