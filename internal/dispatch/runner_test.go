package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/dispatchkit/internal/analytics"
	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/environment"
	"github.com/haasonsaas/dispatchkit/internal/hooks"
	"github.com/haasonsaas/dispatchkit/internal/observability"
	"github.com/haasonsaas/dispatchkit/internal/plugins"
	"github.com/haasonsaas/dispatchkit/internal/request"
	"github.com/haasonsaas/dispatchkit/internal/signals"
)

func TestRunner_BeforeStopOrdering(t *testing.T) {
	for k := 1; k <= 3; k++ {
		t.Run(fmt.Sprintf("stop at m%d", k), func(t *testing.T) {
			tr := &stepLog{}
			var mws []*commands.Middleware
			for i := 1; i <= 3; i++ {
				before := signals.Continue()
				if i == k {
					before = signals.Halt()
				}
				mws = append(mws, recordMW(tr, fmt.Sprintf("m%d", i), before, signals.Continue()))
			}
			cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", "pong", nil)}}

			res, err := NewRunner(RunnerConfig{}).Run(context.Background(), resolvedFor(cmd, request.ModeMessage, mws...), messageRequest("!ping", "g1", nil), RunOptions{})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			var want []string
			for i := 1; i <= k; i++ {
				want = append(want, fmt.Sprintf("m%d:before", i))
			}
			if got := tr.list(); !equalSteps(got, want) {
				t.Errorf("steps = %v, want %v", got, want)
			}
			if !res.Cancelled || !res.Error || res.Message != CancelledMessage {
				t.Errorf("result = %+v, want cancellation", res)
			}
			if res.Value != nil {
				t.Errorf("Value = %v, want nil", res.Value)
			}
			if !res.Environment.Ended() {
				t.Error("environment not marked ended")
			}
		})
	}
}

func TestRunner_ExitMiddlewareStops(t *testing.T) {
	tr := &stepLog{}
	exit := &commands.Middleware{
		Name: "exit",
		Before: func(ctx context.Context, m *request.MiddlewareContext) signals.Decision {
			tr.add("exit:before")
			return m.Exit()
		},
	}
	cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", nil, nil)}}

	res, _ := NewRunner(RunnerConfig{}).Run(context.Background(), resolvedFor(cmd, request.ModeMessage, exit), messageRequest("!ping", "", nil), RunOptions{})
	if !res.Cancelled {
		t.Error("exit should cancel the dispatch")
	}
	if got := tr.list(); !equalSteps(got, []string{"exit:before"}) {
		t.Errorf("steps = %v", got)
	}
}

func TestRunner_CommandStop(t *testing.T) {
	tr := &stepLog{}
	cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", "ignored", signals.Stop())}}
	resolved := resolvedFor(cmd, request.ModeMessage,
		recordMW(tr, "m1", signals.Continue(), signals.Continue()),
		recordMW(tr, "m2", signals.Continue(), signals.Continue()))

	res, err := NewRunner(RunnerConfig{}).Run(context.Background(), resolved, messageRequest("!ping", "g1", nil), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"m1:before", "m2:before", "ping"}
	if got := tr.list(); !equalSteps(got, want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
	if res.Cancelled {
		t.Error("a command stop is not a cancellation")
	}
	if res.Err() != nil {
		t.Errorf("stop signal captured as error: %v", res.Err())
	}
}

func TestRunner_CommandErrorPassthrough(t *testing.T) {
	boom := errors.New("boom")

	t.Run("logged and captured", func(t *testing.T) {
		tr := &stepLog{}
		cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", "partial", boom)}}
		var seenErr error
		after := &commands.Middleware{
			Name: "log",
			After: func(ctx context.Context, m *request.MiddlewareContext) signals.Decision {
				tr.add("log:after")
				seenErr = m.Err()
				return signals.Continue()
			},
		}

		res, err := NewRunner(RunnerConfig{}).Run(context.Background(), resolvedFor(cmd, request.ModeMessage, after), messageRequest("!ping", "g1", nil), RunOptions{})
		if err != nil {
			t.Fatalf("Run() error = %v, want nil without ThrowOnError", err)
		}
		if res.Value != nil {
			t.Errorf("Value = %v, want nil", res.Value)
		}
		if !errors.Is(res.Err(), boom) {
			t.Errorf("captured error = %v, want boom", res.Err())
		}
		if !errors.Is(seenErr, boom) {
			t.Errorf("after middleware saw %v", seenErr)
		}
		if got := tr.list(); !equalSteps(got, []string{"ping", "log:after"}) {
			t.Errorf("steps = %v", got)
		}
	})

	t.Run("thrown", func(t *testing.T) {
		tr := &stepLog{}
		tracked := 0
		sink := analytics.SinkFunc(func(context.Context, analytics.Event) error {
			tracked++
			return nil
		})
		cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", nil, boom)}}

		res, err := NewRunner(RunnerConfig{Analytics: sink}).Run(context.Background(),
			resolvedFor(cmd, request.ModeMessage, recordMW(tr, "m1", signals.Continue(), signals.Continue())),
			messageRequest("!ping", "g1", nil), RunOptions{ThrowOnError: true})
		if !errors.Is(err, boom) {
			t.Fatalf("Run() error = %v, want boom", err)
		}
		if got := tr.list(); !equalSteps(got, []string{"m1:before", "ping"}) {
			t.Errorf("steps = %v, after phase must not run", got)
		}
		if tracked != 1 || res.Environment.PendingDeferred() != 0 {
			t.Errorf("tracked = %d, pending = %d; deferred functions must drain", tracked, res.Environment.PendingDeferred())
		}
	})
}

func TestRunner_BeforeOptOut(t *testing.T) {
	tr := &stepLog{}
	cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", "pong", nil)}}
	resolved := resolvedFor(cmd, request.ModeMessage,
		recordMW(tr, "fwd", signals.Forward("other"), signals.Continue()),
		recordMW(tr, "prefix", signals.Reject(signals.KindInvalidPrefix), signals.Continue()))

	res, err := NewRunner(RunnerConfig{}).Run(context.Background(), resolved, messageRequest("!ping", "g1", nil), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"fwd:before", "prefix:before", "ping", "fwd:after", "prefix:after"}
	if got := tr.list(); !equalSteps(got, want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
	if res.Value != "pong" {
		t.Errorf("Value = %v", res.Value)
	}
}

func TestRunner_BeforeFailure(t *testing.T) {
	tr := &stepLog{}
	denied := errors.New("denied")
	cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", nil, nil)}}
	resolved := resolvedFor(cmd, request.ModeMessage,
		recordMW(tr, "m1", signals.Fail(denied), signals.Continue()),
		recordMW(tr, "m2", signals.Continue(), signals.Continue()))

	res, err := NewRunner(RunnerConfig{}).Run(context.Background(), resolved, messageRequest("!ping", "g1", nil), RunOptions{})
	if !errors.Is(err, denied) {
		t.Fatalf("Run() error = %v, want denied", err)
	}
	if got := tr.list(); !equalSteps(got, []string{"m1:before"}) {
		t.Errorf("steps = %v", got)
	}
	if !errors.Is(res.Err(), denied) {
		t.Errorf("environment error = %v", res.Err())
	}
}

func TestRunner_AfterPhase(t *testing.T) {
	failure := errors.New("after failed")
	tests := []struct {
		name    string
		first   signals.Decision
		want    []string
		wantErr error
	}{
		{
			name:  "stop halts remaining",
			first: signals.Halt(),
			want:  []string{"ping", "a1:after"},
		},
		{
			name:    "failure propagates",
			first:   signals.Fail(failure),
			want:    []string{"ping", "a1:after"},
			wantErr: failure,
		},
		{
			name:  "forward continues",
			first: signals.Forward(""),
			want:  []string{"ping", "a1:after", "a2:after"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &stepLog{}
			mk := func(name string, d signals.Decision) *commands.Middleware {
				return &commands.Middleware{Name: name, After: func(context.Context, *request.MiddlewareContext) signals.Decision {
					tr.add(name + ":after")
					return d
				}}
			}
			cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", nil, nil)}}
			_, err := NewRunner(RunnerConfig{}).Run(context.Background(),
				resolvedFor(cmd, request.ModeMessage, mk("a1", tt.first), mk("a2", signals.Continue())),
				messageRequest("!ping", "g1", nil), RunOptions{})

			if tt.wantErr == nil && err != nil {
				t.Errorf("Run() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if got := tr.list(); !equalSteps(got, tt.want) {
				t.Errorf("steps = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunner_ScopeRejection(t *testing.T) {
	t.Run("before middleware", func(t *testing.T) {
		tr := &stepLog{}
		resp := &fakeResponder{}
		guard := recordMW(tr, "guard", signals.Reject(signals.KindGuildOnly), signals.Continue())
		cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{ChatInput: recordHandler(tr, "ping", nil, nil)}}

		res, err := NewRunner(RunnerConfig{}).Run(context.Background(), resolvedFor(cmd, request.ModeChatInput, guard), slashRequest("ping", "", resp), RunOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Cancelled {
			t.Error("scope rejection should cancel")
		}
		if got := tr.list(); !equalSteps(got, []string{"guard:before"}) {
			t.Errorf("steps = %v", got)
		}
		if sent := resp.sent(); len(sent) != 1 || sent[0] != GuildOnlyMessage {
			t.Errorf("replies = %v", sent)
		}
		if resp.responses[0].Data.Flags != 1<<6 {
			t.Error("rejection should be ephemeral")
		}
	})

	t.Run("command body", func(t *testing.T) {
		tr := &stepLog{}
		resp := &fakeResponder{}
		cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", nil, signals.DMOnly())}}

		res, err := NewRunner(RunnerConfig{}).Run(context.Background(),
			resolvedFor(cmd, request.ModeMessage, recordMW(tr, "log", signals.Continue(), signals.Continue())),
			messageRequest("!ping", "g1", resp), RunOptions{})
		if err != nil || res.Err() != nil {
			t.Fatalf("scope violation leaked as error: %v / %v", err, res.Err())
		}
		if got := tr.list(); !equalSteps(got, []string{"log:before", "ping"}) {
			t.Errorf("steps = %v, after phase must be skipped", got)
		}
		if sent := resp.sent(); len(sent) != 1 || sent[0] != DMOnlyMessage {
			t.Errorf("replies = %v", sent)
		}
	})
}

func TestRunner_PanicRecovery(t *testing.T) {
	cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: func(context.Context, *request.Context) (any, error) {
		panic("handler exploded")
	}}}
	res, err := NewRunner(RunnerConfig{}).Run(context.Background(), resolvedFor(cmd, request.ModeMessage), messageRequest("!ping", "", nil), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !IsPanic(res.Err()) || !strings.Contains(res.Err().Error(), "handler exploded") {
		t.Errorf("captured error = %v, want panic", res.Err())
	}

	mw := &commands.Middleware{Name: "bad", Before: func(context.Context, *request.MiddlewareContext) signals.Decision {
		panic("middleware exploded")
	}}
	cmd = &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(&stepLog{}, "ping", nil, nil)}}
	_, err = NewRunner(RunnerConfig{}).Run(context.Background(), resolvedFor(cmd, request.ModeMessage, mw), messageRequest("!ping", "", nil), RunOptions{})
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Where != "before middleware bad" {
		t.Errorf("Run() error = %v, want middleware panic", err)
	}
}

func TestRunner_HandlerSelection(t *testing.T) {
	tr := &stepLog{}
	cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{
		ChatInput: recordHandler(tr, "slash", "from slash", nil),
		Message:   recordHandler(tr, "text", "from text", nil),
	}}
	runner := NewRunner(RunnerConfig{})
	ctx := context.Background()

	res, _ := runner.Run(ctx, resolvedFor(cmd, request.ModeChatInput), slashRequest("ping", "g1", nil), RunOptions{HandlerKind: request.ModeMessage})
	if res.Value != "from text" {
		t.Errorf("HandlerKind override ran %v", res.Value)
	}
	if res.Environment.GetString(environment.VarHandlerKind) != "message" {
		t.Errorf("handler kind not recorded: %v", res.Environment.Variables())
	}

	custom := func(context.Context, *request.Context) (any, error) { return "custom", nil }
	res, _ = runner.Run(ctx, resolvedFor(cmd, request.ModeChatInput), slashRequest("ping", "g1", nil), RunOptions{CustomHandler: custom})
	if res.Value != "custom" {
		t.Errorf("CustomHandler ran %v", res.Value)
	}

	menuOnly := &commands.Command{Name: "menu", Handlers: commands.Handlers{ContextMenu: recordHandler(tr, "menu", nil, nil)}}
	after := recordMW(tr, "after", signals.Continue(), signals.Continue())
	res, err := runner.Run(ctx, resolvedFor(menuOnly, request.ModeChatInput, after), slashRequest("menu", "g1", nil), RunOptions{})
	if err != nil || res.Value != nil || res.Err() != nil {
		t.Errorf("missing handler should be skipped: %v %v %v", res.Value, err, res.Err())
	}
	steps := tr.list()
	if last := steps[len(steps)-1]; last != "after:after" {
		t.Errorf("after phase should still run, steps = %v", steps)
	}
}

func TestRunner_EnvironmentTags(t *testing.T) {
	var seen *environment.Environment
	cmd := &commands.Command{ID: "cmd-1", Name: "ping", Handlers: commands.Handlers{Message: func(ctx context.Context, c *request.Context) (any, error) {
		seen = environment.FromContext(ctx)
		return nil, nil
	}}}

	ctx := observability.AddDispatchID(context.Background(), "dispatch-1")
	res, _ := NewRunner(RunnerConfig{}).Run(ctx, resolvedFor(cmd, request.ModeMessage), messageRequest("!ping", "", nil), RunOptions{})
	if seen == nil || seen != res.Environment {
		t.Fatal("handler did not see the dispatch environment")
	}
	vars := seen.Variables()
	if vars[environment.VarExecutionMode] != "message" || vars[environment.VarCommandName] != "ping" || vars[environment.VarCommandID] != "cmd-1" {
		t.Errorf("variables = %v", vars)
	}
	if seen.DispatchID() != "dispatch-1" {
		t.Errorf("DispatchID() = %q", seen.DispatchID())
	}
}

func TestRunner_Analytics(t *testing.T) {
	var (
		mu     sync.Mutex
		events []analytics.Event
	)
	sink := analytics.SinkFunc(func(_ context.Context, e analytics.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
		return errors.New("sink down")
	})
	runner := NewRunner(RunnerConfig{Analytics: sink})
	ctx := context.Background()

	ok := &commands.Command{ID: "id-ok", Name: "ok", Handlers: commands.Handlers{Message: func(context.Context, *request.Context) (any, error) {
		time.Sleep(2 * time.Millisecond)
		return "done", nil
	}}}
	bad := &commands.Command{ID: "id-bad", Name: "bad", Handlers: commands.Handlers{Message: recordHandler(&stepLog{}, "bad", nil, errors.New("x"))}}

	res, err := runner.Run(ctx, resolvedFor(ok, request.ModeMessage), messageRequest("!ok", "", nil), RunOptions{})
	if err != nil || res.Value != "done" {
		t.Fatalf("sink failure changed the outcome: %v %v", res.Value, err)
	}
	_, _ = runner.Run(ctx, resolvedFor(bad, request.ModeMessage), messageRequest("!bad", "", nil), RunOptions{})

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	first, second := events[0], events[1]
	if first.Name != analytics.EventCommand || first.ID != "id-ok" || first.Data.Command != "ok" || first.Data.Type != "message" || first.Data.Error {
		t.Errorf("success event = %+v", first)
	}
	if first.Data.ExecutionTime < 2*time.Millisecond {
		t.Errorf("ExecutionTime = %v, want >= 2ms", first.Data.ExecutionTime)
	}
	if !second.Data.Error || second.Data.Command != "bad" {
		t.Errorf("failure event = %+v", second)
	}
}

func TestRunner_DeferredIsolation(t *testing.T) {
	var ran []string
	cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: func(ctx context.Context, c *request.Context) (any, error) {
		if _, err := environment.After(ctx, func(context.Context) error {
			ran = append(ran, "d1")
			return errors.New("d1 failed")
		}); err != nil {
			return nil, err
		}
		if _, err := environment.After(ctx, func(context.Context) error {
			ran = append(ran, "d2")
			return nil
		}); err != nil {
			return nil, err
		}
		return "ok", nil
	}}}

	res, err := NewRunner(RunnerConfig{}).Run(context.Background(), resolvedFor(cmd, request.ModeMessage), messageRequest("!ping", "", nil), RunOptions{})
	if err != nil || res.Err() != nil {
		t.Fatalf("deferred failure leaked: %v %v", err, res.Err())
	}
	if !equalSteps(ran, []string{"d1", "d2"}) {
		t.Errorf("deferred ran %v", ran)
	}
	if res.Environment.PendingDeferred() != 0 {
		t.Errorf("pending deferred = %d", res.Environment.PendingDeferred())
	}
}

func TestRunner_LifecycleEvents(t *testing.T) {
	registry := hooks.NewRegistry(nil)
	var (
		keys  []string
		chain []string
	)
	for _, typ := range []hooks.EventType{
		hooks.EventCommandResolved, hooks.EventCommandExecuted, hooks.EventCommandStopped,
		hooks.EventCommandFailed, hooks.EventCommandCompleted,
	} {
		registry.On(typ, func(_ context.Context, e *hooks.Event) error {
			keys = append(keys, e.Key())
			if e.Type == hooks.EventCommandResolved {
				chain = e.Middlewares
			}
			return nil
		})
	}
	runner := NewRunner(RunnerConfig{Hooks: registry})
	ctx := context.Background()

	tests := []struct {
		name string
		mws  []*commands.Middleware
		err       error
		want      []string
		wantChain []string
	}{
		{
			name:      "success",
			mws:       []*commands.Middleware{recordMW(&stepLog{}, "log", signals.Continue(), signals.Continue())},
			want:      []string{"command.resolved", "command.executed", "command.completed"},
			wantChain: []string{"log"},
		},
		{
			name:      "before stop",
			mws:       []*commands.Middleware{recordMW(&stepLog{}, "gate", signals.Halt(), signals.Continue())},
			want:      []string{"command.resolved", "command.stopped:stop_middlewares", "command.completed"},
			wantChain: []string{"gate"},
		},
		{
			name: "command failure",
			err:  errors.New("boom"),
			want: []string{"command.resolved", "command.executed", "command.failed", "command.completed"},
		},
		{
			name: "command stop",
			err:  signals.Stop(),
			want: []string{"command.resolved", "command.executed", "command.stopped:stop_middlewares", "command.completed"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, chain = nil, nil
			cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(&stepLog{}, "ping", nil, tt.err)}}
			_, _ = runner.Run(ctx, resolvedFor(cmd, request.ModeMessage, tt.mws...), messageRequest("!ping", "g1", nil), RunOptions{})
			if !equalSteps(keys, tt.want) {
				t.Errorf("events = %v, want %v", keys, tt.want)
			}
			if !equalSteps(chain, tt.wantChain) {
				t.Errorf("resolved chain = %v, want %v", chain, tt.wantChain)
			}
		})
	}
}

func TestRunner_Metrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	runner := NewRunner(RunnerConfig{Metrics: metrics})
	ctx := context.Background()

	ok := &commands.Command{Name: "ok", Handlers: commands.Handlers{Message: recordHandler(&stepLog{}, "ok", nil, nil)}}
	bad := &commands.Command{Name: "bad", Handlers: commands.Handlers{Message: recordHandler(&stepLog{}, "bad", nil, errors.New("x"))}}
	gate := recordMW(&stepLog{}, "gate", signals.Halt(), signals.Continue())

	_, _ = runner.Run(ctx, resolvedFor(ok, request.ModeMessage), messageRequest("!ok", "", nil), RunOptions{})
	_, _ = runner.Run(ctx, resolvedFor(bad, request.ModeMessage), messageRequest("!bad", "", nil), RunOptions{})
	_, _ = runner.Run(ctx, resolvedFor(ok, request.ModeMessage, gate), messageRequest("!ok", "", nil), RunOptions{})

	checks := []struct {
		labels []string
		want   float64
	}{
		{[]string{"ok", "message", "success"}, 1},
		{[]string{"bad", "message", "error"}, 1},
		{[]string{"ok", "message", "cancelled"}, 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(metrics.CommandCounter.WithLabelValues(c.labels...)); got != c.want {
			t.Errorf("commands%v = %v, want %v", c.labels, got, c.want)
		}
	}
	if got := testutil.ToFloat64(metrics.MiddlewareStops.WithLabelValues("ok", "before")); got != 1 {
		t.Errorf("middleware stops = %v", got)
	}
	if got := testutil.ToFloat64(metrics.SignalCounter.WithLabelValues("stop_middlewares")); got != 1 {
		t.Errorf("signals = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ErrorCounter.WithLabelValues("command", "error")); got != 1 {
		t.Errorf("errors = %v", got)
	}
}

func TestRunner_Tracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	tracer := observability.NewTracerFromProvider(provider, "test")

	cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(&stepLog{}, "ping", nil, errors.New("x"))}}
	mw := recordMW(&stepLog{}, "auth", signals.Continue(), signals.Continue())
	_, _ = NewRunner(RunnerConfig{Tracer: tracer}).Run(context.Background(), resolvedFor(cmd, request.ModeMessage, mw), messageRequest("!ping", "", nil), RunOptions{})

	names := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = s
	}
	for _, want := range []string{"command ping", "middleware.before auth", "middleware.after auth"} {
		if _, ok := names[want]; !ok {
			t.Errorf("span %q not recorded; got %v", want, names)
		}
	}
	root := names["command ping"]
	if root != nil && root.Status().Description != "command ping: x" {
		t.Errorf("command span status = %+v", root.Status())
	}
	if child := names["middleware.before auth"]; child != nil && root != nil && child.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Error("middleware span should be a child of the command span")
	}
}

type wrapPlugin struct {
	calls  *[]string
	invoke bool
}

func (p *wrapPlugin) ID() string { return "wrap" }

func (p *wrapPlugin) ExecuteCommand(ctx context.Context, env *environment.Environment, req *request.Request, resolved *commands.Resolved, invoke plugins.Invoker) (bool, error) {
	*p.calls = append(*p.calls, "plugin:start")
	if p.invoke {
		if err := invoke(ctx); err != nil {
			return true, err
		}
		_ = invoke(ctx)
	}
	*p.calls = append(*p.calls, "plugin:end")
	return true, nil
}

func (p *wrapPlugin) OnAfterCommand(ctx context.Context, env *environment.Environment) error {
	*p.calls = append(*p.calls, "plugin:after:"+env.CommandName())
	return nil
}

func TestRunner_PluginExecuteCommand(t *testing.T) {
	t.Run("wrap runs body once", func(t *testing.T) {
		var calls []string
		pr := plugins.NewRunner(plugins.RunnerConfig{})
		_ = pr.Register(&wrapPlugin{calls: &calls, invoke: true}, 0)
		cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: func(context.Context, *request.Context) (any, error) {
			calls = append(calls, "body")
			return "pong", nil
		}}}

		res, err := NewRunner(RunnerConfig{Plugins: pr}).Run(context.Background(), resolvedFor(cmd, request.ModeMessage), messageRequest("!ping", "", nil), RunOptions{})
		if err != nil || res.Value != "pong" {
			t.Fatalf("Run() = %v, %v", res.Value, err)
		}
		want := []string{"plugin:start", "body", "plugin:end", "plugin:after:ping"}
		if !equalSteps(calls, want) {
			t.Errorf("calls = %v, want %v", calls, want)
		}
	})

	t.Run("body signal survives caught plugin errors", func(t *testing.T) {
		var calls []string
		tr := &stepLog{}
		pr := plugins.NewRunner(plugins.RunnerConfig{CatchErrors: true})
		_ = pr.Register(&wrapPlugin{calls: &calls, invoke: true}, 0)
		cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", nil, signals.Stop())}}

		_, _ = NewRunner(RunnerConfig{Plugins: pr}).Run(context.Background(),
			resolvedFor(cmd, request.ModeMessage, recordMW(tr, "log", signals.Continue(), signals.Continue())),
			messageRequest("!ping", "", nil), RunOptions{})
		if got := tr.list(); !equalSteps(got, []string{"log:before", "ping"}) {
			t.Errorf("steps = %v, the stop must still skip the after phase", got)
		}
	})

	t.Run("forward through a wrapping plugin is not an error", func(t *testing.T) {
		var (
			calls []string
			buf   bytes.Buffer
		)
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		tr := &stepLog{}
		pr := plugins.NewRunner(plugins.RunnerConfig{CatchErrors: true, Logger: logger})
		_ = pr.Register(&wrapPlugin{calls: &calls, invoke: true}, 0)
		cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", nil, signals.Forwarded())}}

		res, err := NewRunner(RunnerConfig{Plugins: pr, Logger: logger}).Run(context.Background(),
			resolvedFor(cmd, request.ModeMessage, recordMW(tr, "log", signals.Continue(), signals.Continue())),
			messageRequest("!ping", "", nil), RunOptions{ThrowOnError: true})
		if err != nil || res.Error {
			t.Fatalf("Run() = %+v, %v", res, err)
		}
		if got := tr.list(); !equalSteps(got, []string{"log:before", "ping", "log:after"}) {
			t.Errorf("steps = %v", got)
		}
		if strings.Contains(buf.String(), "level=ERROR") {
			t.Errorf("forward logged as an error:\n%s", buf.String())
		}
	})

	t.Run("replace skips body", func(t *testing.T) {
		var calls []string
		pr := plugins.NewRunner(plugins.RunnerConfig{})
		_ = pr.Register(&wrapPlugin{calls: &calls}, 0)
		tr := &stepLog{}
		cmd := &commands.Command{Name: "ping", Handlers: commands.Handlers{Message: recordHandler(tr, "ping", "pong", nil)}}

		res, _ := NewRunner(RunnerConfig{Plugins: pr}).Run(context.Background(), resolvedFor(cmd, request.ModeMessage), messageRequest("!ping", "", nil), RunOptions{})
		if len(tr.list()) != 0 || res.Value != nil {
			t.Errorf("body ran: steps = %v, value = %v", tr.list(), res.Value)
		}
	})
}

func TestRunner_EnvironmentIsolation(t *testing.T) {
	const n = 64
	var mismatches atomic.Int32

	cmd := &commands.Command{Name: "echo", Handlers: commands.Handlers{Message: func(ctx context.Context, c *request.Context) (any, error) {
		sentinel := c.Request().Message.Content
		env := environment.FromContext(ctx)
		env.Set("sentinel", sentinel)

		// Suspend and resume on another goroutine carrying the same ctx.
		done := make(chan string)
		go func() {
			time.Sleep(time.Millisecond)
			done <- environment.FromContext(ctx).GetString("sentinel")
		}()
		if got := <-done; got != sentinel {
			mismatches.Add(1)
		}
		return sentinel, nil
	}}}

	runner := NewRunner(RunnerConfig{})
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := runner.Run(context.Background(), resolvedFor(cmd, request.ModeMessage), messageRequest(fmt.Sprintf("sentinel-%d", i), "", nil), RunOptions{})
			if err != nil {
				t.Errorf("Run() error = %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if mismatches.Load() != 0 {
		t.Errorf("%d dispatches observed another dispatch's environment", mismatches.Load())
	}
	seen := map[*environment.Environment]bool{}
	for i, res := range results {
		if res == nil {
			continue
		}
		if want := fmt.Sprintf("sentinel-%d", i); res.Value != want || res.Environment.GetString("sentinel") != want {
			t.Errorf("dispatch %d saw %v / %v", i, res.Value, res.Environment.GetString("sentinel"))
		}
		if seen[res.Environment] {
			t.Errorf("environment shared between dispatches")
		}
		seen[res.Environment] = true
	}
}

func TestRunner_NilResolved(t *testing.T) {
	if _, err := NewRunner(RunnerConfig{}).Run(context.Background(), nil, messageRequest("!x", "", nil), RunOptions{}); !errors.Is(err, ErrNotResolved) {
		t.Errorf("Run(nil) error = %v", err)
	}
}
