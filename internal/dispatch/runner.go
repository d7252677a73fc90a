package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/dispatchkit/internal/analytics"
	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/environment"
	"github.com/haasonsaas/dispatchkit/internal/hooks"
	"github.com/haasonsaas/dispatchkit/internal/observability"
	"github.com/haasonsaas/dispatchkit/internal/plugins"
	"github.com/haasonsaas/dispatchkit/internal/request"
	"github.com/haasonsaas/dispatchkit/internal/signals"
)

// CancelledMessage is the Result message of a dispatch a before middleware
// halted.
const CancelledMessage = "Command execution was cancelled by a middleware."

// phase labels used for metrics, spans and lifecycle events.
const (
	phaseBefore  = "before"
	phaseCommand = "command"
	phaseAfter   = "after"
)

// RunOptions adjust a single Run.
type RunOptions struct {
	// ThrowOnError returns command errors to the caller. Without it they are
	// logged and captured on the environment only.
	ThrowOnError bool

	// HandlerKind runs the handler registered for this mode instead of the
	// request's own mode.
	HandlerKind request.Mode

	// CustomHandler replaces the command's handler entirely.
	CustomHandler commands.Handler
}

// Result is the outcome of a Run.
type Result struct {
	// Value is what the command handler returned. It is nil when the handler
	// failed, was skipped, or signalled.
	Value any

	// Cancelled, Error and Message describe a dispatch a before middleware
	// halted: {Cancelled: true, Error: true, Message: CancelledMessage}.
	Cancelled bool
	Error     bool
	Message   string

	Environment *environment.Environment
}

// Err returns the error captured on the environment, if any.
func (r *Result) Err() error {
	if r == nil || r.Environment == nil {
		return nil
	}
	return r.Environment.ExecutionError()
}

func (r *Result) cancel() {
	r.Cancelled = true
	r.Error = true
	r.Message = CancelledMessage
}

// RunnerConfig wires the runner's collaborators. Every field is optional.
type RunnerConfig struct {
	Plugins   *plugins.Runner
	Hooks     *hooks.Registry
	Analytics analytics.Sink
	Forwarder request.Forwarder
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

// Runner executes resolved commands through the middleware pipeline. It keeps
// no per-dispatch state, so one Runner serves concurrent dispatches.
type Runner struct {
	plugins   *plugins.Runner
	hooks     *hooks.Registry
	analytics analytics.Sink
	forwarder request.Forwarder
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Analytics
	if sink == nil {
		sink = analytics.Nop{}
	}
	return &Runner{
		plugins:   cfg.Plugins,
		hooks:     cfg.Hooks,
		analytics: sink,
		forwarder: cfg.Forwarder,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    logger.With("component", "runner"),
	}
}

// runState tracks how far a dispatch got.
type runState struct {
	stoppedBefore bool
	stoppedInCmd  bool
	executed      bool
	stopPhase     string
	stopSignal    signals.Kind
}

func (s *runState) stop(phase string, kind signals.Kind) {
	if s.stopPhase == "" {
		s.stopPhase = phase
		s.stopSignal = kind
	}
}

// Run executes resolved for req. The returned Result is non-nil whenever
// resolved is, including when err is non-nil, so callers can inspect the
// environment. err is set when a middleware fails, or when the command fails
// and opts.ThrowOnError is set.
func (r *Runner) Run(ctx context.Context, resolved *commands.Resolved, req *request.Request, opts RunOptions) (res *Result, err error) {
	if resolved == nil || resolved.Command == nil {
		return nil, ErrNotResolved
	}
	cmd := resolved.Command
	mode := resolved.Mode
	if mode == request.ModeUnknown {
		mode = request.GetExecutionMode(req)
	}

	dispatchID := observability.GetDispatchID(ctx)
	if dispatchID == "" {
		dispatchID = uuid.NewString()
		ctx = observability.AddDispatchID(ctx, dispatchID)
	}
	ctx = observability.AddCommand(ctx, cmd.Name)
	ctx = observability.AddMode(ctx, mode.String())

	env := environment.New()
	env.Set(environment.VarExecutionMode, mode.String())
	env.Set(environment.VarCommandName, cmd.Name)
	env.Set(environment.VarCommandID, cmd.ID)
	env.Set(environment.VarDispatchID, dispatchID)
	if opts.HandlerKind != request.ModeUnknown {
		env.Set(environment.VarHandlerKind, opts.HandlerKind.String())
	}
	if opts.CustomHandler != nil {
		env.Set(environment.VarCustomHandler, true)
	}
	env.MarkStart(phaseBefore)
	ctx = environment.With(ctx, env)

	ctx, span := r.tracer.TraceCommand(ctx, cmd.Name, mode.String())

	cctx := request.NewContext(req, request.ContextOptions{
		Mode:        mode,
		CommandName: cmd.Name,
		CommandID:   cmd.ID,
		Parsed:      resolved.Parsed,
		Forwarder:   r.forwarder,
	})
	mctx := request.NewMiddlewareContext(cctx)
	res = &Result{Environment: env}
	st := &runState{}

	defer func() {
		r.finalize(ctx, span, env, resolved, req, mode, st, err)
	}()

	resolvedEvent := r.event(hooks.EventCommandResolved, "", env, resolved, req)
	resolvedEvent.Middlewares = resolved.MiddlewareNames()
	r.trigger(ctx, resolvedEvent)

	// Before phase.
	for _, mw := range resolved.Middlewares {
		if mw.Before == nil {
			continue
		}
		d := r.runMiddleware(ctx, request.PhaseBefore, mw, mctx)
		switch d.Outcome {
		case signals.OutcomeContinue:
		case signals.OutcomeStop:
			r.observeSignal(ctx, env, phaseBefore, d.Kind())
			st.stoppedBefore = true
			st.stop(phaseBefore, d.Kind())
			res.cancel()
			return res, nil
		case signals.OutcomeForward:
			r.observeSignal(ctx, env, phaseBefore, d.Kind())
		case signals.OutcomeReject:
			r.observeSignal(ctx, env, phaseBefore, d.Kind())
			if d.Kind() == signals.KindInvalidPrefix {
				continue
			}
			r.rejectScope(ctx, req, d.Kind())
			st.stoppedBefore = true
			st.stop(phaseBefore, d.Kind())
			res.cancel()
			return res, nil
		default:
			err = fmt.Errorf("before middleware %s: %w", mw.Label(), d.Err)
			r.capture(ctx, env, phaseBefore, err)
			return res, err
		}
	}

	// Command phase.
	env.SetMarker(phaseCommand)
	value, cmdErr := r.execute(ctx, env, req, resolved, cctx, mode, opts, st)
	d := signals.Decide(cmdErr)
	switch {
	case d.Outcome == signals.OutcomeContinue:
		res.Value = value
	case d.Outcome == signals.OutcomeStop:
		r.observeSignal(ctx, env, phaseCommand, d.Kind())
		st.stoppedInCmd = true
		st.stop(phaseCommand, d.Kind())
	case d.Outcome == signals.OutcomeForward:
		r.observeSignal(ctx, env, phaseCommand, d.Kind())
	case d.Outcome == signals.OutcomeReject && signals.IsScopeViolation(cmdErr):
		r.observeSignal(ctx, env, phaseCommand, d.Kind())
		r.rejectScope(ctx, req, d.Kind())
		st.stoppedInCmd = true
		st.stop(phaseCommand, d.Kind())
	default:
		cmdErr = fmt.Errorf("command %s: %w", cmd.Name, cmdErr)
		r.capture(ctx, env, phaseCommand, cmdErr)
		mctx.SetCommandError(cmdErr)
		if opts.ThrowOnError {
			err = cmdErr
			return res, err
		}
	}

	// After phase.
	if st.stoppedInCmd {
		return res, nil
	}
	env.SetMarker(phaseAfter)
	mctx.EnterPhase(request.PhaseAfter)
	for _, mw := range resolved.Middlewares {
		if mw.After == nil {
			continue
		}
		d := r.runMiddleware(ctx, request.PhaseAfter, mw, mctx)
		switch d.Outcome {
		case signals.OutcomeStop:
			r.observeSignal(ctx, env, phaseAfter, d.Kind())
			st.stop(phaseAfter, d.Kind())
			return res, nil
		case signals.OutcomeFail:
			err = fmt.Errorf("after middleware %s: %w", mw.Label(), d.Err)
			r.capture(ctx, env, phaseAfter, err)
			return res, err
		case signals.OutcomeForward, signals.OutcomeReject:
			r.observeSignal(ctx, env, phaseAfter, d.Kind())
		}
	}
	return res, nil
}

// execute runs the command body through the plugin ExecuteCommand hooks.
func (r *Runner) execute(ctx context.Context, env *environment.Environment, req *request.Request, resolved *commands.Resolved, cctx *request.Context, mode request.Mode, opts RunOptions, st *runState) (any, error) {
	cmd := resolved.Command
	handler := opts.CustomHandler
	if handler == nil {
		kind := mode
		if opts.HandlerKind != request.ModeUnknown {
			kind = opts.HandlerKind
		}
		handler = cmd.Handlers.For(kind)
		if handler == nil {
			r.logger.WarnContext(ctx, "command has no handler for mode", "command", cmd.Name, "mode", kind.String())
			return nil, nil
		}
	}

	env.After(func(ctx context.Context) error {
		return r.analytics.Track(ctx, analytics.Event{
			Name: analytics.EventCommand,
			ID:   cmd.ID,
			Data: analytics.Data{
				Error:         env.ExecutionError() != nil,
				ExecutionTime: env.ExecutionTime(),
				Type:          mode.String(),
				Command:       cmd.Name,
			},
		})
	})

	var (
		value   any
		bodyErr error
		ran     bool
	)
	invoke := plugins.OnceInvoker(func(ctx context.Context) error {
		ran = true
		value, bodyErr = callHandler(ctx, "command "+cmd.Name, handler, cctx)
		return bodyErr
	})
	err := r.plugins.RunExecuteCommand(ctx, env, req, resolved, invoke)
	st.executed = true
	if ran && bodyErr != nil {
		return nil, bodyErr
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func callHandler(ctx context.Context, where string, h commands.Handler, c *request.Context) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			v = nil
			err = &PanicError{Where: where, Value: rec, Stack: debug.Stack()}
		}
	}()
	return h(ctx, c)
}

func (r *Runner) runMiddleware(ctx context.Context, phase request.Phase, mw *commands.Middleware, mctx *request.MiddlewareContext) signals.Decision {
	fn := mw.Before
	if phase == request.PhaseAfter {
		fn = mw.After
	}
	ctx, span := r.tracer.TraceMiddleware(ctx, string(phase), mw.Label())
	defer span.End()

	d := func() (d signals.Decision) {
		defer func() {
			if rec := recover(); rec != nil {
				d = signals.Decision{
					Outcome: signals.OutcomeFail,
					Err:     &PanicError{Where: fmt.Sprintf("%s middleware %s", phase, mw.Label()), Value: rec, Stack: debug.Stack()},
				}
			}
		}()
		return fn(ctx, mctx)
	}()

	if d.Outcome == signals.OutcomeFail && d.Err == nil {
		d.Err = fmt.Errorf("middleware failed without an error")
	}
	if d.Outcome == signals.OutcomeFail {
		r.tracer.RecordError(span, d.Err)
	} else if d.Signal != nil {
		r.tracer.AddEvent(span, "signal", "signal.kind", d.Kind().String())
	}
	return d
}

// capture records err as the dispatch's terminal error and logs it.
func (r *Runner) capture(ctx context.Context, env *environment.Environment, phase string, err error) {
	if setErr := env.SetExecutionError(err); setErr != nil {
		r.logger.DebugContext(ctx, "execution error already captured", "phase", phase, "error", err)
	}
	r.logger.ErrorContext(ctx, "dispatch failed", "phase", phase, "error", err)
	errType := "error"
	if IsPanic(err) {
		errType = "panic"
	}
	component := "middleware"
	if phase == phaseCommand {
		component = "command"
	}
	r.metrics.RecordError(component, errType)
}

func (r *Runner) observeSignal(ctx context.Context, env *environment.Environment, phase string, kind signals.Kind) {
	r.logger.DebugContext(ctx, "signal observed", "phase", phase, "signal", kind.String())
	r.metrics.RecordSignal(kind.String())
	observability.EmitSignalObserved(&observability.SignalObservedEvent{
		DispatchID: env.DispatchID(),
		Command:    env.CommandName(),
		Phase:      phase,
		Signal:     kind.String(),
	})
}

func (r *Runner) rejectScope(ctx context.Context, req *request.Request, kind signals.Kind) {
	msg := GuildOnlyMessage
	if kind == signals.KindDMOnly {
		msg = DMOnlyMessage
	}
	if !req.CanReply() {
		return
	}
	if err := req.Reply(ctx, msg, true); err != nil {
		r.logger.WarnContext(ctx, "failed to send scope rejection", "signal", kind.String(), "error", err)
	}
}

// finalize runs on every exit path of Run.
func (r *Runner) finalize(ctx context.Context, span trace.Span, env *environment.Environment, resolved *commands.Resolved, req *request.Request, mode request.Mode, st *runState, runErr error) {
	env.MarkEnd()
	env.RunDeferred(ctx, r.logger)
	env.ClearDeferred()
	r.plugins.RunAfterCommand(ctx, env)

	failure := env.ExecutionError()
	if failure == nil {
		failure = runErr
	}

	if st.executed {
		r.trigger(ctx, r.event(hooks.EventCommandExecuted, "", env, resolved, req))
	}
	if st.stopPhase != "" {
		r.metrics.RecordStop(resolved.Command.Name, st.stopPhase)
		r.trigger(ctx, r.event(hooks.EventCommandStopped, st.stopSignal.String(), env, resolved, req).
			WithContext("phase", st.stopPhase))
	}
	if failure != nil {
		r.trigger(ctx, r.event(hooks.EventCommandFailed, "", env, resolved, req).WithError(failure))
	}
	r.trigger(ctx, r.event(hooks.EventCommandCompleted, "", env, resolved, req))

	status := "success"
	switch {
	case failure != nil:
		status = "error"
	case st.stoppedBefore:
		status = "cancelled"
	case st.stopPhase != "":
		status = "stopped"
	}
	r.metrics.RecordCommand(resolved.Command.Name, mode.String(), status, env.ExecutionTime().Seconds())

	r.tracer.SetAttributes(span, "command.status", status)
	if failure != nil {
		r.tracer.RecordError(span, failure)
	}
	span.End()
}

func (r *Runner) event(typ hooks.EventType, action string, env *environment.Environment, resolved *commands.Resolved, req *request.Request) *hooks.Event {
	ev := hooks.NewEvent(typ, action).
		WithDispatch(env.DispatchID(), req.Source()).
		WithCommand(resolved.Command.Name, env.GetString(environment.VarExecutionMode)).
		WithLocation(req.GuildID(), req.ChannelID(), req.UserID())
	if env.Ended() {
		ev.Duration = env.ExecutionTime()
	}
	return ev
}

func (r *Runner) trigger(ctx context.Context, ev *hooks.Event) {
	// Handler errors are logged by the registry.
	_ = r.hooks.Trigger(ctx, ev)
}
