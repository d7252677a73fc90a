package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/haasonsaas/dispatchkit/internal/analytics"
	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/environment"
	"github.com/haasonsaas/dispatchkit/internal/hooks"
	"github.com/haasonsaas/dispatchkit/internal/observability"
	"github.com/haasonsaas/dispatchkit/internal/plugins"
	"github.com/haasonsaas/dispatchkit/internal/request"
)

// Dispatch outcomes reported to metrics and diagnostics.
const (
	OutcomeCompleted       = "completed"
	OutcomeUnresolved      = "unresolved"
	OutcomeHandledByPlugin = "handled_by_plugin"
	OutcomeCancelled       = "cancelled"
	OutcomeFailed          = "failed"
)

// Config configures a Dispatcher.
type Config struct {
	// Loader supplies the command and middleware tables. Required.
	Loader commands.Loader

	Settings Settings

	// Permissions builds the built-in permission middleware. Nil uses a
	// checker without a message permission source.
	Permissions *PermissionChecker

	Plugins   *plugins.Runner
	Hooks     *hooks.Registry
	Analytics analytics.Sink
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

// Dispatcher is the entry point for gateway events: plugin before-hooks,
// resolution, then the pipeline runner.
type Dispatcher struct {
	loader   commands.Loader
	resolver *Resolver
	runner   *Runner
	plugins  *plugins.Runner
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perms := cfg.Permissions
	if perms == nil {
		perms = &PermissionChecker{}
	}
	if perms.Logger == nil {
		perms.Logger = logger.With("component", "permissions")
	}

	d := &Dispatcher{
		loader:  cfg.Loader,
		plugins: cfg.Plugins,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  logger.With("component", "dispatcher"),
	}
	d.resolver = NewResolver(cfg.Loader, perms, cfg.Settings, logger)
	d.runner = NewRunner(RunnerConfig{
		Plugins:   cfg.Plugins,
		Hooks:     cfg.Hooks,
		Analytics: cfg.Analytics,
		Forwarder: d,
		Metrics:   cfg.Metrics,
		Tracer:    cfg.Tracer,
		Logger:    logger,
	})
	return d
}

// Resolver returns the dispatcher's resolver, for inspection tooling and
// settings hot-swap.
func (d *Dispatcher) Resolver() *Resolver { return d.resolver }

// Runner returns the dispatcher's pipeline runner.
func (d *Dispatcher) Runner() *Runner { return d.runner }

// HandleInteraction dispatches an interaction event.
func (d *Dispatcher) HandleInteraction(ctx context.Context, responder request.Responder, i *discordgo.InteractionCreate) (*Result, error) {
	if i == nil || i.Interaction == nil {
		return nil, nil
	}
	return d.Dispatch(ctx, request.FromInteraction(i, responder))
}

// HandleMessage dispatches a message event.
func (d *Dispatcher) HandleMessage(ctx context.Context, responder request.Responder, m *discordgo.MessageCreate) (*Result, error) {
	if m == nil || m.Message == nil {
		return nil, nil
	}
	return d.Dispatch(ctx, request.FromMessage(m, responder))
}

// Dispatch runs one request end to end. A nil Result with a nil error means
// the request was not for us or a plugin handled it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *request.Request) (res *Result, err error) {
	dispatchID := uuid.NewString()
	source := req.Source()
	ctx = observability.AddDispatchID(ctx, dispatchID)
	ctx = observability.AddGuildID(ctx, req.GuildID())
	ctx = observability.AddUserID(ctx, req.UserID())

	ctx, span := d.tracer.TraceDispatch(ctx, source, dispatchID)
	defer span.End()

	start := time.Now()
	observability.EmitDispatchReceived(&observability.DispatchReceivedEvent{
		DispatchID: dispatchID,
		Source:     source,
		GuildID:    req.GuildID(),
		ChannelID:  req.ChannelID(),
	})

	outcome := OutcomeCompleted
	var resolved *commands.Resolved
	defer func() {
		d.metrics.RecordDispatch(source, outcome)
		completed := &observability.DispatchCompletedEvent{
			DispatchID: dispatchID,
			Source:     source,
			DurationMs: time.Since(start).Milliseconds(),
			Outcome:    outcome,
		}
		if resolved != nil {
			completed.Command = resolved.Command.Name
			completed.Mode = resolved.Mode.String()
		}
		failure := err
		if failure == nil {
			failure = res.Err()
		}
		if failure != nil {
			completed.Error = failure.Error()
			d.tracer.RecordError(span, failure)
		}
		d.tracer.SetAttributes(span, "dispatch.outcome", outcome)
		observability.EmitDispatchCompleted(completed)
	}()

	handled, err := d.plugins.RunBefore(ctx, req)
	if err != nil {
		outcome = OutcomeFailed
		d.metrics.RecordError("plugin", "before_hook")
		d.logger.ErrorContext(ctx, "plugin before-hook failed", "error", err)
		return nil, err
	}
	if handled {
		outcome = OutcomeHandledByPlugin
		return nil, nil
	}

	resolved = d.resolver.Resolve(ctx, req)
	if resolved == nil {
		outcome = OutcomeUnresolved
		return nil, nil
	}

	res, err = d.runner.Run(ctx, resolved, req, RunOptions{})
	switch {
	case err != nil:
		outcome = OutcomeFailed
		d.logger.ErrorContext(ctx, "dispatch failed", "command", resolved.Command.Name, "error", err)
	case res.Cancelled:
		outcome = OutcomeCancelled
	case res.Err() != nil:
		outcome = OutcomeFailed
	}
	return res, err
}

// Forward implements request.Forwarder. It runs the named command's handler
// for from's mode directly, without resolution or middleware.
func (d *Dispatcher) Forward(ctx context.Context, from *request.Context, name string) error {
	tables := d.loader.Tables()
	if tables == nil {
		return fmt.Errorf("forward to %q: %w", name, commands.ErrCommandNotFound)
	}
	cmd, ok := tables.Command(name)
	if !ok {
		return fmt.Errorf("forward to %q: %w", name, commands.ErrCommandNotFound)
	}
	handler := cmd.Handlers.For(from.Mode())
	if handler == nil {
		return fmt.Errorf("forward to %q: command has no %s handler", name, from.Mode())
	}

	if env := environment.FromContext(ctx); env != nil {
		env.Set(environment.VarForwardedTo, cmd.Name)
	}
	d.logger.DebugContext(ctx, "forwarding command", "from", from.CommandName(), "to", cmd.Name)

	_, err := callHandler(ctx, "command "+cmd.Name, handler, from.ForwardedTo(cmd.Name, cmd.ID))
	return err
}
