// Package plugins runs plugin interception hooks around command dispatch.
// Plugins can observe or take over a request without changing core code.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/environment"
	"github.com/haasonsaas/dispatchkit/internal/observability"
	"github.com/haasonsaas/dispatchkit/internal/request"
	"github.com/haasonsaas/dispatchkit/internal/signals"
)

// ErrPluginDisabled is returned by Register for plugins the config rejects.
var ErrPluginDisabled = errors.New("plugin disabled")

// HookName identifies a specific interception hook.
type HookName string

const (
	HookBeforeInteraction    HookName = "before_interaction"
	HookBeforeMessageCommand HookName = "before_message_command"
	HookExecuteCommand       HookName = "execute_command"
	HookAfterCommand         HookName = "after_command"
)

// Registration represents a registered plugin.
type Registration struct {
	Plugin   Plugin
	Priority int // Higher priority runs first
}

// Runner manages hook execution.
type Runner struct {
	mu          sync.RWMutex
	plugins     []*Registration
	config      Config
	catchErrors bool
	logger      *slog.Logger
}

// RunnerConfig configures the hook runner.
type RunnerConfig struct {
	// CatchErrors logs and swallows hook errors instead of returning them.
	CatchErrors bool
	Config      Config
	Logger      *slog.Logger
}

// NewRunner creates a new hook runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config:      cfg.Config,
		catchErrors: cfg.CatchErrors,
		logger:      logger.With("component", "plugins"),
	}
}

// Register adds a plugin. Plugins with equal priority run in registration
// order.
func (r *Runner) Register(p Plugin, priority int) error {
	if p == nil || p.ID() == "" {
		return fmt.Errorf("plugin ID is required")
	}
	id := p.ID()
	if state := r.config.resolveEnableState(id); !state.enabled {
		r.logger.Info("plugin not registered", "plugin", id, "reason", state.reason)
		return fmt.Errorf("%w: %s: %s", ErrPluginDisabled, id, state.reason)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.plugins {
		if reg.Plugin.ID() == id {
			return fmt.Errorf("plugin %s already registered", id)
		}
	}
	r.plugins = append(r.plugins, &Registration{Plugin: p, Priority: r.config.priority(id, priority)})
	sort.SliceStable(r.plugins, func(i, j int) bool {
		return r.plugins[i].Priority > r.plugins[j].Priority
	})
	r.logger.Debug("plugin registered", "plugin", id, "priority", priority)
	return nil
}

// Unregister removes a plugin.
func (r *Runner) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.plugins {
		if reg.Plugin.ID() == id {
			r.plugins = append(r.plugins[:i:i], r.plugins[i+1:]...)
			return true
		}
	}
	return false
}

// Plugins returns plugin IDs in run order.
func (r *Runner) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.plugins))
	for i, reg := range r.plugins {
		ids[i] = reg.Plugin.ID()
	}
	return ids
}

func (r *Runner) snapshot() []*Registration {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Registration(nil), r.plugins...)
}

// call runs one hook with panic recovery. It reports whether the plugin
// handled the request and whether remaining plugins must be skipped.
func (r *Runner) call(ctx context.Context, hook HookName, pluginID string, fn func() (bool, error)) (handled, stop bool, err error) {
	handled, err = func() (h bool, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return fn()
	}()

	if signals.IsCapture(err) {
		observability.EmitPluginCaptured(&observability.PluginCapturedEvent{
			DispatchID: observability.GetDispatchID(ctx),
			Plugin:     pluginID,
			Hook:       string(hook),
		})
		r.logger.DebugContext(ctx, "plugin captured request", "plugin", pluginID, "hook", hook)
		return true, true, nil
	}
	if hook == HookExecuteCommand && signals.IsSignal(err) {
		// Control signals from the body (or the plugin) go back to the
		// runner unwrapped; they are not plugin failures.
		return true, true, err
	}
	if err != nil {
		wrapped := fmt.Errorf("hook %s from %s failed: %w", hook, pluginID, err)
		if r.catchErrors {
			r.logger.ErrorContext(ctx, "plugin hook failed", "plugin", pluginID, "hook", hook, "error", err)
			return false, false, nil
		}
		return false, true, wrapped
	}
	return handled, handled, nil
}

// RunBeforeInteraction runs OnBeforeInteraction hooks until one handles the
// request.
func (r *Runner) RunBeforeInteraction(ctx context.Context, req *request.Request) (bool, error) {
	for _, reg := range r.snapshot() {
		hook, ok := reg.Plugin.(BeforeInteractionHook)
		if !ok {
			continue
		}
		handled, stop, err := r.call(ctx, HookBeforeInteraction, reg.Plugin.ID(), func() (bool, error) {
			return hook.OnBeforeInteraction(ctx, req)
		})
		if stop {
			return handled, err
		}
	}
	return false, nil
}

// RunBeforeMessageCommand runs OnBeforeMessageCommand hooks until one handles
// the request.
func (r *Runner) RunBeforeMessageCommand(ctx context.Context, req *request.Request) (bool, error) {
	for _, reg := range r.snapshot() {
		hook, ok := reg.Plugin.(BeforeMessageCommandHook)
		if !ok {
			continue
		}
		handled, stop, err := r.call(ctx, HookBeforeMessageCommand, reg.Plugin.ID(), func() (bool, error) {
			return hook.OnBeforeMessageCommand(ctx, req)
		})
		if stop {
			return handled, err
		}
	}
	return false, nil
}

// RunBefore dispatches to the before hook matching the request shape.
func (r *Runner) RunBefore(ctx context.Context, req *request.Request) (bool, error) {
	if req.IsInteraction() {
		return r.RunBeforeInteraction(ctx, req)
	}
	return r.RunBeforeMessageCommand(ctx, req)
}

// RunExecuteCommand offers the invocation to ExecuteCommand hooks. When no
// plugin handles it, invoke runs directly. Control signals come back
// unwrapped so the runner can act on them.
func (r *Runner) RunExecuteCommand(ctx context.Context, env *environment.Environment, req *request.Request, resolved *commands.Resolved, invoke Invoker) error {
	for _, reg := range r.snapshot() {
		hook, ok := reg.Plugin.(ExecuteCommandHook)
		if !ok {
			continue
		}
		handled, stop, err := r.call(ctx, HookExecuteCommand, reg.Plugin.ID(), func() (bool, error) {
			return hook.ExecuteCommand(ctx, env, req, resolved, invoke)
		})
		if err != nil {
			return err
		}
		if handled || stop {
			return nil
		}
	}
	return invoke(ctx)
}

// RunAfterCommand runs every OnAfterCommand hook. Errors are logged, never
// returned.
func (r *Runner) RunAfterCommand(ctx context.Context, env *environment.Environment) {
	for _, reg := range r.snapshot() {
		hook, ok := reg.Plugin.(AfterCommandHook)
		if !ok {
			continue
		}
		_, stop, err := r.call(ctx, HookAfterCommand, reg.Plugin.ID(), func() (bool, error) {
			return false, hook.OnAfterCommand(ctx, env)
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "after-command hook failed", "plugin", reg.Plugin.ID(), "error", err)
			continue
		}
		if stop {
			return
		}
	}
}

// OnceInvoker wraps fn so the command body runs at most once per dispatch.
func OnceInvoker(fn Invoker) Invoker {
	var (
		once sync.Once
		err  error
	)
	return func(ctx context.Context) error {
		once.Do(func() { err = fn(ctx) })
		return err
	}
}
