package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/request"
	"github.com/haasonsaas/dispatchkit/internal/signals"
)

// Settings are the resolver knobs that can change while the bot runs.
type Settings struct {
	// Prefix supplies message prefixes. Nil uses commands.DefaultPrefixes.
	Prefix commands.PrefixProvider

	// DisablePermissionsMiddleware drops the built-in permission middleware
	// from every resolved chain.
	DisablePermissionsMiddleware bool

	// AllowBots resolves messages written by bot accounts.
	AllowBots bool

	// DevMode logs the first message parse failure.
	DevMode bool
}

// Resolver maps a request to a command and its middleware chain.
type Resolver struct {
	loader      commands.Loader
	permissions *PermissionChecker
	logger      *slog.Logger

	settings  atomic.Pointer[Settings]
	parseWarn sync.Once
}

// NewResolver creates a resolver over loader. permissions may be nil, in which
// case the built-in permission middleware is never added.
func NewResolver(loader commands.Loader, permissions *PermissionChecker, settings Settings, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		loader:      loader,
		permissions: permissions,
		logger:      logger.With("component", "resolver"),
	}
	r.Apply(settings)
	return r
}

// Apply swaps the resolver settings. In-flight resolutions keep the settings
// they started with.
func (r *Resolver) Apply(s Settings) {
	if s.Prefix == nil {
		s.Prefix = commands.StaticPrefix()
	}
	r.settings.Store(&s)
}

// Settings returns the current settings.
func (r *Resolver) Settings() Settings {
	return *r.settings.Load()
}

// Resolve returns the command and middleware chain for req, or nil when the
// request does not address a command. Resolution never fails loudly.
func (r *Resolver) Resolve(ctx context.Context, req *request.Request) *commands.Resolved {
	if req == nil || r.loader == nil {
		return nil
	}
	mode := request.GetExecutionMode(req)
	if mode == request.ModeUnknown {
		return nil
	}
	tables := r.loader.Tables()
	if tables == nil {
		return nil
	}
	settings := r.settings.Load()

	var (
		cmd    *commands.Command
		parsed *request.Parsed
		ok     bool
	)
	if mode == request.ModeMessage {
		if author := req.Author(); author != nil && author.Bot && !settings.AllowBots {
			return nil
		}
		prefix, err := settings.Prefix(ctx, req)
		if err != nil {
			r.logger.WarnContext(ctx, "prefix provider failed", "error", err)
			return nil
		}
		parsed, err = commands.ParseMessage(req.Message.Content, prefix)
		if err != nil {
			if signals.KindOf(err) != signals.KindInvalidPrefix {
				r.warnParse(ctx, settings, err)
			}
			return nil
		}
		cmd, ok = tables.Lookup(parsed.Command, parsed.Group, parsed.Subcommand)
	} else {
		data, hasData := request.CommandData(req)
		if !hasData {
			return nil
		}
		group, sub, _ := request.CommandPath(data.Options)
		cmd, ok = tables.Lookup(data.Name, group, sub)
	}
	if !ok {
		return nil
	}
	if !cmd.Scope.Allows(req.GuildID()) {
		r.logger.DebugContext(ctx, "command not available in guild", "command", cmd.Name, "guild_id", req.GuildID())
		return nil
	}

	return &commands.Resolved{
		Command:     cmd,
		Middlewares: r.chain(ctx, tables, cmd, settings),
		Mode:        mode,
		Parsed:      parsed,
	}
}

// chain builds the middleware list: globals in registration order, then the
// command's references in declared order, then the permission check.
func (r *Resolver) chain(ctx context.Context, tables *commands.Tables, cmd *commands.Command, settings *Settings) []*commands.Middleware {
	globals := tables.GlobalMiddlewares()
	chain := make([]*commands.Middleware, 0, len(globals)+len(cmd.Middlewares)+1)
	seen := make(map[string]bool, cap(chain))

	chain = append(chain, globals...)
	for _, mw := range globals {
		seen[mw.ID] = true
	}
	for _, ref := range cmd.Middlewares {
		mw, ok := tables.Middleware(ref)
		if !ok {
			r.logger.WarnContext(ctx, "unknown middleware reference", "command", cmd.Name, "middleware", ref)
			continue
		}
		if seen[mw.ID] {
			continue
		}
		seen[mw.ID] = true
		chain = append(chain, mw)
	}
	if r.permissions != nil && !settings.DisablePermissionsMiddleware {
		chain = append(chain, r.permissions.For(cmd))
	}
	return chain
}

func (r *Resolver) warnParse(ctx context.Context, settings *Settings, err error) {
	if !settings.DevMode {
		return
	}
	r.parseWarn.Do(func() {
		r.logger.WarnContext(ctx, "failed to parse message command; further parse errors are not logged", "error", err)
	})
}
