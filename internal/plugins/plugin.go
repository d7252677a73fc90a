package plugins

import (
	"context"
	"slices"

	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/environment"
	"github.com/haasonsaas/dispatchkit/internal/request"
)

// Plugin is the minimum a plugin implements. The hook interfaces below are
// optional; the runner calls whichever ones a plugin satisfies.
type Plugin interface {
	// ID returns the unique identifier for this plugin.
	ID() string
}

// BeforeInteractionHook runs before an interaction is resolved. Returning
// handled=true ends the dispatch.
type BeforeInteractionHook interface {
	OnBeforeInteraction(ctx context.Context, req *request.Request) (handled bool, err error)
}

// BeforeMessageCommandHook runs before a message is resolved. Returning
// handled=true ends the dispatch.
type BeforeMessageCommandHook interface {
	OnBeforeMessageCommand(ctx context.Context, req *request.Request) (handled bool, err error)
}

// Invoker runs the command body. It runs the body at most once; later calls
// return the first call's error.
type Invoker func(ctx context.Context) error

// ExecuteCommandHook may wrap or replace the command invocation. Returning
// handled=true tells the runner the plugin took care of it.
type ExecuteCommandHook interface {
	ExecuteCommand(ctx context.Context, env *environment.Environment, req *request.Request, resolved *commands.Resolved, invoke Invoker) (handled bool, err error)
}

// AfterCommandHook runs in finalization for every resolved dispatch.
type AfterCommandHook interface {
	OnAfterCommand(ctx context.Context, env *environment.Environment) error
}

// Config controls which plugins the runner accepts.
type Config struct {
	// Disabled rejects every plugin.
	Disabled bool `yaml:"disabled" json:"disabled,omitempty"`

	// Allow is an allowlist of plugin IDs. Empty means all allowed.
	Allow []string `yaml:"allow" json:"allow,omitempty"`

	// Deny is a denylist of plugin IDs.
	Deny []string `yaml:"deny" json:"deny,omitempty"`

	// Entries contains per-plugin configuration.
	Entries map[string]EntryConfig `yaml:"entries" json:"entries,omitempty"`
}

// EntryConfig contains per-plugin configuration.
type EntryConfig struct {
	Enabled  *bool `yaml:"enabled" json:"enabled,omitempty"`
	Priority *int  `yaml:"priority" json:"priority,omitempty"`
}

type enableState struct {
	enabled bool
	reason  string
}

func (c Config) resolveEnableState(id string) enableState {
	if c.Disabled {
		return enableState{false, "plugins disabled"}
	}
	if slices.Contains(c.Deny, id) {
		return enableState{false, "blocked by denylist"}
	}
	if len(c.Allow) > 0 && !slices.Contains(c.Allow, id) {
		return enableState{false, "not in allowlist"}
	}
	if entry, ok := c.Entries[id]; ok && entry.Enabled != nil && !*entry.Enabled {
		return enableState{false, "disabled in config"}
	}
	return enableState{true, ""}
}

func (c Config) priority(id string, fallback int) int {
	if entry, ok := c.Entries[id]; ok && entry.Priority != nil {
		return *entry.Priority
	}
	return fallback
}
