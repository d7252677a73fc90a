package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrCommandNotFound is returned when a name resolves to no command.
var ErrCommandNotFound = errors.New("command not found")

// Loader supplies the current command and middleware tables.
type Loader interface {
	Tables() *Tables
}

// Tables is an immutable snapshot of registered commands and middleware.
// Dispatches capture one snapshot and use it to the end, so a reload never
// changes the data an in-flight dispatch sees.
type Tables struct {
	commands    map[string]*Command // name -> command
	aliases     map[string]string   // alias -> name
	byID        map[string]*Command
	middlewares []*Middleware
	mwIndex     map[string]*Middleware // id and name -> middleware
}

func newTables() *Tables {
	return &Tables{
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
		byID:     make(map[string]*Command),
		mwIndex:  make(map[string]*Middleware),
	}
}

func (t *Tables) clone() *Tables {
	c := &Tables{
		commands:    make(map[string]*Command, len(t.commands)),
		aliases:     make(map[string]string, len(t.aliases)),
		byID:        make(map[string]*Command, len(t.byID)),
		middlewares: append([]*Middleware(nil), t.middlewares...),
		mwIndex:     make(map[string]*Middleware, len(t.mwIndex)),
	}
	for k, v := range t.commands {
		c.commands[k] = v
	}
	for k, v := range t.aliases {
		c.aliases[k] = v
	}
	for k, v := range t.byID {
		c.byID[k] = v
	}
	for k, v := range t.mwIndex {
		c.mwIndex[k] = v
	}
	return c
}

// NormalizeName lowercases and trims a command name or path.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// PathKey joins a command name with an optional group and subcommand into the
// colon path used as a registry key.
func PathKey(name, group, sub string) string {
	parts := []string{NormalizeName(name)}
	for _, p := range []string{group, sub} {
		if p = NormalizeName(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ":")
}

// Command retrieves a command by name or alias.
func (t *Tables) Command(name string) (*Command, bool) {
	name = NormalizeName(name)
	if cmd, ok := t.commands[name]; ok {
		return cmd, true
	}
	if real, ok := t.aliases[name]; ok {
		cmd, ok := t.commands[real]
		return cmd, ok
	}
	return nil, false
}

// Lookup finds the most specific command for a path: "root:group:sub", then
// "root:group" or "root:sub", then "root".
func (t *Tables) Lookup(name, group, sub string) (*Command, bool) {
	candidates := []string{PathKey(name, group, sub)}
	if group != "" && sub != "" {
		candidates = append(candidates, PathKey(name, group, ""))
	}
	candidates = append(candidates, PathKey(name, "", ""))
	for _, key := range candidates {
		if cmd, ok := t.Command(key); ok {
			return cmd, true
		}
	}
	return nil, false
}

// CommandByID retrieves a command by its stable id.
func (t *Tables) CommandByID(id string) (*Command, bool) {
	cmd, ok := t.byID[id]
	return cmd, ok
}

// Commands returns all commands sorted by name.
func (t *Tables) Commands() []*Command {
	cmds := make([]*Command, 0, len(t.commands))
	for _, cmd := range t.commands {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// Middleware retrieves a middleware by id or name.
func (t *Tables) Middleware(ref string) (*Middleware, bool) {
	mw, ok := t.mwIndex[ref]
	return mw, ok
}

// Middlewares returns all middleware in registration order.
func (t *Tables) Middlewares() []*Middleware {
	return append([]*Middleware(nil), t.middlewares...)
}

// GlobalMiddlewares returns global middleware in registration order.
func (t *Tables) GlobalMiddlewares() []*Middleware {
	var out []*Middleware
	for _, mw := range t.middlewares {
		if mw.Global {
			out = append(out, mw)
		}
	}
	return out
}

func (t *Tables) addCommand(cmd *Command, logger *slog.Logger) error {
	if cmd == nil {
		return fmt.Errorf("command is nil")
	}
	name := NormalizeName(cmd.Name)
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	if len(cmd.Handlers.Modes()) == 0 {
		return fmt.Errorf("command %q has no handlers", name)
	}
	if cmd.Scope.GuildOnly && cmd.Scope.DMOnly {
		return fmt.Errorf("command %q cannot be both guild-only and dm-only", name)
	}

	if _, exists := t.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	if existingName, exists := t.aliases[name]; exists {
		return fmt.Errorf("command name %q conflicts with alias for %q", name, existingName)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if _, exists := t.byID[cmd.ID]; exists {
		return fmt.Errorf("command id %q already registered", cmd.ID)
	}

	t.commands[name] = cmd
	t.byID[cmd.ID] = cmd

	for _, alias := range cmd.Aliases {
		aliasLower := NormalizeName(alias)
		if aliasLower == "" || aliasLower == name {
			continue
		}
		if _, exists := t.commands[aliasLower]; exists {
			logger.Warn("alias conflicts with command", "alias", aliasLower, "command", name)
			continue
		}
		if _, exists := t.aliases[aliasLower]; exists {
			logger.Warn("alias already registered", "alias", aliasLower, "command", name)
			continue
		}
		t.aliases[aliasLower] = name
	}
	return nil
}

func (t *Tables) removeCommand(name string) bool {
	name = NormalizeName(name)
	cmd, exists := t.commands[name]
	if !exists {
		return false
	}
	for alias, target := range t.aliases {
		if target == name {
			delete(t.aliases, alias)
		}
	}
	delete(t.byID, cmd.ID)
	delete(t.commands, name)
	return true
}

func (t *Tables) addMiddleware(mw *Middleware) error {
	if mw == nil {
		return fmt.Errorf("middleware is nil")
	}
	if mw.ID == "" && mw.Name == "" {
		return fmt.Errorf("middleware id or name is required")
	}
	if mw.Before == nil && mw.After == nil {
		return fmt.Errorf("middleware %q has no before or after function", mw.Label())
	}
	if mw.ID == "" {
		mw.ID = uuid.NewString()
	}
	for _, key := range []string{mw.ID, mw.Name} {
		if key == "" {
			continue
		}
		if _, exists := t.mwIndex[key]; exists {
			return fmt.Errorf("middleware %q already registered", key)
		}
	}
	t.mwIndex[mw.ID] = mw
	if mw.Name != "" {
		t.mwIndex[mw.Name] = mw
	}
	t.middlewares = append(t.middlewares, mw)
	return nil
}

// BuildTables validates cmds and mws into a fresh snapshot.
func BuildTables(cmds []*Command, mws []*Middleware, logger *slog.Logger) (*Tables, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := newTables()
	for _, mw := range mws {
		if err := t.addMiddleware(mw); err != nil {
			return nil, err
		}
	}
	for _, cmd := range cmds {
		if err := t.addCommand(cmd, logger); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Registry owns the current Tables snapshot. Readers load it without locking;
// writers copy it, modify the copy and swap it in.
type Registry struct {
	tables atomic.Pointer[Tables]
	mu     sync.Mutex // serializes writers
	logger *slog.Logger
}

// NewRegistry creates a new command registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "commands")}
	r.tables.Store(newTables())
	return r
}

// Tables returns the current snapshot.
func (r *Registry) Tables() *Tables {
	return r.tables.Load()
}

func (r *Registry) update(fn func(t *Tables) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.tables.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	r.tables.Store(next)
	return nil
}

// Register adds a command to the registry.
func (r *Registry) Register(cmd *Command) error {
	err := r.update(func(t *Tables) error { return t.addCommand(cmd, r.logger) })
	if err != nil {
		return err
	}
	r.logger.Debug("registered command",
		"name", NormalizeName(cmd.Name),
		"id", cmd.ID,
		"aliases", cmd.Aliases,
		"modes", len(cmd.Handlers.Modes()),
		"source", cmd.Source)
	return nil
}

// RegisterMiddleware adds a middleware to the registry.
func (r *Registry) RegisterMiddleware(mw *Middleware) error {
	err := r.update(func(t *Tables) error { return t.addMiddleware(mw) })
	if err != nil {
		return err
	}
	r.logger.Debug("registered middleware", "name", mw.Label(), "global", mw.Global)
	return nil
}

// Unregister removes a command from the registry.
func (r *Registry) Unregister(name string) bool {
	removed := false
	_ = r.update(func(t *Tables) error {
		removed = t.removeCommand(name)
		return nil
	})
	if removed {
		r.logger.Debug("unregistered command", "name", NormalizeName(name))
	}
	return removed
}

// Replace swaps in a whole new set of commands and middleware. In-flight
// dispatches keep the snapshot they already loaded.
func (r *Registry) Replace(cmds []*Command, mws []*Middleware) error {
	next, err := BuildTables(cmds, mws, r.logger)
	if err != nil {
		return fmt.Errorf("replace tables: %w", err)
	}
	r.mu.Lock()
	r.tables.Store(next)
	r.mu.Unlock()
	r.logger.Info("replaced command tables", "commands", len(cmds), "middlewares", len(mws))
	return nil
}

// Get retrieves a command by name or alias.
func (r *Registry) Get(name string) (*Command, bool) {
	return r.Tables().Command(name)
}

// List returns all registered commands.
func (r *Registry) List() []*Command {
	return r.Tables().Commands()
}

// ListVisible returns commands that should be shown in help.
func (r *Registry) ListVisible() []*Command {
	all := r.List()
	visible := make([]*Command, 0, len(all))
	for _, cmd := range all {
		if !cmd.Hidden {
			visible = append(visible, cmd)
		}
	}
	return visible
}

// ListByCategory returns visible commands grouped by category.
func (r *Registry) ListByCategory() map[string][]*Command {
	result := make(map[string][]*Command)
	for _, cmd := range r.ListVisible() {
		category := cmd.Category
		if category == "" {
			category = "general"
		}
		result[category] = append(result[category], cmd)
	}
	return result
}

// Names returns all registered command names (not aliases).
func (r *Registry) Names() []string {
	t := r.Tables()
	names := make([]string, 0, len(t.commands))
	for name := range t.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
