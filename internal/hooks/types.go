// Package hooks is an in-process event bus for the command lifecycle. The
// dispatcher publishes an Event at each stage and registered handlers react
// to it without taking part in the middleware chain.
package hooks

import (
	"context"
	"slices"
	"time"
)

// EventType is the stage of the command lifecycle an Event describes.
type EventType string

const (
	EventCommandResolved EventType = "command.resolved"
	EventCommandExecuted EventType = "command.executed"
	// EventCommandStopped carries the signal kind that halted the chain as
	// its Action.
	EventCommandStopped   EventType = "command.stopped"
	EventCommandFailed    EventType = "command.failed"
	EventCommandCompleted EventType = "command.completed"
)

// Event is what handlers receive. Handlers registered for "type:action"
// only see events whose Action matches.
type Event struct {
	Type   EventType `json:"type"`
	Action string    `json:"action,omitempty"`

	DispatchID string `json:"dispatch_id,omitempty"`
	Command    string `json:"command,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Source     string `json:"source,omitempty"` // interaction or message

	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	// Middlewares is the resolved chain, set on command.resolved.
	Middlewares []string `json:"middlewares,omitempty"`

	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Context   map[string]any `json:"context,omitempty"`

	Error    error  `json:"-"`
	ErrorMsg string `json:"error,omitempty"`
}

// NewEvent returns an event stamped with the current time.
func NewEvent(eventType EventType, action string) *Event {
	return &Event{Type: eventType, Action: action, Timestamp: time.Now()}
}

func (e *Event) WithDispatch(dispatchID, source string) *Event {
	e.DispatchID, e.Source = dispatchID, source
	return e
}

func (e *Event) WithCommand(name, mode string) *Event {
	e.Command, e.Mode = name, mode
	return e
}

func (e *Event) WithLocation(guildID, channelID, userID string) *Event {
	e.GuildID, e.ChannelID, e.UserID = guildID, channelID, userID
	return e
}

// WithContext stores an extra value under key.
func (e *Event) WithContext(key string, value any) *Event {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// WithError attaches err and its message, which survives JSON encoding.
func (e *Event) WithError(err error) *Event {
	e.Error = err
	if err != nil {
		e.ErrorMsg = err.Error()
	}
	return e
}

// Key is "type:action", or the bare type when there is no action.
func (e *Event) Key() string {
	if e.Action == "" {
		return string(e.Type)
	}
	return string(e.Type) + ":" + e.Action
}

// Handler reacts to an event. Handlers run inline during finalization.
type Handler func(ctx context.Context, event *Event) error

// Priority orders handlers; lower runs first. Equal priorities run in
// registration order.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Registration is one subscribed handler.
type Registration struct {
	ID       string
	EventKey string
	Handler  Handler
	Priority Priority
	Name     string
	// Source is the owner, usually a plugin id. See UnregisterSource.
	Source string
	Filter *Filter

	seq uint64
}

func (r *Registration) label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// Filter narrows a registration. Empty lists match everything.
type Filter struct {
	Commands []string
	Sources  []string
	GuildIDs []string
}

// Matches reports whether event passes f. A nil filter matches all events.
func (f *Filter) Matches(event *Event) bool {
	if f == nil {
		return true
	}
	in := func(list []string, v string) bool { return len(list) == 0 || slices.Contains(list, v) }
	return in(f.Commands, event.Command) && in(f.Sources, event.Source) && in(f.GuildIDs, event.GuildID)
}
