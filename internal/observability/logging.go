package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data redaction
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// DispatchIDKey is the context key for dispatch ids.
	DispatchIDKey ContextKey = "dispatch_id"

	// CommandKey is the context key for the resolved command name.
	CommandKey ContextKey = "command"

	// ModeKey is the context key for the execution mode.
	ModeKey ContextKey = "mode"

	// GuildIDKey is the context key for the guild id.
	GuildIDKey ContextKey = "guild_id"

	// UserIDKey is the context key for user ids.
	UserIDKey ContextKey = "user_id"
)

var contextKeys = []ContextKey{DispatchIDKey, CommandKey, ModeKey, GuildIDKey, UserIDKey}

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,

	// Discord bot tokens: base64 user id, timestamp, hmac
	`[MNO][a-zA-Z\d_-]{23,25}\.[a-zA-Z\d_-]{6}\.[a-zA-Z\d_-]{27,38}`,

	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"bot_token":     true,
	"api_key":       true,
	"apikey":        true,
	"auth":          true,
	"authorization": true,
}

// NewLogger creates a slog.Logger that redacts secrets and adds dispatch
// correlation fields found on the context.
//
// Defaults: Output os.Stderr, Level "info", Format "json".
func NewLogger(config LogConfig) *slog.Logger {
	return slog.New(NewHandler(config))
}

// NewHandler builds the slog.Handler behind NewLogger.
func NewHandler(config LogConfig) slog.Handler {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var inner slog.Handler
	if config.Format == "json" {
		inner = slog.NewJSONHandler(config.Output, opts)
	} else {
		inner = slog.NewTextHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &contextHandler{inner: inner, redacts: redacts}
}

// contextHandler redacts record messages and attributes and appends context
// correlation fields.
type contextHandler struct {
	inner   slog.Handler
	redacts []*regexp.Regexp
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.redactString(r.Message), r.PC)
	if ctx != nil {
		for _, key := range contextKeys {
			if v, ok := ctx.Value(key).(string); ok && v != "" {
				out.AddAttrs(slog.String(string(key), v))
			}
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &contextHandler{inner: h.inner.WithAttrs(redacted), redacts: h.redacts}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name), redacts: h.redacts}
}

func (h *contextHandler) redactAttr(a slog.Attr) slog.Attr {
	if sensitiveKeys[normalizeKey(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(v.String()))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, ga := range group {
			out[i] = h.redactAttr(ga)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		return slog.Any(a.Key, h.redactValue(v.Any()))
	default:
		return a
	}
}

func (h *contextHandler) redactValue(v any) any {
	switch val := v.(type) {
	case error:
		return h.redactString(val.Error())
	case []byte:
		return h.redactString(string(val))
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKeys[normalizeKey(k)] {
				result[k] = "[REDACTED]"
			} else {
				result[k] = h.redactValue(inner)
			}
		}
		return result
	case string:
		return h.redactString(val)
	default:
		if b, err := json.Marshal(v); err == nil && len(h.redacts) > 0 {
			s := string(b)
			if red := h.redactString(s); red != s {
				return red
			}
		}
		return v
	}
}

func (h *contextHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.ReplaceAll(k, "-", "_"))
}

// AddDispatchID adds a dispatch id to the context.
func AddDispatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, DispatchIDKey, id)
}

// AddCommand adds a command name to the context.
func AddCommand(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, CommandKey, name)
}

// AddMode adds an execution mode to the context.
func AddMode(ctx context.Context, mode string) context.Context {
	return context.WithValue(ctx, ModeKey, mode)
}

// AddGuildID adds a guild id to the context.
func AddGuildID(ctx context.Context, guildID string) context.Context {
	return context.WithValue(ctx, GuildIDKey, guildID)
}

// AddUserID adds a user id to the context.
func AddUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetDispatchID retrieves the dispatch id from the context.
func GetDispatchID(ctx context.Context) string {
	if id, ok := ctx.Value(DispatchIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
