// Package config loads the dispatchkit configuration file.
//
// Files are YAML or JSON5 (chosen by extension), may pull in other files with
// $include, and may reference environment variables as ${NAME}. Unknown keys
// are rejected.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/dispatch"
	"github.com/haasonsaas/dispatchkit/internal/observability"
	"github.com/haasonsaas/dispatchkit/internal/plugins"
)

// Config is the main configuration structure for dispatchkit.
type Config struct {
	// Version is the configuration file format version.
	Version int `yaml:"version"`

	Discord       DiscordConfig       `yaml:"discord"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Analytics     AnalyticsConfig     `yaml:"analytics"`
	Plugins       plugins.Config      `yaml:"plugins"`
}

// DiscordConfig configures the gateway session.
type DiscordConfig struct {
	// Token is the bot token. Usually supplied as ${DISCORD_TOKEN}.
	Token string `yaml:"token"`

	// AppID is the application id used for command registration. Defaults to
	// the bot user id once connected.
	AppID string `yaml:"app_id"`

	// RegisterCommands overwrites the application commands on startup.
	RegisterCommands bool `yaml:"register_commands"`

	// GuildID scopes command registration to one guild. Empty registers
	// global commands.
	GuildID string `yaml:"guild_id"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls connection retries.
type ReconnectConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

// DispatchConfig holds the resolver settings that can change at runtime.
type DispatchConfig struct {
	// Prefixes are literal message prefixes.
	Prefixes []string `yaml:"prefixes"`

	// PrefixPattern is an optional regular expression matched at the start
	// of a message.
	PrefixPattern string `yaml:"prefix_pattern"`

	// MentionPrefix also accepts a mention of the bot as a prefix.
	MentionPrefix bool `yaml:"mention_prefix"`

	DisablePermissionsMiddleware bool `yaml:"disable_permissions_middleware"`
	AllowBots                    bool `yaml:"allow_bots"`
	DevMode                      bool `yaml:"dev_mode"`

	// BuiltinCommands registers the ping, help and whoami commands.
	BuiltinCommands *bool `yaml:"builtin_commands"`
}

// BuiltinsEnabled reports whether the built-in commands should be registered.
func (d DispatchConfig) BuiltinsEnabled() bool {
	return d.BuiltinCommands == nil || *d.BuiltinCommands
}

// PrefixProvider builds the message prefix provider. botUserID enables the
// mention prefix when MentionPrefix is set.
func (d DispatchConfig) PrefixProvider(botUserID string) (commands.PrefixProvider, error) {
	var provider commands.PrefixProvider
	if strings.TrimSpace(d.PrefixPattern) != "" {
		re, err := regexp.Compile(d.PrefixPattern)
		if err != nil {
			return nil, fmt.Errorf("dispatch.prefix_pattern: %w", err)
		}
		provider = commands.PatternPrefix(re, d.Prefixes...)
	} else {
		provider = commands.StaticPrefix(d.Prefixes...)
	}
	if d.MentionPrefix && botUserID != "" {
		provider = commands.MentionPrefix(botUserID, provider)
	}
	return provider, nil
}

// Settings builds the resolver settings for the given bot user id.
func (d DispatchConfig) Settings(botUserID string) (dispatch.Settings, error) {
	prefix, err := d.PrefixProvider(botUserID)
	if err != nil {
		return dispatch.Settings{}, err
	}
	return dispatch.Settings{
		Prefix:                       prefix,
		DisablePermissionsMiddleware: d.DisablePermissionsMiddleware,
		AllowBots:                    d.AllowBots,
		DevMode:                      d.DevMode,
	}, nil
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// LogConfig converts to the observability logger options.
func (l LoggingConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:          l.Level,
		Format:         l.Format,
		AddSource:      l.AddSource,
		RedactPatterns: append([]string(nil), l.RedactPatterns...),
	}
}

// ObservabilityConfig configures metrics, tracing and diagnostics.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`

	// Diagnostics enables the in-process diagnostic event stream.
	Diagnostics bool `yaml:"diagnostics"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// TraceConfig converts to the observability tracer options. A disabled
// tracer gets no endpoint, which makes it a no-op.
func (t TracingConfig) TraceConfig() observability.TraceConfig {
	cfg := observability.TraceConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: t.ServiceVersion,
		Environment:    t.Environment,
		SamplingRate:   t.SamplingRate,
		Attributes:     t.Attributes,
		EnableInsecure: t.Insecure,
	}
	if t.Enabled {
		cfg.Endpoint = t.Endpoint
	}
	return cfg
}

// AnalyticsConfig selects the analytics sinks.
type AnalyticsConfig struct {
	// Prometheus records command events as Prometheus series.
	Prometheus bool `yaml:"prometheus"`

	// Log writes one log line per command event.
	Log      bool   `yaml:"log"`
	LogLevel string `yaml:"log_level"`

	// Async moves sink writes off the dispatch path.
	Async      bool    `yaml:"async"`
	BufferSize int     `yaml:"buffer_size"`
	SampleRate float64 `yaml:"sample_rate"`
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Discord.Reconnect.MaxAttempts == 0 {
		cfg.Discord.Reconnect.MaxAttempts = 5
	}
	if cfg.Discord.Reconnect.InitialBackoffMs == 0 {
		cfg.Discord.Reconnect.InitialBackoffMs = 1000
	}
	if cfg.Discord.Reconnect.MaxBackoffMs == 0 {
		cfg.Discord.Reconnect.MaxBackoffMs = 60000
	}
	if len(cfg.Dispatch.Prefixes) == 0 && cfg.Dispatch.PrefixPattern == "" {
		cfg.Dispatch.Prefixes = append([]string(nil), commands.DefaultPrefixes...)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Metrics.Addr == "" {
		cfg.Observability.Metrics.Addr = ":9090"
	}
	if cfg.Observability.Metrics.Path == "" {
		cfg.Observability.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "dispatchkit"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1
	}
	if cfg.Analytics.LogLevel == "" {
		cfg.Analytics.LogLevel = "info"
	}
	if cfg.Analytics.BufferSize == 0 {
		cfg.Analytics.BufferSize = 1000
	}
	if cfg.Analytics.SampleRate == 0 {
		cfg.Analytics.SampleRate = 1
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
