package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config invalid"
	}
	return "config invalid: " + strings.Join(e.Issues, "; ")
}

var (
	logLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	logFormats = map[string]bool{"json": true, "text": true}
)

// Validate checks cfg after defaults have been applied.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return &ValidationError{Issues: []string{"config is nil"}}
	}
	var issues []string
	if err := ValidateVersion(cfg.Version); err != nil {
		issues = append(issues, err.Error())
	}

	r := cfg.Discord.Reconnect
	if r.MaxAttempts < 0 {
		issues = append(issues, "discord.reconnect.max_attempts must not be negative")
	}
	if r.InitialBackoffMs < 0 || r.MaxBackoffMs < 0 {
		issues = append(issues, "discord.reconnect backoff must not be negative")
	}
	if r.MaxBackoffMs > 0 && r.InitialBackoffMs > r.MaxBackoffMs {
		issues = append(issues, "discord.reconnect.initial_backoff_ms exceeds max_backoff_ms")
	}

	for i, p := range cfg.Dispatch.Prefixes {
		if strings.TrimSpace(p) == "" {
			issues = append(issues, fmt.Sprintf("dispatch.prefixes[%d] is empty", i))
		}
	}
	if cfg.Dispatch.PrefixPattern != "" {
		if _, err := regexp.Compile(cfg.Dispatch.PrefixPattern); err != nil {
			issues = append(issues, fmt.Sprintf("dispatch.prefix_pattern: %v", err))
		}
	}

	if !logLevels[strings.ToLower(cfg.Logging.Level)] {
		issues = append(issues, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level))
	}
	if !logFormats[strings.ToLower(cfg.Logging.Format)] {
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", cfg.Logging.Format))
	}
	for i, pattern := range cfg.Logging.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			issues = append(issues, fmt.Sprintf("logging.redact_patterns[%d]: %v", i, err))
		}
	}

	if cfg.Observability.Metrics.Enabled && !strings.HasPrefix(cfg.Observability.Metrics.Path, "/") {
		issues = append(issues, "observability.metrics.path must start with /")
	}
	tracing := cfg.Observability.Tracing
	if tracing.Enabled && strings.TrimSpace(tracing.Endpoint) == "" {
		issues = append(issues, "observability.tracing.endpoint is required when tracing is enabled")
	}
	if tracing.SamplingRate < 0 || tracing.SamplingRate > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if !logLevels[strings.ToLower(cfg.Analytics.LogLevel)] {
		issues = append(issues, fmt.Sprintf("analytics.log_level %q is not a log level", cfg.Analytics.LogLevel))
	}
	if cfg.Analytics.BufferSize < 0 {
		issues = append(issues, "analytics.buffer_size must not be negative")
	}
	if cfg.Analytics.SampleRate < 0 || cfg.Analytics.SampleRate > 1 {
		issues = append(issues, "analytics.sample_rate must be between 0 and 1")
	}

	for id, entry := range cfg.Plugins.Entries {
		if strings.TrimSpace(id) == "" {
			issues = append(issues, "plugins.entries has an empty id")
		}
		if entry.Priority != nil && *entry.Priority < 0 {
			issues = append(issues, fmt.Sprintf("plugins.entries.%s.priority must not be negative", id))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// RequireToken reports a missing bot token. Only commands that connect to
// Discord need one.
func (cfg *Config) RequireToken() error {
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		return &ValidationError{Issues: []string{"discord.token is required"}}
	}
	return nil
}
