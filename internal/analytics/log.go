package analytics

import (
	"context"
	"log/slog"
)

// LogSink writes analytics events to a structured logger.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink creates a log sink. Successful executions log at level, failed
// ones at warn or higher.
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "analytics"), level: level}
}

// Track implements Sink.
func (s *LogSink) Track(ctx context.Context, event Event) error {
	level := s.level
	if event.Data.Error && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "command tracked",
		"name", event.Name,
		"id", event.ID,
		"command", event.Data.Command,
		"type", event.Data.Type,
		"error", event.Data.Error,
		"execution_ms", event.Data.ExecutionTime.Milliseconds())
	return nil
}
