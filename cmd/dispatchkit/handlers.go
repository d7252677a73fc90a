package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/dispatchkit/internal/bot"
	"github.com/haasonsaas/dispatchkit/internal/config"
	"github.com/haasonsaas/dispatchkit/internal/observability"
	"github.com/haasonsaas/dispatchkit/internal/request"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command logic.
// It handles configuration loading, component wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.RequireToken(); err != nil {
		return err
	}

	logCfg := cfg.Logging.LogConfig()
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	logger.Info("starting dispatchkit",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.close(closeCtx); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()
	detach := rt.watchDiagnostics()
	defer detach()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metricsServer *http.Server
	if cfg.Observability.Metrics.Enabled {
		metricsServer, err = startMetricsServer(cfg.Observability.Metrics, rt.metricsRegistry, logger)
		if err != nil {
			return err
		}
	}

	var (
		mu      sync.Mutex
		current = cfg.Dispatch
	)
	currentDispatch := func() config.DispatchConfig {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	b, err := bot.New(bot.Config{
		Token:                cfg.Discord.Token,
		AppID:                cfg.Discord.AppID,
		RegisterCommands:     cfg.Discord.RegisterCommands,
		GuildID:              cfg.Discord.GuildID,
		MaxReconnectAttempts: cfg.Discord.Reconnect.MaxAttempts,
		InitialBackoff:       time.Duration(cfg.Discord.Reconnect.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:           time.Duration(cfg.Discord.Reconnect.MaxBackoffMs) * time.Millisecond,
		Dispatcher:           rt.dispatcher,
		Commands:             rt.registry,
		Metrics:              rt.metrics,
		Logger:               logger,
		OnReady: func(r *discordgo.Ready) {
			if err := rt.applyDispatchConfig(currentDispatch(), r.User.ID); err != nil {
				logger.Error("failed to apply dispatch settings", "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	rt.permissions.Source = b.Session()
	rt.permissions.BotUserID = b.UserID

	watcher, err := config.Watch(ctx, configPath, config.WatchOptions{Logger: logger}, func(next *config.Config) {
		mu.Lock()
		current = next.Dispatch
		mu.Unlock()
		if err := rt.applyDispatchConfig(next.Dispatch, b.UserID()); err != nil {
			logger.Warn("ignoring reloaded dispatch settings", "error", err)
			return
		}
		logger.Info("dispatch settings reloaded", "prefixes", next.Dispatch.Prefixes)
	})
	if err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	if err := b.Start(ctx); err != nil {
		return err
	}
	logger.Info("dispatchkit started", "commands", len(rt.registry.Tables().Commands()))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := b.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("dispatchkit stopped gracefully")
	return nil
}

// startMetricsServer serves reg on cfg.Path alongside a /healthz probe.
func startMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("starting metrics server", "addr", listener.Addr().String(), "path", cfg.Path)
	return server, nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	raw, err := config.LoadRaw(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := config.ValidateRaw(raw); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config OK: %s (version %d)\n", configPath, cfg.Version)
	if cfg.RequireToken() != nil {
		fmt.Fprintln(out, "Note: discord.token is empty; serve will refuse to start")
	}
	return nil
}

// =============================================================================
// Inspect Command Handler
// =============================================================================

// inspection is the JSON shape printed by inspect.
type inspection struct {
	Content     string          `json:"content"`
	Command     string          `json:"command,omitempty"`
	CommandID   string          `json:"command_id,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Middlewares []string        `json:"middlewares"`
	Parsed      *request.Parsed `json:"parsed,omitempty"`
	Resolved    bool            `json:"resolved"`
}

func runInspect(cmd *cobra.Command, configPath, guildID, content string) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: cmd.ErrOrStderr(),
	})
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rt.close(context.Background()) }()

	result := inspect(cmd.Context(), rt, guildID, content)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func inspect(ctx context.Context, rt *runtime, guildID, content string) inspection {
	if ctx == nil {
		ctx = context.Background()
	}
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "inspect",
		ChannelID: "inspect",
		GuildID:   guildID,
		Content:   content,
		Author:    &discordgo.User{ID: "inspect"},
	}}
	out := inspection{Content: content, Middlewares: []string{}}
	resolved := rt.dispatcher.Resolver().Resolve(ctx, request.FromMessage(m, nil))
	if resolved == nil {
		return out
	}
	out.Resolved = true
	out.Command = resolved.Command.Name
	out.CommandID = resolved.Command.ID
	out.Mode = resolved.Mode.String()
	out.Middlewares = resolved.MiddlewareNames()
	out.Parsed = resolved.Parsed
	return out
}
