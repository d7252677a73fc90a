// Package main provides the CLI entry point for dispatchkit, a Discord command
// dispatch runtime.
//
// dispatchkit connects to the Discord gateway, resolves slash commands, context
// menus and prefixed messages to registered commands, and runs them through a
// before/after middleware pipeline.
//
// # Basic Usage
//
// Start the bot:
//
//	dispatchkit serve --config dispatchkit.yaml
//
// Inspect how a message would resolve:
//
//	dispatchkit inspect "!help ping"
//
// Print or check the configuration schema:
//
//	dispatchkit config schema
//	dispatchkit config validate --config dispatchkit.yaml
//
// # Environment Variables
//
//   - DISPATCHKIT_CONFIG: Path to configuration file (default: dispatchkit.yaml)
//   - DISCORD_BOT_TOKEN: conventionally referenced from the config as ${DISCORD_BOT_TOKEN}
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatchkit",
		Short: "dispatchkit - Discord command dispatch runtime",
		Long: `dispatchkit resolves Discord interactions and prefixed messages to commands
and runs them through before/after middleware chains.

Documentation: https://github.com/haasonsaas/dispatchkit`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildInspectCmd(),
	)
	return rootCmd
}
