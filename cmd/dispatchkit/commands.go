package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the bot.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and dispatch commands",
		Long: `Connect to the Discord gateway and dispatch commands.

The server will:
1. Load and validate configuration from the specified file (or dispatchkit.yaml)
2. Register the built-in commands and, if enabled, sync application commands
3. Start the metrics endpoint and tracing exporter when configured
4. Reload prefixes and dispatch flags when the config file changes

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  dispatchkit serve

  # Start with custom config and debug logging
  dispatchkit serve --config /etc/dispatchkit/bot.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file against the schema and validation rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

// =============================================================================
// Inspect Command
// =============================================================================

// buildInspectCmd creates the "inspect" command that resolves message content
// offline.
func buildInspectCmd() *cobra.Command {
	var (
		configPath string
		guildID    string
	)
	cmd := &cobra.Command{
		Use:   "inspect <content>",
		Short: "Show how message content resolves to a command and middleware chain",
		Example: `  dispatchkit inspect '!help ping'
  dispatchkit inspect --guild 1234 '!ping'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, resolveConfigPath(configPath), guildID, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&guildID, "guild", "", "Guild id to resolve in (empty resolves as a DM)")
	return cmd
}
