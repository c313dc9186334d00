// Package commands implements the CallClaw CLI commands using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/callclaw/pkg/callclaw/copilot"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "callclaw",
		Short: "CallClaw - agentic assistant over WhatsApp and voice",
		Long: `CallClaw is a personal agent reachable over WhatsApp messages and
live voice calls, backed by an Anthropic-style messages API.

Examples:
  callclaw serve
  callclaw chat "what's on my agenda today?"
  callclaw classify "rm -rf /tmp/build"
  callclaw key set`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newClassifyCmd(),
		newKeyCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config from the --config flag or the usual places.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath == "" {
		configPath = copilot.FindConfigFile()
	}
	if configPath == "" {
		return nil, fmt.Errorf("no configuration file found; create config.yaml or pass --config")
	}

	cfg, err := copilot.LoadConfigFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// buildLogger builds the process logger from the logging config and the
// --verbose flag.
func buildLogger(cmd *cobra.Command, cfg *copilot.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
