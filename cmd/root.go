// Package cmd provides the relay CLI commands.
//
// Commands:
//   - migrate: apply database migrations
//   - ingest: chunk, embed, and store documents (plus embedding backfill)
//   - search: hybrid semantic plus full-text search
//   - sessions: list, inspect, and reset relay sessions
//   - version: show build information
//
// Each command is created by a factory function so tests can build
// commands against their own dependencies.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/okikawa/relay/internal/config"
	"github.com/okikawa/relay/internal/log"
)

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "relay - personal assistant message relay",
		Long:          "relay stores conversations and documents in Postgres,\nsearches them with hybrid vector and full-text retrieval,\nand coordinates message delivery to an assistant backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewVersionCmd(cfg))
	rootCmd.AddCommand(NewMigrateCmd(cfg))
	rootCmd.AddCommand(NewIngestCmd(cfg, logger))
	rootCmd.AddCommand(NewSearchCmd(cfg, logger))
	rootCmd.AddCommand(NewSessionsCmd(cfg, logger))

	return rootCmd
}

// Execute is the entry point called from main.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level})
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	return NewRootCmd(cfg, logger).Execute()
}
