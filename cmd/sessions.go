package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/okikawa/relay/internal/app"
	"github.com/okikawa/relay/internal/config"
)

// NewSessionsCmd creates the sessions command.
func NewSessionsCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, inspect, and reset relay sessions",
	}

	sessionsCmd.AddCommand(newSessionsListCmd(cfg, logger))
	sessionsCmd.AddCommand(newSessionsHistoryCmd(cfg, logger))
	sessionsCmd.AddCommand(newSessionsResetCmd(cfg, logger))

	return sessionsCmd
}

func newSessionsListCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initializing application: %w", err)
			}
			defer a.Close()

			sessions, err := a.Sessions.Sessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}

			if len(sessions) == 0 {
				fmt.Println("No sessions.")
				return nil
			}

			for _, s := range sessions {
				bound := "unbound"
				if s.BackendSessionID != "" {
					bound = "bound"
				}
				fmt.Printf("%s  last active %s  (%s)\n",
					s.Key, formatTime(s.LastActiveAt), bound)
			}
			return nil
		},
	}
}

func newSessionsHistoryCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-key>",
		Short: "Show the retained conversation turns for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initializing application: %w", err)
			}
			defer a.Close()

			entries, err := a.Ring.Entries(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("loading history: %w", err)
			}

			if len(entries) == 0 {
				fmt.Println("No messages.")
				return nil
			}

			for _, e := range entries {
				fmt.Printf("[%s] %s> %s\n", formatTime(e.CreatedAt), e.Role, e.Content)
			}
			return nil
		},
	}
}

func newSessionsResetCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var clearHistory bool

	resetCmd := &cobra.Command{
		Use:   "reset <session-key>",
		Short: "Unbind a session from its backend conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initializing application: %w", err)
			}
			defer a.Close()

			key := args[0]
			if err := a.Sessions.Reset(cmd.Context(), key); err != nil {
				return fmt.Errorf("resetting session: %w", err)
			}
			if clearHistory {
				if err := a.Ring.Clear(cmd.Context(), key); err != nil {
					return fmt.Errorf("clearing history: %w", err)
				}
			}
			fmt.Printf("Session %s reset.\n", key)
			return nil
		},
		Args: cobra.ExactArgs(1),
	}

	resetCmd.Flags().BoolVar(&clearHistory, "clear-history", false,
		"also delete the session's retained conversation turns")

	return resetCmd
}

// formatTime renders t relative to now for recent times.
func formatTime(t time.Time) string {
	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02 15:04")
	}
}
