package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okikawa/relay/db"
	"github.com/okikawa/relay/internal/config"
)

// NewMigrateCmd creates the migrate command. It applies pending schema
// migrations and exits, without touching the embedder or backend.
func NewMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.Migrate(cfg.PostgresURL()); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
			fmt.Println("Database schema is up to date.")
			return nil
		},
	}
}
