package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/okikawa/relay/internal/config"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// NewVersionCmd creates the version command.
func NewVersionCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cfg)
		},
	}
}

func runVersion(cfg *config.Config) error {
	fmt.Printf("relay %s\n", AppVersion)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Println()

	fmt.Println("Configuration:")
	fmt.Printf("  Embedder: %s\n", cfg.EmbedderModel)
	fmt.Printf("  Database: %s@%s:%d/%s\n",
		cfg.PostgresUser, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDBName)
	fmt.Printf("  Search limit: %d\n", cfg.SearchLimit)
	fmt.Printf("  Ring capacity: %d\n", cfg.RingCapacity)

	// Show only the edges of the key, never the full value.
	geminiKey := os.Getenv("GEMINI_API_KEY")
	if len(geminiKey) >= 8 {
		fmt.Printf("  GEMINI_API_KEY: %s...%s (configured)\n",
			geminiKey[:4], geminiKey[len(geminiKey)-4:])
	} else if geminiKey != "" {
		fmt.Println("  GEMINI_API_KEY: (configured)")
	} else {
		fmt.Println("  GEMINI_API_KEY: Not set")
	}

	return nil
}
