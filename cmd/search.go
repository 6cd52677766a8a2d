package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/okikawa/relay/internal/app"
	"github.com/okikawa/relay/internal/config"
	"github.com/okikawa/relay/internal/search"
)

// NewSearchCmd creates the search command.
func NewSearchCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var (
		limit   int
		sources []string
	)

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid semantic and full-text search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, strings.Join(args, " "), cfg, logger, limit, sources)
		},
	}

	searchCmd.Flags().IntVar(&limit, "limit", 0,
		"maximum results (0 uses the configured default)")
	searchCmd.Flags().StringSliceVar(&sources, "sources", nil,
		"restrict to sources (messages, memories, documents, summaries)")

	return searchCmd
}

func runSearch(cmd *cobra.Command, query string, cfg *config.Config, logger *slog.Logger, limit int, sources []string) error {
	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	var opts []search.Option
	if limit > 0 {
		opts = append(opts, search.WithLimit(limit))
	}
	if len(sources) > 0 {
		srcs := make([]search.Source, len(sources))
		for i, s := range sources {
			srcs[i] = search.Source(s)
		}
		opts = append(opts, search.WithSources(srcs...))
	}

	results, err := a.Engine.Search(cmd.Context(), query, opts...)
	if err != nil {
		return fmt.Errorf("searching: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("No results.")
		return nil
	}

	for i, r := range results {
		fmt.Printf("%2d. [%s] score=%.4f", i+1, r.Source, r.Combined)
		if r.Similarity > 0 {
			fmt.Printf(" sim=%.3f", r.Similarity)
		}
		if r.LexicalScore > 0 {
			fmt.Printf(" rank=%.3f", r.LexicalScore)
		}
		fmt.Println()
		fmt.Printf("    %s\n", snippet(r.Content, 200))
	}

	return nil
}

// snippet truncates s to at most n bytes on a rune boundary.
func snippet(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n] + "..."
}
