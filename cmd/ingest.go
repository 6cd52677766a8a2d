package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/okikawa/relay/internal/app"
	"github.com/okikawa/relay/internal/config"
	"github.com/okikawa/relay/internal/ingest"
)

// NewIngestCmd creates the ingest command and its backfill subcommand.
func NewIngestCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var (
		source string
		title  string
	)

	ingestCmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Chunk, embed, and store documents",
		Long: `Ingest reads documents from the given files (or stdin when no
files are given), splits them into overlapping chunks, embeds each chunk,
and stores the result for hybrid search. Unchanged documents are detected
by content hash and skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, args, cfg, logger, source, title)
		},
	}

	ingestCmd.Flags().StringVar(&source, "source", "file",
		"origin label stored with each chunk (file, stdin, ...)")
	ingestCmd.Flags().StringVar(&title, "title", "",
		"document title (defaults to the file name)")

	ingestCmd.AddCommand(newBackfillCmd(cfg, logger))

	return ingestCmd
}

func newBackfillCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var limit int

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed stored chunks that are missing vectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initializing application: %w", err)
			}
			defer a.Close()

			n, err := a.Pipeline.BackfillEmbeddings(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("backfilling embeddings: %w", err)
			}
			fmt.Printf("Embedded %d chunk(s).\n", n)
			return nil
		},
	}

	backfillCmd.Flags().IntVar(&limit, "limit", 100,
		"maximum number of chunks to embed in one run")

	return backfillCmd
}

func runIngest(cmd *cobra.Command, args []string, cfg *config.Config, logger *slog.Logger, source, title string) error {
	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	if len(args) == 0 {
		text, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		res, err := a.Pipeline.Ingest(cmd.Context(), string(text), ingest.Meta{
			Source: "stdin",
			Title:  title,
		})
		if err != nil {
			return fmt.Errorf("ingesting stdin: %w", err)
		}
		printIngestResult("stdin", res)
		return nil
	}

	for _, path := range args {
		text, err := os.ReadFile(path) // #nosec G304 -- user-supplied path is the point
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		docTitle := title
		if docTitle == "" {
			docTitle = filepath.Base(path)
		}

		res, err := a.Pipeline.Ingest(cmd.Context(), string(text), ingest.Meta{
			Source:     source,
			SourcePath: path,
			Title:      docTitle,
		})
		if err != nil {
			return fmt.Errorf("ingesting %s: %w", path, err)
		}
		printIngestResult(path, res)
	}

	return nil
}

func printIngestResult(name string, res ingest.Result) {
	if res.ChunksCreated == 0 && res.ChunksSkipped > 0 {
		fmt.Printf("%s: unchanged, %d chunk(s) already stored\n", name, res.ChunksSkipped)
		return
	}
	fmt.Printf("%s: stored %d chunk(s)\n", name, res.ChunksCreated)
}
