package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/okikawa/relay/internal/embed"
	"github.com/okikawa/relay/internal/ledger"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Engine runs hybrid searches across the content tables.
//
// Safe for concurrent use.
type Engine struct {
	db       querier
	embedder *embed.Embedder
	ledger   *ledger.Ledger
	logger   *slog.Logger
	defaults searchParams
}

// New creates an Engine. embedder may be nil, which makes every search
// lexical-only. ledger may be nil.
func New(db querier, embedder *embed.Embedder, led *ledger.Ledger, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	defaults := searchParams{
		limit:   DefaultLimit,
		sources: AllSources(),
		wSem:    1.0,
		wFTS:    1.0,
	}
	for _, opt := range opts {
		opt(&defaults)
	}
	for _, s := range defaults.sources {
		if !validSource(s) {
			return nil, fmt.Errorf("unknown search source %q", s)
		}
	}

	return &Engine{
		db:       db,
		embedder: embedder,
		ledger:   led,
		logger:   logger,
		defaults: defaults,
	}, nil
}

// Search runs the vector and lexical paths over the configured tables and
// fuses them into a single ranked list.
//
// An empty query returns an empty result without touching the database.
// A failure to embed the query degrades the search to lexical-only; database
// errors on either path fail the whole search.
func (e *Engine) Search(ctx context.Context, query string, opts ...Option) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	params := e.defaults
	for _, opt := range opts {
		opt(&params)
	}
	for _, s := range params.sources {
		if !validSource(s) {
			return nil, fmt.Errorf("unknown search source %q", s)
		}
	}

	if e.ledger != nil {
		e.ledger.RecordSearch()
	}

	// One query embedding shared across every table's vector path. Losing
	// it is not fatal: the lexical path still answers.
	var queryVec *pgvector.Vector
	if e.embedder != nil {
		vec, err := e.embedder.EmbedText(ctx, query)
		if err != nil {
			e.logger.Warn("query embedding failed, falling back to lexical-only search",
				"error", err)
		} else {
			queryVec = &vec
		}
	}

	oversample := params.limit * oversampleFactor

	g, gctx := errgroup.WithContext(ctx)
	vecByTable := make([][]candidate, len(params.sources))
	lexByTable := make([][]candidate, len(params.sources))

	for i, source := range params.sources {
		if queryVec != nil {
			g.Go(func() error {
				rows, err := e.vectorSearch(gctx, source, *queryVec, oversample)
				if err != nil {
					return fmt.Errorf("vector search in %s: %w", source, err)
				}
				vecByTable[i] = rows
				return nil
			})
		}
		g.Go(func() error {
			rows, err := e.lexicalSearch(gctx, source, query, oversample)
			if err != nil {
				return fmt.Errorf("lexical search in %s: %w", source, err)
			}
			lexByTable[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var vector, lexical []candidate
	for i := range params.sources {
		vector = append(vector, vecByTable[i]...)
		lexical = append(lexical, lexByTable[i]...)
	}

	results := fuse(rankAll(vector), rankAll(lexical), params.wSem, params.wFTS, params.limit)

	e.logger.Debug("hybrid search complete",
		"query_len", len(query),
		"vector_candidates", len(vector),
		"lexical_candidates", len(lexical),
		"results", len(results),
	)
	return results, nil
}

// vectorSearch ranks rows of one table by cosine similarity to the query
// embedding. Rows without an embedding are not vector-searchable.
func (e *Engine) vectorSearch(ctx context.Context, source Source, queryVec pgvector.Vector, limit int) ([]candidate, error) {
	// source is whitelist-checked before interpolation.
	sql := fmt.Sprintf(
		`SELECT id, content, 1 - (embedding <=> $1) AS similarity
		 FROM %s
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $2`, source)

	rows, err := e.db.Query(ctx, sql, queryVec, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCandidates(rows, source)
}

// lexicalSearch ranks rows of one table by full-text relevance against the
// generated search_text column.
func (e *Engine) lexicalSearch(ctx context.Context, source Source, query string, limit int) ([]candidate, error) {
	sql := fmt.Sprintf(
		`SELECT id, content, ts_rank_cd(search_text, plainto_tsquery('english', $1)) AS rank
		 FROM %s
		 WHERE search_text @@ plainto_tsquery('english', $1)
		 ORDER BY rank DESC
		 LIMIT $2`, source)

	rows, err := e.db.Query(ctx, sql, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCandidates(rows, source)
}

func scanCandidates(rows pgx.Rows, source Source) ([]candidate, error) {
	var candidates []candidate
	for rows.Next() {
		c := candidate{source: source}
		if err := rows.Scan(&c.id, &c.content, &c.score); err != nil {
			return nil, fmt.Errorf("scanning %s candidate: %w", source, err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s candidates: %w", source, err)
	}
	return candidates, nil
}
