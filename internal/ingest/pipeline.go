package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/okikawa/relay/internal/embed"
)

// ErrEmptyDocument is returned when there is no text to ingest.
var ErrEmptyDocument = errors.New("empty document")

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const insertChunkSQL = `INSERT INTO documents
	(source, source_path, title, content_hash, chunk_index, chunk_count, content, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Meta carries document-level metadata applied to every chunk.
type Meta struct {
	Source     string
	SourcePath string
	Title      string
}

// Result reports what an ingestion did.
type Result struct {
	ChunksCreated int
	ChunksSkipped int
}

// Pipeline chunks, deduplicates, embeds, and persists documents.
//
// Safe for concurrent use.
type Pipeline struct {
	db       querier
	embedder *embed.Embedder
	chunker  *Chunker
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline. embedder may be nil, in which case chunks
// are persisted without vectors and left for BackfillEmbeddings.
func NewPipeline(db querier, embedder *embed.Embedder, chunker *Chunker, logger *slog.Logger) (*Pipeline, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if chunker == nil {
		chunker = NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{db: db, embedder: embedder, chunker: chunker, logger: logger}, nil
}

// Fingerprint returns the dedup fingerprint for a document: the SHA-256 hex
// digest of the full original text, computed before chunking.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Ingest persists a document as searchable chunks.
//
// An exact duplicate (same fingerprint as a prior ingestion) creates nothing
// and reports all chunks skipped. Embedding failures leave the chunk's
// embedding NULL and are logged; the chunk remains lexically searchable.
// Insert failures abort the ingestion; re-running is safe because the dedup
// check happens before any insert.
func (p *Pipeline) Ingest(ctx context.Context, text string, meta Meta) (Result, error) {
	if text == "" {
		return Result{}, ErrEmptyDocument
	}

	hash := Fingerprint(text)

	var existing int
	err := p.db.QueryRow(ctx,
		`SELECT count(*) FROM documents WHERE content_hash = $1`, hash).Scan(&existing)
	if err != nil {
		return Result{}, fmt.Errorf("checking document fingerprint: %w", err)
	}
	if existing > 0 {
		p.logger.Debug("skipping duplicate document",
			"hash", hash, "existing_chunks", existing, "source", meta.Source)
		return Result{ChunksSkipped: existing}, nil
	}

	chunks := p.chunker.Chunk(text)

	for _, ch := range chunks {
		var embedding any
		if p.embedder != nil {
			vec, err := p.embedder.EmbedText(ctx, ch.Text)
			if err != nil {
				p.logger.Warn("chunk embedding failed, persisting without vector",
					"hash", hash, "chunk_index", ch.Index, "error", err)
			} else {
				embedding = vec
			}
		}

		_, err := p.db.Exec(ctx, insertChunkSQL,
			nullable(meta.Source), nullable(meta.SourcePath), nullable(meta.Title),
			hash, ch.Index, len(chunks), ch.Text, embedding)
		if err != nil {
			return Result{}, fmt.Errorf("inserting chunk %d/%d: %w", ch.Index+1, len(chunks), err)
		}
	}

	p.logger.Info("document ingested",
		"hash", hash, "chunks", len(chunks), "source", meta.Source, "title", meta.Title)
	return Result{ChunksCreated: len(chunks)}, nil
}

// searchableTables are the content tables carrying an embedding column.
// Conversation turns and ingested chunks both land here with NULL vectors
// when embedding is unavailable at write time.
var searchableTables = []string{"messages", "memories", "documents", "summaries"}

// BackfillEmbeddings embeds up to limit rows across all searchable tables
// that were persisted without a vector. Rows whose embedding fails are
// skipped and retried on a later run. Returns the number of rows updated.
func (p *Pipeline) BackfillEmbeddings(ctx context.Context, limit int) (int, error) {
	if p.embedder == nil {
		return 0, fmt.Errorf("no embedder configured")
	}
	if limit <= 0 {
		limit = 100
	}

	updated := 0
	for _, table := range searchableTables {
		n, err := p.backfillTable(ctx, table, limit-updated)
		updated += n
		if err != nil {
			return updated, err
		}
		if updated >= limit {
			break
		}
	}

	p.logger.Debug("embedding backfill complete", "updated", updated)
	return updated, nil
}

// backfillTable embeds up to limit unembedded rows of one table. The table
// name comes from the fixed searchableTables list, never from caller input.
func (p *Pipeline) backfillTable(ctx context.Context, table string, limit int) (int, error) {
	rows, err := p.db.Query(ctx,
		fmt.Sprintf(`SELECT id, content FROM %s WHERE embedding IS NULL ORDER BY created_at LIMIT $1`, table),
		limit)
	if err != nil {
		return 0, fmt.Errorf("listing unembedded %s rows: %w", table, err)
	}

	type pending struct {
		id      uuid.UUID
		content string
	}
	var todo []pending
	for rows.Next() {
		var pd pending
		if err := rows.Scan(&pd.id, &pd.content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning unembedded %s row: %w", table, err)
		}
		todo = append(todo, pd)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reading unembedded %s rows: %w", table, err)
	}

	updated := 0
	for _, pd := range todo {
		vec, err := p.embedder.EmbedText(ctx, pd.content)
		if err != nil {
			if ctx.Err() != nil {
				return updated, ctx.Err()
			}
			p.logger.Warn("backfill embedding failed",
				"table", table, "id", pd.id, "error", err)
			continue
		}
		_, err = p.db.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET embedding = $1 WHERE id = $2`, table), vec, pd.id)
		if err != nil {
			return updated, fmt.Errorf("updating %s embedding for %s: %w", table, pd.id, err)
		}
		updated++
	}
	return updated, nil
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
