// Package embed wraps a genkit embedder with rate limiting and usage
// accounting for all vector generation in the process.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/okikawa/relay/internal/ledger"
)

// VectorDimension is the embedding width stored in pgvector columns.
// gemini-embedding-001 emits 3072 dimensions by default; we truncate to
// 1536 via OutputDimensionality, which the model supports natively
// (Matryoshka Representation Learning).
const VectorDimension int32 = 1536

// ErrEmptyInput is returned when there is no text to embed.
var ErrEmptyInput = errors.New("empty embedding input")

// Embedder generates fixed-width vectors for content and queries.
//
// Safe for concurrent use; the rate limiter is shared across callers so the
// whole process stays under the provider quota.
type Embedder struct {
	client  ai.Embedder
	limiter *rate.Limiter
	ledger  *ledger.Ledger
	logger  *slog.Logger
}

// New creates an Embedder. ratePerSec bounds calls to the provider; a
// non-positive value disables limiting. ledger may be nil.
func New(client ai.Embedder, ratePerSec float64, led *ledger.Ledger, logger *slog.Logger) (*Embedder, error) {
	if client == nil {
		return nil, fmt.Errorf("embedder client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}

	return &Embedder{
		client:  client,
		limiter: limiter,
		ledger:  led,
		logger:  logger,
	}, nil
}

// EmbedText generates a vector for a single text.
func (e *Embedder) EmbedText(ctx context.Context, text string) (pgvector.Vector, error) {
	if text == "" {
		return pgvector.Vector{}, ErrEmptyInput
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding rate limit wait: %w", err)
	}

	if e.ledger != nil {
		e.ledger.RecordEmbed(len(text))
	}

	dim := VectorDimension
	resp, err := e.client.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		if e.ledger != nil {
			e.ledger.RecordEmbedFailure()
		}
		return pgvector.Vector{}, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		if e.ledger != nil {
			e.ledger.RecordEmbedFailure()
		}
		return pgvector.Vector{}, fmt.Errorf("empty embedding response")
	}

	vec := resp.Embeddings[0].Embedding
	if len(vec) != int(VectorDimension) {
		if e.ledger != nil {
			e.ledger.RecordEmbedFailure()
		}
		return pgvector.Vector{}, fmt.Errorf("unexpected embedding dimension %d, want %d", len(vec), VectorDimension)
	}

	return pgvector.NewVector(vec), nil
}
