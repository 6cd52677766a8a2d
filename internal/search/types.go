// Package search implements hybrid retrieval over the content tables:
// a vector-similarity path and a lexical full-text path run in parallel and
// are fused with Reciprocal Rank Fusion.
package search

import "github.com/google/uuid"

// Source identifies which content table a result came from.
type Source string

// Searchable content tables. Each carries the same embedding and search_text
// columns; only metadata differs.
const (
	SourceMessages  Source = "messages"
	SourceMemories  Source = "memories"
	SourceDocuments Source = "documents"
	SourceSummaries Source = "summaries"
)

// AllSources returns every searchable table.
func AllSources() []Source {
	return []Source{SourceMessages, SourceMemories, SourceDocuments, SourceSummaries}
}

// validSource reports whether s names a known content table. Table names are
// interpolated into SQL, so only whitelisted values are accepted.
func validSource(s Source) bool {
	switch s {
	case SourceMessages, SourceMemories, SourceDocuments, SourceSummaries:
		return true
	}
	return false
}

// Result is one fused search hit. Results are ephemeral and never persisted.
type Result struct {
	Source       Source
	ID           uuid.UUID
	Content      string
	Similarity   float64 // vector path score (1 - cosine distance), 0 if absent
	LexicalScore float64 // ts_rank_cd score, 0 if absent
	Combined     float64 // fused RRF score
}

// Fusion constants.
const (
	// rrfK is the standard RRF smoothing constant; it flattens the
	// influence of rank differences deep in the candidate lists.
	rrfK = 60

	// oversampleFactor widens per-path candidate retrieval beyond the
	// requested limit so fusion has enough overlap to work with.
	oversampleFactor = 3

	// DefaultLimit is the fallback result count.
	DefaultLimit = 8
)

// Option configures a single Search call.
type Option func(*searchParams)

type searchParams struct {
	limit   int
	sources []Source
	wSem    float64
	wFTS    float64
}

// WithLimit caps the number of fused results returned.
func WithLimit(n int) Option {
	return func(p *searchParams) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithSources restricts the search to the given tables.
func WithSources(sources ...Source) Option {
	return func(p *searchParams) {
		if len(sources) > 0 {
			p.sources = sources
		}
	}
}

// WithWeights overrides the semantic and lexical fusion weights.
func WithWeights(semantic, lexical float64) Option {
	return func(p *searchParams) {
		if semantic >= 0 && lexical >= 0 && semantic+lexical > 0 {
			p.wSem = semantic
			p.wFTS = lexical
		}
	}
}
