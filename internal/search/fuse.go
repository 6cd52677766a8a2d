package search

import (
	"sort"

	"github.com/google/uuid"
)

// candidate is one row retrieved by a single path, before fusion.
type candidate struct {
	source  Source
	id      uuid.UUID
	content string
	score   float64
}

type resultKey struct {
	source Source
	id     uuid.UUID
}

// rankAll orders candidates from one path across all tables by score
// descending and returns them with their 1-based global rank. The sort is
// stable, so equal scores keep retrieval order and ranking stays
// deterministic.
func rankAll(candidates []candidate) []candidate {
	ranked := make([]candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	return ranked
}

// fuse merges the two ranked candidate lists with Reciprocal Rank Fusion:
// combined = wSem/(K+vectorRank) + wFTS/(K+lexicalRank), where a row absent
// from one path contributes nothing for that term. Results are sorted by
// combined score descending and truncated to limit.
func fuse(vector, lexical []candidate, wSem, wFTS float64, limit int) []Result {
	merged := make(map[resultKey]*Result, len(vector)+len(lexical))
	var order []resultKey

	upsert := func(c candidate) *Result {
		key := resultKey{source: c.source, id: c.id}
		if r, ok := merged[key]; ok {
			return r
		}
		r := &Result{Source: c.source, ID: c.id, Content: c.content}
		merged[key] = r
		order = append(order, key)
		return r
	}

	for i, c := range vector {
		r := upsert(c)
		r.Similarity = c.score
		r.Combined += wSem / float64(rrfK+i+1)
	}
	for i, c := range lexical {
		r := upsert(c)
		r.LexicalScore = c.score
		r.Combined += wFTS / float64(rrfK+i+1)
	}

	results := make([]Result, 0, len(order))
	for _, key := range order {
		results = append(results, *merged[key])
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Combined > results[j].Combined
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
