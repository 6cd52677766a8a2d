package testutil

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// ErrEmbedderDown simulates an unavailable embedding provider.
var ErrEmbedderDown = errors.New("mock embedder: provider unavailable")

// MockEmbedder implements ai.Embedder with deterministic vectors.
//
// By default each input text maps to a hash-derived vector, so the same text
// always embeds identically. Specific vectors can be pinned with SetVector to
// control similarity between test inputs, and Fail switches the mock into a
// hard-failure mode for degradation tests.
type MockEmbedder struct {
	mu      sync.Mutex
	dim     int
	vectors map[string][]float32
	fail    bool
	calls   int
}

// NewMockEmbedder creates a mock producing vectors of the given width.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{
		dim:     dim,
		vectors: make(map[string][]float32),
	}
}

// SetVector pins an explicit vector for a content string.
func (e *MockEmbedder) SetVector(content string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[content] = vec
}

// Fail toggles hard-failure mode.
func (e *MockEmbedder) Fail(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = fail
}

// Calls reports how many Embed invocations the mock has served.
func (e *MockEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Name implements ai.Embedder.
func (e *MockEmbedder) Name() string { return "mock/embedder" }

// Register implements ai.Embedder as a no-op.
func (e *MockEmbedder) Register(api.Registry) {}

// Embed implements ai.Embedder.
func (e *MockEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls++
	if e.fail {
		return nil, ErrEmbedderDown
	}

	embeddings := make([]*ai.Embedding, len(req.Input))
	for i, doc := range req.Input {
		embeddings[i] = &ai.Embedding{Embedding: e.vectorFor(documentText(doc))}
	}
	return &ai.EmbedResponse{Embeddings: embeddings}, nil
}

// vectorFor returns the pinned vector for content, or a hash-derived one.
// Caller must hold e.mu.
func (e *MockEmbedder) vectorFor(content string) []float32 {
	if v, ok := e.vectors[content]; ok {
		return v
	}

	h := fnv.New32a()
	h.Write([]byte(content))
	seed := h.Sum32()

	vec := make([]float32, e.dim)
	for i := range vec {
		seed = seed*1664525 + 1013904223
		vec[i] = float32(seed%2000)/1000.0 - 1.0
	}
	return vec
}

// documentText flattens a document's text parts.
func documentText(doc *ai.Document) string {
	var text string
	for _, part := range doc.Content {
		if part.IsText() {
			text += part.Text
		}
	}
	return text
}
