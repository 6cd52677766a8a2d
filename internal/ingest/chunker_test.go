package ingest

import (
	"fmt"
	"strings"
	"testing"
)

// buildDoc produces a multi-paragraph document large enough to force
// several chunks at the given budget.
func buildDoc(paragraphs, sentencesPer int) string {
	var b strings.Builder
	for p := range paragraphs {
		for s := range sentencesPer {
			fmt.Fprintf(&b, "Paragraph %d sentence %d with some filler words to take up room. ", p, s)
		}
		b.WriteString("\n\n")
	}
	return strings.TrimSuffix(b.String(), "\n\n")
}

func TestChunkEmpty(t *testing.T) {
	c := NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	if got := c.Chunk(""); got != nil {
		t.Errorf("Chunk(\"\") = %v, want nil", got)
	}
}

func TestChunkShortText(t *testing.T) {
	c := NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	text := "A short note that fits in one chunk."

	chunks := c.Chunk(text)
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("chunk text = %q, want original", chunks[0].Text)
	}
	if chunks[0].Overlap != 0 {
		t.Errorf("single chunk overlap = %d, want 0", chunks[0].Overlap)
	}
}

func TestChunkReconstruction(t *testing.T) {
	c := NewChunker(64, 8)
	text := buildDoc(12, 4)

	chunks := c.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want multiple chunks", len(chunks))
	}

	var b strings.Builder
	for _, ch := range chunks {
		b.WriteString(ch.Text[ch.Overlap:])
	}
	if b.String() != text {
		t.Error("concatenated unique portions do not reproduce the original text")
	}
}

func TestChunkSizeBound(t *testing.T) {
	const size, overlap = 64, 8
	c := NewChunker(size, overlap)
	text := buildDoc(12, 4)

	for _, ch := range c.Chunk(text) {
		// A chunk may exceed the budget only when it holds a single
		// paragraph that is itself oversized.
		if len(ch.Text) > size*charsPerToken {
			unique := ch.Text[ch.Overlap:]
			if strings.Contains(strings.TrimRight(unique, "\n"), "\n\n") {
				t.Errorf("chunk %d exceeds budget (%d bytes) but holds multiple paragraphs", ch.Index, len(ch.Text))
			}
		}
	}
}

func TestChunkOversizedParagraph(t *testing.T) {
	c := NewChunker(32, 4)
	huge := strings.Repeat("wordwordword ", 100) // far beyond 128 bytes
	text := "small intro\n\n" + huge + "\n\nsmall outro"

	chunks := c.Chunk(text)
	if len(chunks) < 3 {
		t.Fatalf("len(chunks) = %d, want at least 3", len(chunks))
	}

	found := false
	for _, ch := range chunks {
		if strings.Contains(ch.Text, "wordwordword wordwordword") && len(ch.Text) > 32*charsPerToken {
			found = true
		}
	}
	if !found {
		t.Error("oversized paragraph was not kept whole in its own chunk")
	}
}

func TestChunkOverlapIsPreviousSuffix(t *testing.T) {
	c := NewChunker(64, 8)
	text := buildDoc(12, 4)

	chunks := c.Chunk(text)
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Overlap == 0 {
			continue
		}
		prefix := chunks[i].Text[:chunks[i].Overlap]
		if !strings.HasSuffix(chunks[i-1].Text, prefix) {
			t.Errorf("chunk %d overlap is not a suffix of chunk %d", i, i-1)
		}
		if chunks[i].Overlap > 8*charsPerToken {
			t.Errorf("chunk %d overlap = %d bytes, want at most %d", i, chunks[i].Overlap, 8*charsPerToken)
		}
	}
}

func TestChunkDeterministic(t *testing.T) {
	c := NewChunker(64, 8)
	text := buildDoc(10, 3)

	first := c.Chunk(text)
	second := c.Chunk(text)

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestChunkIndexesSequential(t *testing.T) {
	c := NewChunker(64, 8)
	for i, ch := range c.Chunk(buildDoc(12, 4)) {
		if ch.Index != i {
			t.Errorf("chunk at position %d has Index %d", i, ch.Index)
		}
	}
}

func TestNewChunkerClampsConfig(t *testing.T) {
	// Overlap at or above size would make every chunk mostly repetition.
	c := NewChunker(10, 10)
	if c.overlapChars >= c.maxChars {
		t.Errorf("overlapChars = %d not clamped below maxChars = %d", c.overlapChars, c.maxChars)
	}

	c = NewChunker(0, -1)
	if c.maxChars != DefaultChunkSize*charsPerToken {
		t.Errorf("maxChars = %d, want default", c.maxChars)
	}
	if c.overlapChars != 0 {
		t.Errorf("overlapChars = %d, want 0", c.overlapChars)
	}
}
