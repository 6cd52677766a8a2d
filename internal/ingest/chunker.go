// Package ingest turns raw documents into deduplicated, embedded, searchable
// chunk rows.
package ingest

import (
	"strings"
	"unicode/utf8"
)

// charsPerToken is the rough character-to-token ratio used to convert the
// token-denominated chunk budget into bytes.
const charsPerToken = 4

// Default chunking parameters, in approximate tokens.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 50
)

// Chunk is one bounded segment of a document.
//
// Text includes the leading overlap carried from the previous chunk; Overlap
// is that prefix's byte length, so Text[Overlap:] is the content unique to
// this chunk. Concatenating the unique portions in order reproduces the
// original text exactly.
type Chunk struct {
	Index   int
	Text    string
	Overlap int
}

// Chunker splits text into overlapping segments along paragraph boundaries.
// The zero value is not usable; construct with NewChunker.
type Chunker struct {
	maxChars     int
	overlapChars int
}

// NewChunker creates a Chunker with budgets given in approximate tokens.
// Non-positive size falls back to DefaultChunkSize; a negative overlap is
// treated as zero. Overlap is clamped below size.
func NewChunker(sizeTokens, overlapTokens int) *Chunker {
	if sizeTokens <= 0 {
		sizeTokens = DefaultChunkSize
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}
	if overlapTokens >= sizeTokens {
		overlapTokens = sizeTokens / 2
	}
	return &Chunker{
		maxChars:     sizeTokens * charsPerToken,
		overlapChars: overlapTokens * charsPerToken,
	}
}

// Chunk splits text into ordered overlapping segments.
//
// Paragraphs (runs of text separated by blank lines) are packed whole into
// chunks up to the size budget; a single paragraph larger than the budget
// becomes its own oversized chunk rather than being split mid-paragraph.
// Deterministic: the same input always yields the same chunks.
//
// Empty input returns nil. Input that fits one budget returns a single chunk
// with no overlap.
func (c *Chunker) Chunk(text string) []Chunk {
	if text == "" {
		return nil
	}
	if len(text) <= c.maxChars {
		return []Chunk{{Index: 0, Text: text}}
	}

	paragraphs := splitParagraphs(text)

	var chunks []Chunk
	var overlap string
	var body strings.Builder

	flush := func() {
		if body.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Text:    overlap + body.String(),
			Overlap: len(overlap),
		})
		overlap = tail(overlap+body.String(), c.overlapChars)
		body.Reset()
	}

	for _, p := range paragraphs {
		if body.Len() > 0 && len(overlap)+body.Len()+len(p) > c.maxChars {
			flush()
		}
		body.WriteString(p)
		// An oversized paragraph fills the whole chunk by itself.
		if len(overlap)+body.Len() > c.maxChars {
			flush()
		}
	}
	flush()

	return chunks
}

// splitParagraphs cuts text after each blank-line run, keeping separators
// attached to the preceding paragraph so no bytes are lost.
func splitParagraphs(text string) []string {
	var paragraphs []string
	for len(text) > 0 {
		idx := strings.Index(text, "\n\n")
		if idx < 0 {
			paragraphs = append(paragraphs, text)
			break
		}
		end := idx
		for end < len(text) && text[end] == '\n' {
			end++
		}
		paragraphs = append(paragraphs, text[:end])
		text = text[end:]
	}
	return paragraphs
}

// tail returns the last at-most-n bytes of s, adjusted forward to a rune
// boundary.
func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		if n <= 0 {
			return ""
		}
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
