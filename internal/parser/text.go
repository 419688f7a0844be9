package parser

import (
	"context"
	"path"
	"strings"
)

// TextParser handles plain text and Markdown files. It splits on blank-line
// paragraph boundaries and re-splits any paragraph exceeding maxChunkTokens,
// via SplitByTokenCap. No external chunking library is used — the teacher's
// own transcript pipeline chunks prose with plain string scanning rather
// than a dedicated library, and no pack example imports one either.
type TextParser struct {
	maxChunkTokens int
}

var _ Parser = (*TextParser)(nil)

// NewTextParser returns a TextParser capping chunks at maxChunkTokens
// (DefaultMaxChunkTokens if zero or negative).
func NewTextParser(maxChunkTokens int) *TextParser {
	if maxChunkTokens <= 0 {
		maxChunkTokens = DefaultMaxChunkTokens
	}
	return &TextParser{maxChunkTokens: maxChunkTokens}
}

// Parse implements [Parser].
func (p *TextParser) Parse(_ context.Context, meta FileMeta, data []byte) ([]Chunk, error) {
	text := strings.ToValidUTF8(string(data), "�")
	pieces := SplitByTokenCap(text, p.maxChunkTokens)

	name := path.Base(meta.URI)
	chunks := make([]Chunk, 0, len(pieces))
	for i, piece := range pieces {
		trimmed := strings.TrimSpace(piece)
		if trimmed == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Text:     trimmed,
			Name:     name,
			Category: "document",
			Metadata: map[string]any{
				"chunk_index": i,
				"source_uri":  meta.URI,
			},
		})
	}
	return chunks, nil
}
