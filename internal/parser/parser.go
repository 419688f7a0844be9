// Package parser resolves a content parser from a registry keyed by file
// extension and turns an ingested file's bytes into an ordered sequence of
// chunks bounded by token count, for the storage worker pool to embed and
// persist one row per chunk.
package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/healer-ai/p8fs/pkg/remtypes"
)

// ErrNoParser is returned by Registry.Resolve when no parser is registered
// for an extension. The storage worker logs the skip and acks the message
// rather than treating this as a retryable failure.
var ErrNoParser = errors.New("parser: no parser registered for extension")

// DefaultMaxChunkTokens is the default per-chunk token cap, chosen to honor
// downstream embedding/LLM provider rate limits.
const DefaultMaxChunkTokens = 25_000

// Chunk is one parsed unit of content: text plus any metadata the parser
// could extract (e.g. a page number, a speaker list, a detected moment
// type), and any graph edges the parser can infer directly from content
// structure (e.g. a document's declared author).
type Chunk struct {
	Text       string
	Name       string
	Category   string
	Metadata   map[string]any
	GraphPaths []remtypes.InlineEdge
}

// FileMeta describes the source file being parsed, independent of any one
// chunk.
type FileMeta struct {
	URI             string
	ContentTypeHint string
	Extension       string
}

// Parser turns a file's raw bytes into an ordered sequence of chunks. Each
// parser applies its own token cap; the built-in parsers split with
// SplitByTokenCap, which breaks on paragraph boundaries and then on rune
// boundaries. The caller does not re-split the chunks a parser returns.
type Parser interface {
	Parse(ctx context.Context, meta FileMeta, data []byte) ([]Chunk, error)
}

// Registry dispatches to a Parser by lowercase file extension (without the
// leading dot, e.g. "md", "txt", "wav").
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns an empty Registry. Use Register to populate it.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Register associates ext (case-insensitive, without a leading dot) with p.
// A later call for the same extension replaces the earlier registration.
func (r *Registry) Register(ext string, p Parser) {
	r.parsers[strings.ToLower(ext)] = p
}

// Resolve returns the parser registered for ext, or ErrNoParser.
func (r *Registry) Resolve(ext string) (Parser, error) {
	p, ok := r.parsers[strings.ToLower(ext)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoParser, ext)
	}
	return p, nil
}

// Parse resolves a parser for meta.Extension and invokes it.
func (r *Registry) Parse(ctx context.Context, meta FileMeta, data []byte) ([]Chunk, error) {
	p, err := r.Resolve(meta.Extension)
	if err != nil {
		return nil, err
	}
	return p.Parse(ctx, meta, data)
}
