package parser

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegistryResolveUnknownExtension(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("pdf")
	if !errors.Is(err, ErrNoParser) {
		t.Fatalf("expected ErrNoParser, got %v", err)
	}
}

func TestRegistryDispatchesByExtension(t *testing.T) {
	r := NewRegistry()
	r.Register("txt", NewTextParser(0))
	r.Register("MD", NewTextParser(0))

	chunks, err := r.Parse(context.Background(), FileMeta{URI: "buckets/t1/notes.txt", Extension: "txt"}, []byte("hello world"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "hello world" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}

	_, err = r.Parse(context.Background(), FileMeta{URI: "x.md", Extension: "md"}, []byte("case insensitive"))
	if err != nil {
		t.Fatalf("expected registration for uppercase MD to serve lowercase md: %v", err)
	}
}

func TestTextParserSplitsLongParagraphs(t *testing.T) {
	p := NewTextParser(10) // ~40 runes per chunk
	long := strings.Repeat("word ", 50)

	chunks, err := p.Parse(context.Background(), FileMeta{URI: "doc.txt"}, []byte(long))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for long input, got %d", len(chunks))
	}
	for _, c := range chunks {
		if EstimateTokens(c.Text) > 10 {
			t.Fatalf("chunk exceeds token cap: %d tokens", EstimateTokens(c.Text))
		}
	}
}

func TestTextParserPreservesParagraphBoundaries(t *testing.T) {
	p := NewTextParser(DefaultMaxChunkTokens)
	text := "first paragraph\n\nsecond paragraph"

	chunks, err := p.Parse(context.Background(), FileMeta{URI: "doc.txt"}, []byte(text))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected both short paragraphs merged into one chunk, got %d", len(chunks))
	}
}

func TestStubParserReturnsUnsupportedFormat(t *testing.T) {
	s := &StubParser{FormatName: "pdf"}
	_, err := s.Parse(context.Background(), FileMeta{URI: "doc.pdf"}, nil)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("expected 0 tokens for empty string, got %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Fatalf("expected 1 token for 4 runes, got %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("expected 2 tokens for 5 runes, got %d", got)
	}
}

func TestSplitByTokenCapUnderCapReturnsSingleChunk(t *testing.T) {
	out := SplitByTokenCap("short text", 1000)
	if len(out) != 1 || out[0] != "short text" {
		t.Fatalf("unexpected split: %+v", out)
	}
}

func TestSplitByTokenCapEmptyReturnsNil(t *testing.T) {
	out := SplitByTokenCap("", 10)
	if out != nil {
		t.Fatalf("expected nil for empty input, got %+v", out)
	}
}
