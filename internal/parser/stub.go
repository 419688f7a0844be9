package parser

import (
	"context"
	"fmt"
)

// ErrUnsupportedFormat is returned by a stub Parser for a content type that
// the pipeline recognizes by extension but cannot yet extract text from.
var ErrUnsupportedFormat = fmt.Errorf("parser: format recognized but extraction not implemented")

// StubParser reports ErrUnsupportedFormat for every call. It exists so a
// recognized-but-unimplemented extension (pdf, png, jpg) can be registered
// explicitly, producing a distinct diagnostic from ErrNoParser's "never
// heard of this extension". The storage worker logs ErrNoParser and acks the
// message; ErrUnsupportedFormat fails processing like any other parse error,
// so the message is nacked for redelivery.
type StubParser struct {
	FormatName string
}

var _ Parser = (*StubParser)(nil)

// Parse always returns ErrUnsupportedFormat.
func (s *StubParser) Parse(_ context.Context, meta FileMeta, _ []byte) ([]Chunk, error) {
	return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, s.FormatName, meta.URI)
}
