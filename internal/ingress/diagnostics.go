package ingress

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DiagnosticEntry is one recorded malformed-event audit record.
type DiagnosticEntry struct {
	RecordedAt time.Time
	Raw        []byte
	Cause      string
}

// MemoryDiagnosticSink accumulates malformed-event records in memory,
// bounded by maxEntries (oldest evicted first). Suitable for a single
// ingress process; a deployment with durability requirements wires
// RecordMalformed to its own audit table via pkg/remstore instead.
type MemoryDiagnosticSink struct {
	mu         sync.Mutex
	entries    []DiagnosticEntry
	maxEntries int
	log        *slog.Logger
}

var _ DiagnosticSink = (*MemoryDiagnosticSink)(nil)

// NewMemoryDiagnosticSink returns a sink retaining at most maxEntries
// records (DefaultMaxDiagnosticEntries if zero or negative).
func NewMemoryDiagnosticSink(maxEntries int) *MemoryDiagnosticSink {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxDiagnosticEntries
	}
	return &MemoryDiagnosticSink{maxEntries: maxEntries, log: slog.Default()}
}

// DefaultMaxDiagnosticEntries bounds MemoryDiagnosticSink's retention.
const DefaultMaxDiagnosticEntries = 1000

// RecordMalformed implements [DiagnosticSink].
func (s *MemoryDiagnosticSink) RecordMalformed(_ context.Context, raw []byte, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := DiagnosticEntry{RecordedAt: time.Now(), Raw: append([]byte(nil), raw...), Cause: cause.Error()}
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.maxEntries {
		s.entries = s.entries[len(s.entries)-s.maxEntries:]
	}
	s.log.Warn("ingress: recorded malformed event", "cause", cause)
	return nil
}

// Entries returns a copy of the currently retained diagnostic entries.
func (s *MemoryDiagnosticSink) Entries() []DiagnosticEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DiagnosticEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
