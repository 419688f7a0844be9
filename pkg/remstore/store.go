// Package remstore defines the REM store access contract (C5): five
// capabilities exposed to the query executor and the dreaming workers,
// rather than a row-level API. Every capability refuses to operate when
// tenant_id is empty, and Select/VectorSearch/GraphOp inject a mandatory
// tenant predicate that the caller cannot disable.
package remstore

import (
	"context"
	"errors"
	"time"

	"github.com/healer-ai/p8fs/pkg/remtypes"
)

// ErrMissingTenant is returned by every capability when tenant_id is empty.
var ErrMissingTenant = errors.New("remstore: tenant_id must not be empty")

// ErrNotFound is returned by KVGet for an absent key and by a GraphOp match
// that finds no node or edge. Select returns an empty result instead.
var ErrNotFound = errors.New("remstore: not found")

// Row is a loosely-typed persisted row, annotated with its table name so
// callers (the query executor) can present heterogeneous result sets.
type Row struct {
	TableName string
	Fields    map[string]any
}

// Where is a parameterized predicate fragment: SQL text with named
// placeholders plus their bound values. The access layer always ANDs
// "tenant_id = :tenant" onto this — the caller cannot omit or override it.
type Where struct {
	Clause string
	Args   map[string]any
}

// SelectQuery parameterizes a Select call.
type SelectQuery struct {
	Table   string
	Where   Where
	OrderBy []string
	Limit   int
}

// VectorSearchQuery parameterizes a VectorSearch call.
type VectorSearchQuery struct {
	Table       string
	Field       string
	QueryVector []float32
	Metric      remtypes.Metric
	Limit       int
	Threshold   float64
}

// VectorSearchResult pairs a row with its similarity/distance score.
type VectorSearchResult struct {
	Row      Row
	Distance float64
}

// GraphOpKind discriminates the two graph operations the access layer
// supports: matching existing edges/nodes, and idempotently creating them.
type GraphOpKind string

const (
	GraphOpMatch  GraphOpKind = "match"
	GraphOpMerge  GraphOpKind = "merge"
)

// GraphOp parameterizes a Graph-op call. A merge is idempotent: applying the
// same node/edge twice does not duplicate it (the postgres implementation
// uses INSERT ... ON CONFLICT on the node primary key and the edge unique
// index).
type GraphOp struct {
	Kind  GraphOpKind
	Node  *remtypes.GraphNode
	Edge  *remtypes.GraphEdge
}

// Store is the five-capability REM store access contract.
type Store interface {
	// UpsertEntity inserts or updates row by its primary id within a tenant.
	UpsertEntity(ctx context.Context, tenantID, table string, row Row) error

	// Select runs a parameterized SELECT with a mandatory tenant_id predicate.
	Select(ctx context.Context, tenantID string, q SelectQuery) ([]Row, error)

	// VectorSearch joins table with its embedding table on entity_id,
	// enforcing both sides' tenant predicate.
	VectorSearch(ctx context.Context, tenantID string, q VectorSearchQuery) ([]VectorSearchResult, error)

	// GraphOp executes a graph match or idempotent merge, scoped to tenantID.
	GraphOp(ctx context.Context, tenantID string, op GraphOp) error

	// Neighbors performs a bounded breadth-first walk from start up to depth
	// hops, optionally filtered by relationship type, within tenantID's
	// subgraph. Used by TRAVERSE.
	Neighbors(ctx context.Context, tenantID, startLabel string, relTypes []string, depth int) ([]TraverseNode, error)

	// FuzzyMatch scores every node label in tenantID's subgraph against term
	// and returns the top-k above threshold, ordered by descending score.
	FuzzyMatch(ctx context.Context, tenantID, term string, threshold float64, topK int) ([]FuzzyMatchResult, error)

	KV
}

// TraverseNode is one visited node in a TRAVERSE walk, with the inbound edge
// that reached it (nil for the start node).
type TraverseNode struct {
	Node        remtypes.GraphNode
	InboundEdge *remtypes.GraphEdge
	Depth       int
}

// FuzzyMatchResult pairs a candidate node label with its similarity score.
type FuzzyMatchResult struct {
	Label string
	Score float64
}

// KV is the REM store's key-value capability: put/get/delete/scan-by-prefix/
// find-by-field, all TTL-aware.
type KV interface {
	KVPut(ctx context.Context, tenantID, key string, value remtypes.KVValue, ttl time.Duration) error
	KVGet(ctx context.Context, tenantID, key string) (remtypes.KVValue, error)
	KVDelete(ctx context.Context, tenantID, key string) error
	KVScanPrefix(ctx context.Context, tenantID, prefix string) (map[string]remtypes.KVValue, error)
	KVFindByField(ctx context.Context, tenantID, field, value string) ([]string, error)
}
