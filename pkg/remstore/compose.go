package remstore

import (
	"context"
)

// RelationalGraph is the subset of [Store] that a relational/vector/graph
// backend (e.g. pkg/remstore/postgres.Store) implements on its own.
type RelationalGraph interface {
	UpsertEntity(ctx context.Context, tenantID, table string, row Row) error
	Select(ctx context.Context, tenantID string, q SelectQuery) ([]Row, error)
	VectorSearch(ctx context.Context, tenantID string, q VectorSearchQuery) ([]VectorSearchResult, error)
	GraphOp(ctx context.Context, tenantID string, op GraphOp) error
	Neighbors(ctx context.Context, tenantID, startLabel string, relTypes []string, depth int) ([]TraverseNode, error)
	FuzzyMatch(ctx context.Context, tenantID, term string, threshold float64, topK int) ([]FuzzyMatchResult, error)
}

// composedStore joins a [RelationalGraph] backend with a [KV] backend into
// a single [Store]. Most deployments compose pkg/remstore/postgres.Store
// with pkg/remstore/kv.Store via [Compose].
type composedStore struct {
	RelationalGraph
	KV
}

var _ Store = (*composedStore)(nil)

// Compose joins rel and kv into a single [Store].
func Compose(rel RelationalGraph, kv KV) Store {
	return &composedStore{RelationalGraph: rel, KV: kv}
}
