// Package dreaming implements the dreaming worker (C7): a periodic,
// tenant-scoped background cycle that turns freshly ingested Resources into
// Moments, and turns both Resources' and Moments' inline graph edges into a
// materialized graph — discovering additional affinity edges between
// Moments along the way.
//
// The name follows the consolidator pattern it is grounded on: like a
// nightly batch job, it runs on a schedule independent of the request path,
// re-reading what ingestion already wrote rather than intercepting it
// in-line.
package dreaming

import (
	"context"

	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

// Store is the subset of remstore.Store the dreaming scheduler depends on:
// reading ingested rows, writing Moments and their embeddings, and merging
// graph nodes/edges. It is satisfied directly by remstore.Store.
type Store interface {
	Select(ctx context.Context, tenantID string, q remstore.SelectQuery) ([]remstore.Row, error)
	UpsertEntity(ctx context.Context, tenantID, table string, row remstore.Row) error
	UpsertEmbedding(ctx context.Context, table string, emb remtypes.Embedding) error
	GraphOp(ctx context.Context, tenantID string, op remstore.GraphOp) error
}
