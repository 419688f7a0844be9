// Package postgres is a PostgreSQL-backed implementation of [remstore.Store]:
// resources/moments rows, a pgvector-backed embedding table per entity table,
// a graph namespace (nodes + edges keyed by label), all enforcing a mandatory
// tenant_id predicate.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	_ = store.UpsertEntity(ctx, tenantID, "resources", row)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlResources defines the resources and moments tables. Moments share the
// resources columns (embedded via the remtypes.Moment Go type) plus
// moment-specific columns.
const ddlResources = `
CREATE TABLE IF NOT EXISTS resources (
    id                  UUID         PRIMARY KEY,
    tenant_id           TEXT         NOT NULL,
    name                TEXT         NOT NULL DEFAULT '',
    category            TEXT         NOT NULL DEFAULT '',
    content             TEXT         NOT NULL DEFAULT '',
    summary             TEXT         NOT NULL DEFAULT '',
    uri                 TEXT         NOT NULL DEFAULT '',
    resource_timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    metadata            JSONB        NOT NULL DEFAULT '{}',
    graph_paths         JSONB        NOT NULL DEFAULT '[]',
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_resources_tenant ON resources (tenant_id);
CREATE INDEX IF NOT EXISTS idx_resources_tenant_name ON resources (tenant_id, name);

CREATE TABLE IF NOT EXISTS moments (
    id                      UUID         PRIMARY KEY,
    tenant_id               TEXT         NOT NULL,
    name                    TEXT         NOT NULL DEFAULT '',
    category                TEXT         NOT NULL DEFAULT '',
    content                 TEXT         NOT NULL DEFAULT '',
    summary                 TEXT         NOT NULL DEFAULT '',
    uri                     TEXT         NOT NULL DEFAULT '',
    resource_timestamp      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    resource_ends_timestamp TIMESTAMPTZ  NOT NULL DEFAULT now(),
    moment_type             TEXT         NOT NULL DEFAULT 'unknown',
    emotion_tags            JSONB        NOT NULL DEFAULT '[]',
    topic_tags              JSONB        NOT NULL DEFAULT '[]',
    present_persons         JSONB        NOT NULL DEFAULT '{}',
    speakers                JSONB        NOT NULL DEFAULT '[]',
    location                TEXT         NOT NULL DEFAULT '',
    background_sounds       TEXT         NOT NULL DEFAULT '',
    metadata                JSONB        NOT NULL DEFAULT '{}',
    graph_paths             JSONB        NOT NULL DEFAULT '[]',
    created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_moments_tenant ON moments (tenant_id);
`

// ddlGraph defines the graph namespace: nodes labeled by entity table and
// keyed by business key, and edges labeled by rel_type, both tenant-scoped.
// A unique index on (tenant_id, source_label, dest_label, rel_type) gives
// GraphOp's merge its idempotence — the same edge cannot be inserted twice.
const ddlGraph = `
CREATE TABLE IF NOT EXISTS graph_nodes (
    tenant_id      TEXT    NOT NULL,
    label          TEXT    NOT NULL,
    biz_key        TEXT    NOT NULL DEFAULT '',
    entity_table   TEXT    NOT NULL DEFAULT '',
    entity_id      TEXT    NOT NULL DEFAULT '',
    materialized   BOOLEAN NOT NULL DEFAULT false,
    PRIMARY KEY (tenant_id, label)
);

CREATE TABLE IF NOT EXISTS graph_edges (
    seq          BIGSERIAL PRIMARY KEY,
    tenant_id    TEXT    NOT NULL,
    source_label TEXT    NOT NULL,
    dest_label   TEXT    NOT NULL,
    rel_type     TEXT    NOT NULL,
    weight       DOUBLE PRECISION NOT NULL DEFAULT 0,
    properties   JSONB   NOT NULL DEFAULT '{}'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_graph_edges_unique
    ON graph_edges (tenant_id, source_label, dest_label, rel_type);

CREATE INDEX IF NOT EXISTS idx_graph_edges_source
    ON graph_edges (tenant_id, source_label);
`

// ddlEmbeddings returns the per-table embedding DDL with the embedding
// dimension baked into the vector column type, following the
// "{table}_embeddings" schema summary.
func ddlEmbeddings(table string, dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s_embeddings (
    id          BIGSERIAL    PRIMARY KEY,
    entity_id   UUID         NOT NULL,
    field_name  TEXT         NOT NULL,
    embedding   vector(%[2]d),
    provider    TEXT         NOT NULL DEFAULT '',
    dimension   INT          NOT NULL DEFAULT %[2]d,
    tenant_id   TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (entity_id, field_name, provider)
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_embeddings_entity
    ON %[1]s_embeddings (entity_id);

CREATE INDEX IF NOT EXISTS idx_%[1]s_embeddings_tenant
    ON %[1]s_embeddings (tenant_id);

CREATE INDEX IF NOT EXISTS idx_%[1]s_embeddings_vector
    ON %[1]s_embeddings USING hnsw (embedding vector_cosine_ops);
`, table, dimensions)
}

// ddlDreamingRuns defines the run state machine the dreaming scheduler
// persists to: queued -> running -> succeeded | failed | skipped-empty.
const ddlDreamingRuns = `
CREATE TABLE IF NOT EXISTS dreaming_runs (
    id                  UUID         PRIMARY KEY,
    tenant_id           TEXT         NOT NULL,
    status              TEXT         NOT NULL DEFAULT 'queued',
    started_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    finished_at         TIMESTAMPTZ,
    moments_extracted   INT          NOT NULL DEFAULT 0,
    edges_created       INT          NOT NULL DEFAULT 0,
    error               TEXT         NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dreaming_runs_tenant ON dreaming_runs (tenant_id, started_at DESC);
`

// ddlKV defines a kv table. Store does not read or write it; the
// reverse-name mapping and device-authorization namespaces are served by
// the Redis-backed pkg/remstore/kv.
const ddlKV = `
CREATE TABLE IF NOT EXISTS kv (
    key         TEXT         PRIMARY KEY,
    tenant_id   TEXT         NOT NULL,
    value       JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expires_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_kv_tenant ON kv (tenant_id);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv (expires_at);
`

// Migrate creates or ensures all required tables, indexes, and extensions
// exist. It is idempotent and safe to call on every process start.
//
// embeddingDimensions must match the embedding provider configured for the
// deployment; changing it after the first migration requires a manual schema
// update: a dimension mismatch at startup refuses to start, enforced by the
// caller comparing NewStore's dimension to the provider's Dimensions().
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlResources,
		ddlGraph,
		ddlKV,
		ddlDreamingRuns,
		ddlEmbeddings("resources", embeddingDimensions),
		ddlEmbeddings("moments", embeddingDimensions),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
