package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

// distanceOperator maps a remtypes.Metric to its pgvector operator.
func distanceOperator(m remtypes.Metric) (string, error) {
	switch m {
	case remtypes.MetricCosine, "":
		return "<=>", nil
	case remtypes.MetricL2:
		return "<->", nil
	case remtypes.MetricInnerProduct:
		return "<#>", nil
	default:
		return "", fmt.Errorf("remstore/postgres: unsupported metric %q", m)
	}
}

// VectorSearch joins table with "{table}_embeddings" on entity_id, enforcing
// both sides' tenant predicate, ordering by ascending distance.
func (s *Store) VectorSearch(ctx context.Context, tenantID string, q remstore.VectorSearchQuery) ([]remstore.VectorSearchResult, error) {
	if tenantID == "" {
		return nil, remstore.ErrMissingTenant
	}
	if err := validTable(q.Table); err != nil {
		return nil, err
	}
	op, err := distanceOperator(q.Metric)
	if err != nil {
		return nil, err
	}
	embTable := q.Table + "_embeddings"
	queryVec := pgvector.NewVector(q.QueryVector)

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	sqlText := fmt.Sprintf(`
		SELECT m.*, e.embedding %[1]s $1 AS distance
		FROM   %[2]s m
		JOIN   %[3]s e ON e.entity_id = m.id AND e.field_name = $2
		WHERE  m.tenant_id = $3 AND e.tenant_id = $3
		ORDER  BY distance ASC
		LIMIT  $4`, op, q.Table, embTable)

	rows, err := s.pool.Query(ctx, sqlText, queryVec, q.Field, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("remstore/postgres: vector search %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out []remstore.VectorSearchResult
	fds := rows.FieldDescriptions()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("remstore/postgres: scan vector search: %w", err)
		}
		fields := make(map[string]any, len(vals)-1)
		var distance float64
		for i, fd := range fds {
			name := string(fd.Name)
			if name == "distance" {
				distance, _ = vals[i].(float64)
				continue
			}
			fields[name] = vals[i]
		}
		result := remstore.VectorSearchResult{
			Row:      remstore.Row{TableName: q.Table, Fields: fields},
			Distance: distance,
		}
		if q.Threshold > 0 {
			similarity := 1 - distance
			if similarity < q.Threshold {
				continue
			}
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("remstore/postgres: rows: %w", err)
	}
	return out, nil
}

// upsertEmbedding inserts a single embedding row; when a row with the same
// (entity_id, field_name, provider) already exists, its embedding and
// dimension are overwritten. Skipping regeneration is up to the caller, which
// can check that same key with EmbeddingExists first.
func (s *Store) upsertEmbedding(ctx context.Context, table string, emb remtypes.Embedding) error {
	const q = `
		INSERT INTO %s_embeddings (entity_id, field_name, embedding, provider, dimension, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_id, field_name, provider) DO UPDATE SET
		    embedding = EXCLUDED.embedding, dimension = EXCLUDED.dimension`
	vec := pgvector.NewVector(emb.Vector)
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, table), emb.EntityID, emb.FieldName, vec, emb.Provider, emb.Dimension, emb.TenantID)
	if err != nil {
		return fmt.Errorf("remstore/postgres: upsert embedding: %w", err)
	}
	return nil
}

// UpsertEmbedding is the exported form of upsertEmbedding used by the
// storage worker and dreaming workers to write an Embedding row directly.
func (s *Store) UpsertEmbedding(ctx context.Context, table string, emb remtypes.Embedding) error {
	if err := emb.Validate(); err != nil {
		return err
	}
	if err := validTable(table); err != nil {
		return err
	}
	return s.upsertEmbedding(ctx, table, emb)
}

// EmbeddingExists reports whether an embedding already exists for
// (entityID, fieldName, provider) in table's embedding table, used to skip
// regeneration.
func (s *Store) EmbeddingExists(ctx context.Context, table, entityID, fieldName, provider string) (bool, error) {
	if err := validTable(table); err != nil {
		return false, err
	}
	var exists bool
	q := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s_embeddings WHERE entity_id = $1 AND field_name = $2 AND provider = $3)", table)
	err := s.pool.QueryRow(ctx, q, entityID, fieldName, provider).Scan(&exists)
	if err != nil && err != pgx.ErrNoRows {
		return false, fmt.Errorf("remstore/postgres: embedding exists: %w", err)
	}
	return exists, nil
}
