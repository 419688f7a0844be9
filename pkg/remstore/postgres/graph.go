package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/jackc/pgx/v5"

	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

// GraphOp executes a graph match or idempotent merge against graph_nodes and
// graph_edges, scoped to tenantID. A merge never duplicates a node or edge:
// nodes are keyed by (tenant_id, label) and edges by the
// idx_graph_edges_unique index on (tenant_id, source_label, dest_label,
// rel_type) — applying the same triple twice updates weight/properties in
// place rather than inserting a second row.
func (s *Store) GraphOp(ctx context.Context, tenantID string, op remstore.GraphOp) error {
	if tenantID == "" {
		return remstore.ErrMissingTenant
	}

	switch op.Kind {
	case remstore.GraphOpMatch:
		return s.graphMatch(ctx, tenantID, op)
	case remstore.GraphOpMerge:
		return s.graphMerge(ctx, tenantID, op)
	default:
		return fmt.Errorf("remstore/postgres: unknown graph op kind %q", op.Kind)
	}
}

// graphMatch verifies that the node or edge named by op already exists
// within tenantID's subgraph. It returns remstore.ErrNotFound when it does
// not — callers use this to validate a traversal anchor before walking it.
func (s *Store) graphMatch(ctx context.Context, tenantID string, op remstore.GraphOp) error {
	if op.Edge != nil {
		var exists bool
		const q = `SELECT EXISTS(
			SELECT 1 FROM graph_edges
			WHERE tenant_id = $1 AND source_label = $2 AND dest_label = $3 AND rel_type = $4)`
		err := s.pool.QueryRow(ctx, q, tenantID, op.Edge.SourceLabel, op.Edge.DestLabel, op.Edge.RelType).Scan(&exists)
		if err != nil {
			return fmt.Errorf("remstore/postgres: match edge: %w", err)
		}
		if !exists {
			return remstore.ErrNotFound
		}
		return nil
	}
	if op.Node != nil {
		var exists bool
		const q = `SELECT EXISTS(SELECT 1 FROM graph_nodes WHERE tenant_id = $1 AND label = $2)`
		err := s.pool.QueryRow(ctx, q, tenantID, op.Node.Label).Scan(&exists)
		if err != nil {
			return fmt.Errorf("remstore/postgres: match node: %w", err)
		}
		if !exists {
			return remstore.ErrNotFound
		}
		return nil
	}
	return fmt.Errorf("remstore/postgres: graph match requires a node or edge")
}

// graphMerge idempotently upserts op.Node and/or op.Edge. Merging an edge
// whose endpoints are not yet materialized nodes creates orphan stub rows
// for them (label only, Materialized=false) — the dreaming worker fills
// these in later when it discovers the backing resource, following the
// orphan-node definition.
func (s *Store) graphMerge(ctx context.Context, tenantID string, op remstore.GraphOp) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("remstore/postgres: merge: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if op.Node != nil {
		if err := upsertGraphNode(ctx, tx, tenantID, *op.Node); err != nil {
			return err
		}
	}
	if op.Edge != nil {
		if err := ensureOrphanNode(ctx, tx, tenantID, op.Edge.SourceLabel); err != nil {
			return err
		}
		if err := ensureOrphanNode(ctx, tx, tenantID, op.Edge.DestLabel); err != nil {
			return err
		}
		props := jsonableValue(op.Edge.Properties)
		const q = `
			INSERT INTO graph_edges (tenant_id, source_label, dest_label, rel_type, weight, properties)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, source_label, dest_label, rel_type) DO UPDATE SET
			    weight = EXCLUDED.weight, properties = EXCLUDED.properties`
		if _, err := tx.Exec(ctx, q, tenantID, op.Edge.SourceLabel, op.Edge.DestLabel, op.Edge.RelType, op.Edge.Weight, props); err != nil {
			return fmt.Errorf("remstore/postgres: merge edge: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("remstore/postgres: merge: commit: %w", err)
	}
	return nil
}

func upsertGraphNode(ctx context.Context, tx pgx.Tx, tenantID string, node remtypes.GraphNode) error {
	const q = `
		INSERT INTO graph_nodes (tenant_id, label, biz_key, entity_table, entity_id, materialized)
		VALUES ($1, $2, $3, $4, $5, true)
		ON CONFLICT (tenant_id, label) DO UPDATE SET
		    biz_key = EXCLUDED.biz_key, entity_table = EXCLUDED.entity_table,
		    entity_id = EXCLUDED.entity_id, materialized = true`
	_, err := tx.Exec(ctx, q, tenantID, node.Label, node.BizKey, node.EntityTable, node.EntityID)
	if err != nil {
		return fmt.Errorf("remstore/postgres: upsert node: %w", err)
	}
	return nil
}

// ensureOrphanNode inserts a stub graph_nodes row for label if none exists
// yet. It never overwrites an already-materialized node.
func ensureOrphanNode(ctx context.Context, tx pgx.Tx, tenantID, label string) error {
	const q = `
		INSERT INTO graph_nodes (tenant_id, label, materialized)
		VALUES ($1, $2, false)
		ON CONFLICT (tenant_id, label) DO NOTHING`
	_, err := tx.Exec(ctx, q, tenantID, label)
	if err != nil {
		return fmt.Errorf("remstore/postgres: ensure orphan node %q: %w", label, err)
	}
	return nil
}

// Neighbors performs a bounded breadth-first walk outward from startLabel,
// up to depth hops, within tenantID's subgraph. The recursive CTE tracks a
// visited-label array per candidate path to prevent cycles, mirroring the
// entity-id traversal the query executor's predecessor used — here keyed by
// label instead of a numeric/UUID id since graph nodes are named by label.
//
// Ties (multiple edges reaching a node at the same depth) are broken by
// edge insertion order via graph_edges.seq, satisfying TRAVERSE's
// deterministic tie-break requirement.
func (s *Store) Neighbors(ctx context.Context, tenantID, startLabel string, relTypes []string, depth int) ([]remstore.TraverseNode, error) {
	if tenantID == "" {
		return nil, remstore.ErrMissingTenant
	}
	if depth < 0 {
		depth = 0
	}

	args := []any{tenantID, startLabel, depth}
	relFilter := ""
	if len(relTypes) > 0 {
		args = append(args, relTypes)
		relFilter = fmt.Sprintf(" AND e.rel_type = ANY($%d::text[])", len(args))
	}

	q := fmt.Sprintf(`
		WITH RECURSIVE walk AS (
		    SELECT $2::text AS label, ARRAY[$2::text] AS visited, 0 AS depth,
		           NULL::bigint AS edge_seq, NULL::text AS edge_source,
		           NULL::text AS edge_rel, NULL::double precision AS edge_weight
		    FROM (SELECT 1) AS seed

		    UNION ALL

		    SELECT e.dest_label, w.visited || e.dest_label, w.depth + 1, e.seq,
		           e.source_label, e.rel_type, e.weight
		    FROM   walk w
		    JOIN   graph_edges e ON e.tenant_id = $1 AND e.source_label = w.label
		    WHERE  w.depth < $3
		      AND  NOT (e.dest_label = ANY(w.visited))%s
		)
		SELECT DISTINCT ON (w.label)
		       w.label, w.depth, w.edge_seq, w.edge_source, w.edge_rel, w.edge_weight,
		       n.biz_key, n.entity_table, n.entity_id, n.materialized
		FROM   walk w
		JOIN   graph_nodes n ON n.tenant_id = $1 AND n.label = w.label
		WHERE  w.label != $2
		ORDER  BY w.label, w.depth ASC, w.edge_seq ASC`, relFilter)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("remstore/postgres: neighbors: %w", err)
	}
	defer rows.Close()

	type nodeRow struct {
		label                          string
		depth                          int
		edgeSeq                        *int64
		edgeSource, edgeRel            *string
		edgeWeight                     *float64
		bizKey, entityTable, entityID  string
		materialized                   bool
	}
	var nodeRows []nodeRow
	for rows.Next() {
		var nr nodeRow
		if err := rows.Scan(&nr.label, &nr.depth, &nr.edgeSeq, &nr.edgeSource, &nr.edgeRel, &nr.edgeWeight, &nr.bizKey, &nr.entityTable, &nr.entityID, &nr.materialized); err != nil {
			return nil, fmt.Errorf("remstore/postgres: scan neighbor: %w", err)
		}
		nodeRows = append(nodeRows, nr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("remstore/postgres: neighbors rows: %w", err)
	}

	sort.Slice(nodeRows, func(i, j int) bool {
		if nodeRows[i].depth != nodeRows[j].depth {
			return nodeRows[i].depth < nodeRows[j].depth
		}
		return nodeRows[i].label < nodeRows[j].label
	})

	out := make([]remstore.TraverseNode, 0, len(nodeRows))
	for _, nr := range nodeRows {
		tn := remstore.TraverseNode{
			Node: remtypes.GraphNode{
				TenantID:     tenantID,
				Label:        nr.label,
				BizKey:       nr.bizKey,
				EntityTable:  nr.entityTable,
				EntityID:     nr.entityID,
				Materialized: nr.materialized,
			},
			Depth: nr.depth,
		}
		if nr.edgeSource != nil && nr.edgeRel != nil && nr.edgeWeight != nil && nr.edgeSeq != nil {
			tn.InboundEdge = &remtypes.GraphEdge{TenantID: tenantID, SourceLabel: *nr.edgeSource,
				DestLabel: nr.label, RelType: *nr.edgeRel, Weight: *nr.edgeWeight, Seq: *nr.edgeSeq}
		}
		out = append(out, tn)
	}
	return out, nil
}

// FuzzyMatch scores every node label in tenantID's subgraph against term
// using Jaro-Winkler similarity and returns the top-k candidates scoring at
// or above threshold, in descending score order. No trigram-similarity
// extension is assumed available, so label candidates are fetched in full
// and scored in Go — acceptable given graph_nodes per tenant is bounded in
// practice by the ingestion volume, not by query traffic.
func (s *Store) FuzzyMatch(ctx context.Context, tenantID, term string, threshold float64, topK int) ([]remstore.FuzzyMatchResult, error) {
	if tenantID == "" {
		return nil, remstore.ErrMissingTenant
	}

	rows, err := s.pool.Query(ctx, `SELECT label FROM graph_nodes WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("remstore/postgres: fuzzy match: %w", err)
	}
	defer rows.Close()

	termLower := strings.ToLower(term)
	var results []remstore.FuzzyMatchResult
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("remstore/postgres: scan label: %w", err)
		}
		score := matchr.JaroWinkler(termLower, strings.ToLower(label), false)
		if score >= threshold {
			results = append(results, remstore.FuzzyMatchResult{Label: label, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("remstore/postgres: fuzzy match rows: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Label < results[j].Label
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}
