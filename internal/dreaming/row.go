package dreaming

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

// resourceFromRow reconstructs a Resource from a remstore.Row returned by
// Select against the resources table. Fields are read defensively since the
// concrete Go types a driver hands back for a dynamically-typed Row can
// vary (e.g. a UUID column may come back as a string or a fmt.Stringer).
func resourceFromRow(tenantID string, row remstore.Row) (remtypes.Resource, error) {
	id, err := uuid.Parse(fieldString(row, "id"))
	if err != nil {
		return remtypes.Resource{}, fmt.Errorf("dreaming: row missing valid id: %w", err)
	}
	return remtypes.Resource{
		ID:                id,
		TenantID:          tenantID,
		Name:              fieldString(row, "name"),
		Category:          fieldString(row, "category"),
		Content:           fieldString(row, "content"),
		Summary:           fieldString(row, "summary"),
		URI:               fieldString(row, "uri"),
		Metadata:          fieldMap(row, "metadata"),
		ResourceTimestamp: fieldTime(row, "resource_timestamp"),
		GraphPaths:        fieldGraphPaths(row, "graph_paths"),
	}, nil
}

func fieldString(row remstore.Row, key string) string {
	switch v := row.Fields[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fieldTime(row remstore.Row, key string) time.Time {
	if t, ok := row.Fields[key].(time.Time); ok {
		return t
	}
	return time.Time{}
}

func fieldMap(row remstore.Row, key string) map[string]any {
	if m, ok := row.Fields[key].(map[string]any); ok {
		return m
	}
	return nil
}

// fieldGraphPaths reconstructs the InlineEdge slice a JSONB graph_paths
// column decodes to: a []any of map[string]any, matching the shape
// graphPathsJSON produces on write.
func fieldGraphPaths(row remstore.Row, key string) []remtypes.InlineEdge {
	raw, ok := row.Fields[key].([]any)
	if !ok {
		return nil
	}
	out := make([]remtypes.InlineEdge, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		edge := remtypes.InlineEdge{
			DestinationLabel: fmt.Sprintf("%v", m["destination_label"]),
			RelType:          fmt.Sprintf("%v", m["rel_type"]),
		}
		if w, ok := m["weight"].(float64); ok {
			edge.Weight = w
		}
		if props, ok := m["properties"].(map[string]any); ok {
			edge.Properties = props
		}
		out = append(out, edge)
	}
	return out
}
