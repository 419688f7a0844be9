package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/healer-ai/p8fs/pkg/remstore"
)

// allowedTables is the fixed set of tables UpsertEntity/Select may target.
// Table names are never taken verbatim from caller input in a SQL string —
// this whitelist prevents identifier injection through q.Table.
var allowedTables = map[string]bool{
	"resources":     true,
	"moments":       true,
	"dreaming_runs": true,
}

func validTable(table string) error {
	if !allowedTables[table] {
		return fmt.Errorf("remstore/postgres: unknown table %q", table)
	}
	return nil
}

// UpsertEntity inserts or updates row by its "id" field within tenantID.
// Column order is derived from row.Fields keys, sorted for determinism.
func (s *Store) UpsertEntity(ctx context.Context, tenantID, table string, row remstore.Row) error {
	if tenantID == "" {
		return remstore.ErrMissingTenant
	}
	if err := validTable(table); err != nil {
		return err
	}
	if _, ok := row.Fields["id"]; !ok {
		return fmt.Errorf("remstore/postgres: row missing id field")
	}
	row.Fields["tenant_id"] = tenantID

	cols := make([]string, 0, len(row.Fields))
	for c := range row.Fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = jsonableValue(row.Fields[c])
		if c != "id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}

	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
	)
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("remstore/postgres: upsert %s: %w", table, err)
	}
	return nil
}

// jsonableValue marshals map/slice values to JSON so they bind correctly to
// JSONB columns; scalar values pass through unchanged.
func jsonableValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return b
	default:
		return v
	}
}

// Select runs a parameterized SELECT against table, ANDing
// "tenant_id = :tenant" onto q.Where.Clause. The caller cannot omit or
// override this predicate.
func (s *Store) Select(ctx context.Context, tenantID string, q remstore.SelectQuery) ([]remstore.Row, error) {
	if tenantID == "" {
		return nil, remstore.ErrMissingTenant
	}
	if err := validTable(q.Table); err != nil {
		return nil, err
	}

	args := []any{tenantID}
	where := "tenant_id = $1"
	if q.Where.Clause != "" {
		rewritten, extra := rebind(q.Where.Clause, q.Where.Args, len(args))
		where += " AND (" + rewritten + ")"
		args = append(args, extra...)
	}

	orderBy := ""
	if len(q.OrderBy) > 0 {
		orderBy = " ORDER BY " + strings.Join(q.OrderBy, ", ")
	}
	limit := ""
	if q.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	sqlText := fmt.Sprintf("SELECT * FROM %s WHERE %s%s%s", q.Table, where, orderBy, limit)
	rows, err := s.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("remstore/postgres: select %s: %w", q.Table, err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	var out []remstore.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("remstore/postgres: scan %s: %w", q.Table, err)
		}
		fields := make(map[string]any, len(vals))
		for i, fd := range fds {
			fields[string(fd.Name)] = vals[i]
		}
		out = append(out, remstore.Row{TableName: q.Table, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("remstore/postgres: rows: %w", err)
	}
	return out, nil
}

// rebind translates a ":name"-style where-clause fragment into positional
// "$N" placeholders starting after argOffset existing args, returning the
// rewritten clause and the extra args in placeholder order.
func rebind(clause string, named map[string]any, argOffset int) (string, []any) {
	var extra []any
	out := clause
	for name, val := range named {
		placeholder := ":" + name
		if !strings.Contains(out, placeholder) {
			continue
		}
		argOffset++
		extra = append(extra, val)
		out = strings.ReplaceAll(out, placeholder, fmt.Sprintf("$%d", argOffset))
	}
	return out, extra
}

// isNoRows reports whether err is pgx.ErrNoRows.
func isNoRows(err error) bool { return err == pgx.ErrNoRows }
