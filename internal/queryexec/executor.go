package queryexec

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/healer-ai/p8fs/pkg/provider/embeddings"
	"github.com/healer-ai/p8fs/pkg/remstore"
	"github.com/healer-ai/p8fs/pkg/remtypes"
)

// Executor dispatches a QueryPlan to the matching remstore.Store capability
// and normalizes its response into a Result. One Executor serves every
// tenant; tenantID is a required argument of Execute, never a field.
type Executor struct {
	store    remstore.Store
	embedder embeddings.Provider
	log      *slog.Logger
	adjCache *adjacencyCache
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithAdjacencyCacheSize overrides adjacencyCacheDefaultSize for the
// TRAVERSE result cache.
func WithAdjacencyCacheSize(n int) Option {
	return func(e *Executor) { e.adjCache = newAdjacencyCache(n) }
}

// New returns an Executor backed by store for every plan kind and embedder
// for SEARCH's query-text embedding step.
func New(store remstore.Store, embedder embeddings.Provider, opts ...Option) *Executor {
	e := &Executor{store: store, embedder: embedder, log: slog.Default(), adjCache: newAdjacencyCache(adjacencyCacheDefaultSize)}
	for _, o := range opts {
		o(e)
	}
	return e
}

// InvalidateTenant drops every cached TRAVERSE result for tenantID. Callers
// that mutate a tenant's graph outside of Execute — the dreaming scheduler's
// direct store.GraphOp calls, most notably — must call this afterward so a
// subsequent TRAVERSE does not serve a result computed before the mutation.
func (e *Executor) InvalidateTenant(tenantID string) {
	e.adjCache.invalidateTenant(tenantID)
}

// Execute routes plan to its Kind's handler, scoped to tenantID.
func (e *Executor) Execute(ctx context.Context, tenantID string, plan QueryPlan) (Result, error) {
	if tenantID == "" {
		return Result{}, remstore.ErrMissingTenant
	}
	switch plan.Kind {
	case KindSQL:
		return e.executeSQL(ctx, tenantID, plan)
	case KindLookup:
		return e.executeLookup(ctx, tenantID, plan)
	case KindSearch:
		return e.executeSearch(ctx, tenantID, plan)
	case KindTraverse:
		return e.executeTraverse(ctx, tenantID, plan)
	case KindFuzzy:
		return e.executeFuzzy(ctx, tenantID, plan)
	default:
		return Result{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPlan, plan.Kind)
	}
}

// executeSQL runs plan as a direct Select, annotating each returned row with
// its source table under the "_table_name" field.
func (e *Executor) executeSQL(ctx context.Context, tenantID string, plan QueryPlan) (Result, error) {
	if plan.Table == "" {
		return Result{}, fmt.Errorf("%w: sql requires a table", ErrInvalidPlan)
	}
	rows, err := e.store.Select(ctx, tenantID, remstore.SelectQuery{
		Table:   plan.Table,
		Where:   remstore.Where(plan.Where),
		OrderBy: plan.OrderBy,
		Limit:   plan.Limit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("queryexec: sql: %w", err)
	}
	res := Result{Kind: KindSQL, Rows: make([]remstore.Row, len(rows))}
	for i, r := range rows {
		res.Rows[i] = annotateTableName(r)
	}
	return res, nil
}

// executeLookup resolves plan.LookupKey through the KV reverse-name mapping
// only — it never reads entity rows directly by name. The KV prefix scan's
// own order is not guaranteed by the underlying store, so results are sorted
// by mapping key for a stable, reproducible tie-break.
func (e *Executor) executeLookup(ctx context.Context, tenantID string, plan QueryPlan) (Result, error) {
	if plan.LookupKey == "" {
		return Result{}, fmt.Errorf("%w: lookup requires a key", ErrInvalidPlan)
	}
	prefix := remtypes.KVPrefix(tenantID, plan.LookupKey)
	matches, err := e.store.KVScanPrefix(ctx, tenantID, prefix)
	if err != nil {
		return Result{}, fmt.Errorf("queryexec: lookup scan: %w", err)
	}

	keys := make([]string, 0, len(matches))
	for k := range matches {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := Result{Kind: KindLookup}
	for _, k := range keys {
		v := matches[k]
		if plan.LookupTable != "" && v.TableName != plan.LookupTable {
			continue
		}
		lr, ok, err := e.resolveLookupValue(ctx, tenantID, k, v)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			res.Partial = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("lookup: %q: backing row not found", k))
			continue
		}
		res.Lookups = append(res.Lookups, lr)
	}
	return res, nil
}

// resolveLookupValue fetches the full row a KV mapping points at, shared by
// LOOKUP and FUZZY's step 3-4 resolution. It reports ok=false rather than an
// error when the mapping itself is malformed or its backing row is gone, so
// callers can surface that as a partial result instead of failing outright.
func (e *Executor) resolveLookupValue(ctx context.Context, tenantID, key string, v remtypes.KVValue) (LookupResult, bool, error) {
	if v.TableName == "" || v.EntityID == "" {
		return LookupResult{}, false, nil
	}
	rows, err := e.store.Select(ctx, tenantID, remstore.SelectQuery{
		Table: v.TableName,
		Where: remstore.Where{Clause: "id = :entity_id", Args: map[string]any{"entity_id": v.EntityID}},
		Limit: 1,
	})
	if err != nil {
		return LookupResult{}, false, fmt.Errorf("queryexec: resolve %q: %w", key, err)
	}
	if len(rows) == 0 {
		return LookupResult{}, false, nil
	}
	return LookupResult{Key: key, EntityType: v.EntityType, Table: v.TableName, Row: annotateTableName(rows[0])}, true, nil
}

// executeSearch embeds plan.SearchText and runs a VectorSearch over
// plan.Table/plan.SearchField. A provider that returns a vector of the wrong
// dimension is a fatal configuration error, not silently truncated or
// padded.
func (e *Executor) executeSearch(ctx context.Context, tenantID string, plan QueryPlan) (Result, error) {
	if plan.Table == "" || plan.SearchField == "" {
		return Result{}, fmt.Errorf("%w: search requires a table and field", ErrInvalidPlan)
	}
	vec, err := e.embedder.Embed(ctx, plan.SearchText)
	if err != nil {
		return Result{}, fmt.Errorf("queryexec: embed search text: %w", err)
	}
	if dim := e.embedder.Dimensions(); dim > 0 && len(vec) != dim {
		return Result{}, fmt.Errorf("%w: got %d, provider reports %d", ErrDimensionMismatch, len(vec), dim)
	}

	hits, err := e.store.VectorSearch(ctx, tenantID, remstore.VectorSearchQuery{
		Table:       plan.Table,
		Field:       plan.SearchField,
		QueryVector: vec,
		Metric:      plan.SearchMetric,
		Limit:       plan.normalizedSearchLimit(),
		Threshold:   plan.SearchThreshold,
	})
	if err != nil {
		return Result{}, fmt.Errorf("queryexec: search: %w", err)
	}

	res := Result{Kind: KindSearch, Matches: make([]SearchMatch, len(hits))}
	for i, h := range hits {
		res.Matches[i] = SearchMatch{Row: annotateTableName(h.Row), Similarity: 1 - h.Distance}
	}
	return res, nil
}

// executeTraverse resolves plan's start identifier, reports it as the
// depth-0 node, and — unless the caller explicitly asked for depth 0 — walks
// outward up to the normalized depth. Orphan (unmaterialized) nodes are
// still returned, as stubs, with Result.Partial set.
func (e *Executor) executeTraverse(ctx context.Context, tenantID string, plan QueryPlan) (Result, error) {
	startLabel, startRow, found, err := e.resolveTraverseStart(ctx, tenantID, plan)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, fmt.Errorf("%w: traverse start %q", ErrNotFound, plan.TraverseStart)
	}

	res := Result{Kind: KindTraverse}
	res.Nodes = append(res.Nodes, remstore.TraverseNode{
		Node: remtypes.GraphNode{
			TenantID:     tenantID,
			Label:        startLabel,
			EntityTable:  startRow.TableName,
			EntityID:     idString(startRow),
			Materialized: true,
		},
		Depth: 0,
	})

	depth := plan.normalizedDepth()
	if depth == 0 {
		return res, nil
	}

	cacheKey := adjacencyCacheKey(tenantID, startLabel, plan.TraverseRelTypes, depth)
	neighbors, hit := e.adjCache.get(cacheKey)
	if !hit {
		var err error
		neighbors, err = e.store.Neighbors(ctx, tenantID, startLabel, plan.TraverseRelTypes, depth)
		if err != nil {
			return Result{}, fmt.Errorf("queryexec: traverse: %w", err)
		}
		e.adjCache.put(cacheKey, neighbors)
	}
	for _, n := range neighbors {
		if !n.Node.Materialized {
			res.Partial = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("traverse: orphan node %q at depth %d", n.Node.Label, n.Depth))
		}
		res.Nodes = append(res.Nodes, n)
	}
	return res, nil
}

// resolveTraverseStart turns plan's start identifier into a graph label and
// the row it names, either by a direct id Select (TraverseStartIsEntityID)
// or by the same LOOKUP path name resolution goes through.
func (e *Executor) resolveTraverseStart(ctx context.Context, tenantID string, plan QueryPlan) (label string, row remstore.Row, found bool, err error) {
	if plan.TraverseStartIsEntityID {
		if plan.Table == "" {
			return "", remstore.Row{}, false, fmt.Errorf("%w: traverse by entity id requires a table", ErrInvalidPlan)
		}
		rows, err := e.store.Select(ctx, tenantID, remstore.SelectQuery{
			Table: plan.Table,
			Where: remstore.Where{Clause: "id = :entity_id", Args: map[string]any{"entity_id": plan.TraverseStart}},
			Limit: 1,
		})
		if err != nil {
			return "", remstore.Row{}, false, fmt.Errorf("queryexec: traverse resolve entity id: %w", err)
		}
		if len(rows) == 0 {
			return "", remstore.Row{}, false, nil
		}
		row := annotateTableName(rows[0])
		name, _ := row.Fields["name"].(string)
		return name, row, name != "", nil
	}

	lookupRes, err := e.executeLookup(ctx, tenantID, QueryPlan{Kind: KindLookup, LookupKey: plan.TraverseStart, LookupTable: plan.Table})
	if err != nil {
		return "", remstore.Row{}, false, err
	}
	if len(lookupRes.Lookups) == 0 {
		return "", remstore.Row{}, false, nil
	}
	first := lookupRes.Lookups[0]
	name, _ := first.Row.Fields["name"].(string)
	if name == "" {
		name = plan.TraverseStart
	}
	return name, first.Row, true, nil
}

// executeFuzzy scores plan.FuzzyTerms against graph node labels, dedupes
// hits across terms, and resolves each surviving label through the same
// path LOOKUP uses. A label with no reverse mapping is still reported, with
// Result.Partial set, so the caller can see what matched even when it
// cannot be materialized into a row.
func (e *Executor) executeFuzzy(ctx context.Context, tenantID string, plan QueryPlan) (Result, error) {
	if len(plan.FuzzyTerms) == 0 {
		return Result{}, fmt.Errorf("%w: fuzzy requires at least one term", ErrInvalidPlan)
	}
	threshold := plan.normalizedFuzzyThreshold()
	perTermCap := plan.normalizedFuzzyPerTermCap()

	seen := make(map[string]bool)
	res := Result{Kind: KindFuzzy}
	for _, term := range plan.FuzzyTerms {
		hits, err := e.store.FuzzyMatch(ctx, tenantID, term, threshold, perTermCap)
		if err != nil {
			return Result{}, fmt.Errorf("queryexec: fuzzy match %q: %w", term, err)
		}
		for _, h := range hits {
			if seen[h.Label] {
				continue
			}
			seen[h.Label] = true

			fm := FuzzyMatch{Label: h.Label, Score: h.Score}
			lookupRes, err := e.executeLookup(ctx, tenantID, QueryPlan{Kind: KindLookup, LookupKey: h.Label})
			if err != nil {
				return Result{}, err
			}
			if len(lookupRes.Lookups) > 0 {
				lr := lookupRes.Lookups[0]
				fm.Lookup = &lr
			} else {
				res.Partial = true
				res.Warnings = append(res.Warnings, fmt.Sprintf("fuzzy: %q: no reverse mapping", h.Label))
			}
			res.Fuzzy = append(res.Fuzzy, fm)
		}
	}

	sort.Slice(res.Fuzzy, func(i, j int) bool {
		if res.Fuzzy[i].Score != res.Fuzzy[j].Score {
			return res.Fuzzy[i].Score > res.Fuzzy[j].Score
		}
		return res.Fuzzy[i].Label < res.Fuzzy[j].Label
	})
	return res, nil
}

// idString renders a row's "id" field as a string regardless of the
// concrete type the store driver returned it as.
func idString(row remstore.Row) string {
	switch v := row.Fields["id"].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
