package queryexec

import "github.com/healer-ai/p8fs/pkg/remstore"

// Result is the normalized response of Execute, with exactly one of its
// slice fields populated depending on the plan's Kind.
type Result struct {
	Kind Kind

	// SQL.
	Rows []remstore.Row

	// LOOKUP.
	Lookups []LookupResult

	// SEARCH.
	Matches []SearchMatch

	// TRAVERSE.
	Nodes []remstore.TraverseNode

	// FUZZY.
	Fuzzy []FuzzyMatch

	// Partial is set when the plan produced a usable result but one or more
	// sub-resolutions failed — an unresolved FUZZY label, an orphan TRAVERSE
	// node, a LOOKUP mapping whose backing row has since been deleted. The
	// caller still receives everything that did resolve.
	Partial  bool
	Warnings []string
}

// LookupResult is one row resolved by the LOOKUP path: a KV mapping,
// annotated with the entity_type/table it resolved to, joined to the row
// itself.
type LookupResult struct {
	Key        string
	EntityType string
	Table      string
	Row        remstore.Row
}

// SearchMatch is one SEARCH hit: a row plus its cosine/L2/inner-product
// similarity (1 − distance), already filtered by the plan's threshold.
type SearchMatch struct {
	Row        remstore.Row
	Similarity float64
}

// FuzzyMatch is one FUZZY hit: the matched graph label and its Jaro-Winkler
// score, plus the LOOKUP resolution of that label if one exists. Lookup is
// nil for a label with no KV reverse mapping — an orphan or
// not-yet-materialized node — in which case the caller sees the label and
// score but no row, and Result.Partial is set.
type FuzzyMatch struct {
	Label  string
	Score  float64
	Lookup *LookupResult
}

const tableNameField = "_table_name"

// annotateTableName stamps row.Fields with the literal table name key SQL
// results are annotated with, without mutating any map the store might
// still hold a reference to.
func annotateTableName(row remstore.Row) remstore.Row {
	fields := make(map[string]any, len(row.Fields)+1)
	for k, v := range row.Fields {
		fields[k] = v
	}
	fields[tableNameField] = row.TableName
	return remstore.Row{TableName: row.TableName, Fields: fields}
}
