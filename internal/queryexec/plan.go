// Package queryexec implements the query executor (C6): a single dispatcher
// that routes a typed [QueryPlan] to the matching capability of
// [remstore.Store] — SQL against a table, LOOKUP against the KV reverse-name
// mapping, SEARCH against the vector index, TRAVERSE against the graph, and
// FUZZY against node labels — and normalizes each into an annotated [Result].
//
// No plan kind ever falls back to another: LOOKUP never reads entity rows
// directly by name, SEARCH never substring-matches, and FUZZY never touches
// the vector index. Each kind is a narrow, predictable path over exactly one
// remstore capability, with name resolution (LOOKUP's KV scan) shared by the
// kinds that need it.
package queryexec

import "github.com/healer-ai/p8fs/pkg/remtypes"

// Kind discriminates the five plan shapes a QueryPlan can take.
type Kind string

const (
	KindSQL      Kind = "sql"
	KindLookup   Kind = "lookup"
	KindSearch   Kind = "search"
	KindTraverse Kind = "traverse"
	KindFuzzy    Kind = "fuzzy"
)

// defaultTraverseDepth and maxTraverseDepth bound TRAVERSE's bounded BFS,
// per the depth-default/depth-cap rule.
const (
	defaultTraverseDepth = 2
	maxTraverseDepth     = 4

	// unsetDepth is the sentinel QueryPlan.TraverseDepth value meaning "the
	// caller did not specify a depth" — distinct from an explicit 0, which
	// means "resolve the start node only, walk no edges."
	unsetDepth = -1

	defaultFuzzyThreshold = 0.5
	defaultFuzzyPerTermCap = 5
	defaultSearchLimit     = 10
)

// UnsetDepth is exported so callers building a QueryPlan can request the
// default depth explicitly rather than guessing at the sentinel value.
const UnsetDepth = unsetDepth

// QueryPlan is a tagged union: exactly one group of fields is meaningful,
// selected by Kind. Table is shared by SQL and SEARCH since both name a
// concrete entity table.
type QueryPlan struct {
	Kind Kind

	// SQL fields.
	Table   string
	Where   Where
	OrderBy []string
	Limit   int

	// LOOKUP fields. LookupTable, if non-empty, filters the KV scan to
	// mappings whose TableName matches — any other mapping under the same
	// prefix is skipped rather than erroring.
	LookupKey   string
	LookupTable string

	// SEARCH fields.
	SearchField     string
	SearchText      string
	SearchMetric    remtypes.Metric
	SearchThreshold float64
	SearchLimit     int

	// TRAVERSE fields. TraverseStart is either a LOOKUP key (a
	// human-readable name) or, when TraverseStartIsEntityID is true, an
	// entity id within Table — both are resolved to the same thing: the
	// graph label the resolved row was merged under.
	TraverseStart           string
	TraverseStartIsEntityID bool
	TraverseRelTypes        []string
	TraverseDepth           int

	// FUZZY fields.
	FuzzyTerms      []string
	FuzzyThreshold  float64
	FuzzyPerTermCap int
}

// Where mirrors remstore.Where — a named ":placeholder"-style clause
// fragment, ANDed onto the mandatory tenant_id predicate by the store.
type Where struct {
	Clause string
	Args   map[string]any
}

// normalizedDepth resolves TraverseDepth against the unset sentinel, the
// default, and the cap.
func (p QueryPlan) normalizedDepth() int {
	d := p.TraverseDepth
	if d == unsetDepth {
		return defaultTraverseDepth
	}
	if d < 0 {
		return 0
	}
	if d > maxTraverseDepth {
		return maxTraverseDepth
	}
	return d
}

func (p QueryPlan) normalizedFuzzyThreshold() float64 {
	if p.FuzzyThreshold <= 0 {
		return defaultFuzzyThreshold
	}
	return p.FuzzyThreshold
}

func (p QueryPlan) normalizedFuzzyPerTermCap() int {
	if p.FuzzyPerTermCap <= 0 {
		return defaultFuzzyPerTermCap
	}
	return p.FuzzyPerTermCap
}

func (p QueryPlan) normalizedSearchLimit() int {
	if p.SearchLimit <= 0 {
		return defaultSearchLimit
	}
	return p.SearchLimit
}
