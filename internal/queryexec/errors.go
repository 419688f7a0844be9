package queryexec

import "errors"

// ErrInvalidPlan is returned when a QueryPlan is missing a field its Kind
// requires, or names an unrecognized Kind.
var ErrInvalidPlan = errors.New("queryexec: invalid query plan")

// ErrNotFound is returned when a TRAVERSE plan's start identifier does not
// resolve to any row or graph label within the tenant's subgraph.
var ErrNotFound = errors.New("queryexec: not found")

// ErrDimensionMismatch is returned by SEARCH when the configured embedding
// provider produces a vector whose dimension does not match what it reports
// via Dimensions() — a fatal configuration error reported to the caller
// rather than silently truncated or padded.
var ErrDimensionMismatch = errors.New("queryexec: embedding dimension mismatch")
