// Package planner implements the query-plan search and sub-query
// normalization engine: given an analyzed query tree it chooses a physical
// plan, rewriting sub-selects into joins, hashed sub-plans, or initplans,
// binding cross-scope parameters, and validating the finished tree.
package planner

import "github.com/cockroachdb/errors"

// ErrPlanDepthExceeded is returned when query nesting exceeds
// Options.MaxPlanDepth. It is a resource limit, not a planner defect.
var ErrPlanDepthExceeded = errors.New("planner: query nesting too deep")

// impossible reports a violated planner invariant. Such conditions are
// defects in the engine, never user errors; they abort planning via panic and
// are converted to errors at the Plan entry point. They must not be masked:
// a "best effort" plan with a broken parameter contract returns wrong rows.
func impossible(format string, args ...interface{}) {
	panic(errors.AssertionFailedf("planner: "+format, args...))
}
