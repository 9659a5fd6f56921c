package planner

import (
	"github.com/relplan/relplan/intset"
	"github.com/relplan/relplan/nodes"
)

// paramBinding records one exec param slot requested from this scope by a
// descendant scope: the normalized source expression (its own level offset
// stripped) and the allocated param id. Within one scope no two bindings
// share an equal source expression.
type paramBinding struct {
	source  nodes.Expr
	paramID int
}

// ctePlan records the materialized form of a non-inlined CTE: the initplan
// that computes it and the signaling param its scans wait on.
type ctePlan struct {
	name     string
	subplan  *nodes.SubPlan
	cteParam int
	cols     []ColInfo
	rows     float64
}

// scope is the planning state of one query nesting level. Scopes live in the
// session's arena; cross-scope references are arena indexes, never owning
// pointers, so rewrites that move trees across levels cannot dangle.
type scope struct {
	sess *Session

	idx    int // own arena index
	parent int // parent arena index, -1 at the root
	level  int // 1-based nesting depth

	query *nodes.Query

	// relArray maps 1-based range-table indexes to relation records; slot 0
	// is unused. joinRels dedupes join relations by relid-set identity.
	relArray []*RelOptInfo
	joinRels map[string]*RelOptInfo

	// planParams are bindings descendants requested from this scope. The
	// list is drained each time this scope finishes planning one immediate
	// child sub-plan; see makeSubplan.
	planParams []*paramBinding

	// initPlans are the deferred sub-plans owned by this scope, attached to
	// its topmost plan node in creation order.
	initPlans []*nodes.SubPlan

	ctePlans []*ctePlan

	// wtParam is the work-table param of a recursive scope, -1 otherwise.
	wtParam int

	sjInfos []*specialJoinInfo

	// joinQuals is the pool of multi-relation clauses the join search draws
	// from; delayedQuals are WHERE clauses touching an outer join's nullable
	// side, which cannot sink below it and apply above the final join.
	joinQuals    []nodes.Expr
	delayedQuals []nodes.Expr

	// plan is the finished plan once the scope is done.
	plan nodes.Plan
}

// specialJoinInfo pins the join order constraints introduced by an outer,
// semi, or anti join: minRight must join to (a superset of) minLeft through
// this join type, never the other way around.
type specialJoinInfo struct {
	joinType nodes.JoinType
	minLeft  intset.Set
	minRight intset.Set
	quals    []nodes.Expr
}

func (sc *scope) parentScope() *scope {
	if sc.parent < 0 {
		return nil
	}
	return sc.sess.scopes[sc.parent]
}

// ancestorAt climbs exactly levelsUp hops. Climbing past the root is a
// normalizer defect: a correlated reference escaped its valid range.
func (sc *scope) ancestorAt(levelsUp int) *scope {
	s := sc
	for i := 0; i < levelsUp; i++ {
		s = s.parentScope()
		if s == nil {
			impossible("reference climbs %d levels from level %d, past the root", levelsUp, sc.level)
		}
	}
	return s
}

// baseRel returns the relation record for a range-table index, creating it
// on first use.
func (sc *scope) baseRel(rtIndex int) *RelOptInfo {
	if rtIndex < 1 || rtIndex > len(sc.query.RangeTable) {
		impossible("range-table index %d out of bounds (1..%d)", rtIndex, len(sc.query.RangeTable))
	}
	if rel := sc.relArray[rtIndex]; rel != nil {
		return rel
	}
	rte := sc.query.RangeTable[rtIndex-1]
	rel := &RelOptInfo{
		Kind:    RelBase,
		Relids:  intset.MakeSet(rtIndex),
		RTIndex: rtIndex,
		RTE:     rte,
	}
	sc.relArray[rtIndex] = rel
	return rel
}

// addRTE appends a range-table entry created by a rewrite and returns its
// 1-based index, keeping the relation array in step.
func (sc *scope) addRTE(rte nodes.RangeTblEntry) int {
	sc.query.RangeTable = append(sc.query.RangeTable, rte)
	sc.relArray = append(sc.relArray, nil)
	return len(sc.query.RangeTable)
}

// findBaseRel returns an existing relation record; it is a defect to ask for
// one that was never built.
func (sc *scope) findBaseRel(rtIndex int) *RelOptInfo {
	if rtIndex < 1 || rtIndex > len(sc.query.RangeTable) || sc.relArray[rtIndex] == nil {
		impossible("no relation record built for range-table index %d", rtIndex)
	}
	return sc.relArray[rtIndex]
}

// findCTE resolves a CTE reference against this scope's WITH list.
func (sc *scope) findCTE(name string) *nodes.CommonTableExpr {
	for _, cte := range sc.query.CTEs {
		if cte.Name == name {
			return cte
		}
	}
	return nil
}

// findCTEPlan returns the materialized plan of a CTE, which must exist by
// the time a scan references it.
func (sc *scope) findCTEPlan(name string) *ctePlan {
	for _, cp := range sc.ctePlans {
		if cp.name == name {
			return cp
		}
	}
	impossible("CTE %q referenced before its plan was built", name)
	return nil
}
