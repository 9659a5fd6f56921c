package planner

import (
	"fmt"

	"github.com/relplan/relplan/nodes"
	"go.uber.org/zap"
)

// processCtes resolves every WITH-list entry of a scope before anything can
// reference it: recursive CTEs become a RecursiveUnion initplan, and plain
// ones are either inlined into their reference sites as sub-queries in FROM
// or materialized once as an initplan all references share. Multiply
// referenced CTEs without a forced mode get the cheaper of the two by cost.
func processCtes(sc *scope) {
	for _, cte := range sc.query.CTEs {
		if cte.Recursive {
			planRecursiveCte(sc, cte)
			continue
		}
		volatile := cteHasVolatile(cte.Query)
		if cte.RefCount == 0 && !volatile {
			continue
		}
		inlinable := cte.Materialize != nodes.CTEMaterializeAlways && !volatile

		if inlinable && (cte.Materialize == nodes.CTEMaterializeNever || cte.RefCount == 1) {
			inlineCTERefs(sc.query, cte.Name, 0, cte.Query)
			continue
		}
		if !inlinable || cte.RefCount == 0 {
			materializeCte(sc, cte)
			continue
		}

		// Multiply referenced with no forced mode: materialize once to
		// learn the plan cost, then compare. Inlining each reference
		// costs roughly half the standalone plan per copy, since the
		// enclosing query gets to optimize through it.
		cp := materializeCte(sc, cte)
		refs := float64(cte.RefCount)
		inlineCost := 0.5 * cp.subplan.PerCallCost * refs
		materialCost := cp.subplan.PerCallCost + sc.sess.cost.TupleCost()*cp.rows*refs
		sc.sess.log.Debug("cte cost decision",
			zap.String("cte", cte.Name),
			zap.Int("refcount", cte.RefCount),
			zap.Float64("inline", inlineCost),
			zap.Float64("materialize", materialCost))
		if inlineCost < materialCost {
			abandonCtePlan(sc, cp)
			inlineCTERefs(sc.query, cte.Name, 0, cte.Query)
		}
	}
}

func cteHasVolatile(q *nodes.Query) bool {
	found := false
	nodes.VisitQueryExprs(q, func(e nodes.Expr) bool {
		if nodes.ContainsVolatile(e) {
			found = true
		}
		return !found
	})
	if found {
		return true
	}
	for _, rte := range q.RangeTable {
		if sub, ok := rte.(*nodes.SubqueryRTE); ok && cteHasVolatile(sub.Subquery) {
			return true
		}
	}
	return false
}

// materializeCte plans the CTE body once as a child scope and registers the
// resulting initplan plus its signaling param. The body must not be
// correlated with its parent; correlation reaching here is an analyzer
// defect, not a fallback case.
func materializeCte(sc *scope, cte *nodes.CommonTableExpr) *ctePlan {
	checkpoint := len(sc.planParams)
	child := sc.sess.planScope(nodes.CopyQuery(cte.Query), sc.idx)
	if len(sc.planParams) != checkpoint {
		impossible("CTE %q requested %d parameters from its parent",
			cte.Name, len(sc.planParams)-checkpoint)
	}

	cteParam := bindSpecial(sc)
	pc := child.plan.Common()
	sp := &nodes.SubPlan{
		LinkType:    nodes.CTESubLink,
		Plan:        child.plan,
		SetParam:    []int{cteParam},
		StartupCost: pc.StartupCost,
		PerCallCost: pc.TotalCost,
	}
	sc.sess.registerSubplan(sp)
	sp.PlanName = fmt.Sprintf("CTE %s", cte.Name)
	sc.initPlans = append(sc.initPlans, sp)

	cp := &ctePlan{
		name:     cte.Name,
		subplan:  sp,
		cteParam: cteParam,
		cols:     cteCols(cte.Query),
		rows:     pc.Rows,
	}
	sc.ctePlans = append(sc.ctePlans, cp)
	return cp
}

// abandonCtePlan withdraws a materialization that lost the cost comparison.
// The child scope and registered subplan stay in the session arena; nothing
// will reference them.
func abandonCtePlan(sc *scope, cp *ctePlan) {
	for i, sp := range sc.initPlans {
		if sp == cp.subplan {
			sc.initPlans = append(sc.initPlans[:i], sc.initPlans[i+1:]...)
			break
		}
	}
	for i, c := range sc.ctePlans {
		if c == cp {
			sc.ctePlans = append(sc.ctePlans[:i], sc.ctePlans[i+1:]...)
			break
		}
	}
}

func cteCols(q *nodes.Query) []ColInfo {
	cols := make([]ColInfo, len(q.TargetList))
	for i, te := range q.TargetList {
		cols[i] = ColInfo{Name: te.Name, Type: nodes.TypeOf(te.Expr)}
	}
	return cols
}

// planRecursiveCte rewrites WITH RECURSIVE into a RecursiveUnion initplan:
// the body must be a two-armed UNION whose right arm reads the CTE through
// its self-reference; the self-reference becomes a work-table scan sharing
// the union's signaling param.
func planRecursiveCte(sc *scope, cte *nodes.CommonTableExpr) {
	body := cte.Query
	setOp := body.SetOp
	if setOp == nil || setOp.Op != nodes.SetOpUnion {
		impossible("recursive CTE %q is not a UNION of two terms", cte.Name)
	}
	nonRec := setOpArmQuery(body, setOp.Left, cte.Name)
	rec := setOpArmQuery(body, setOp.Right, cte.Name)

	wtParam := bindSpecial(sc)
	colTypes := make([]nodes.Type, len(nonRec.TargetList))
	for i, te := range nonRec.TargetList {
		colTypes[i] = nodes.TypeOf(te.Expr)
	}

	checkpoint := len(sc.planParams)
	left := sc.sess.planScope(nodes.CopyQuery(nonRec), sc.idx)

	recCopy := nodes.CopyQuery(rec)
	replaceSelfReferences(recCopy, cte.Name, colTypes)
	saved := sc.wtParam
	sc.wtParam = wtParam
	right := sc.sess.planScope(recCopy, sc.idx)
	sc.wtParam = saved

	if len(sc.planParams) != checkpoint {
		impossible("recursive CTE %q requested %d parameters from its parent",
			cte.Name, len(sc.planParams)-checkpoint)
	}

	lc, rc := left.plan.Common(), right.plan.Common()
	ru := &nodes.RecursiveUnion{WTParam: wtParam, UnionAll: setOp.All}
	ru.Left = left.plan
	ru.Right = right.plan
	ru.StartupCost = lc.StartupCost
	// The recursive term reruns until it produces nothing; ten iterations
	// is the conventional guess.
	ru.TotalCost = lc.TotalCost + 10*rc.TotalCost
	ru.Rows = clampRows(lc.Rows + 10*rc.Rows)
	ru.Width = lc.Width

	cteParam := bindSpecial(sc)
	sp := &nodes.SubPlan{
		LinkType:    nodes.CTESubLink,
		Plan:        ru,
		SetParam:    []int{cteParam},
		StartupCost: ru.StartupCost,
		PerCallCost: ru.TotalCost,
	}
	sc.sess.registerSubplan(sp)
	sp.PlanName = fmt.Sprintf("CTE %s", cte.Name)
	sc.initPlans = append(sc.initPlans, sp)

	cols := make([]ColInfo, len(nonRec.TargetList))
	for i, te := range nonRec.TargetList {
		cols[i] = ColInfo{Name: te.Name, Type: colTypes[i]}
	}
	sc.ctePlans = append(sc.ctePlans, &ctePlan{
		name:     cte.Name,
		subplan:  sp,
		cteParam: cteParam,
		cols:     cols,
		rows:     ru.Rows,
	})
}

// setOpArmQuery resolves one UNION arm of a recursive CTE body to its
// sub-query.
func setOpArmQuery(body *nodes.Query, arm nodes.SetOpNode, cteName string) *nodes.Query {
	ref, ok := arm.(*nodes.SetOpRangeTblRef)
	if !ok {
		impossible("recursive CTE %q has a nested set operation for a term", cteName)
	}
	if ref.Index < 1 || ref.Index > len(body.RangeTable) {
		impossible("recursive CTE %q term index %d out of range", cteName, ref.Index)
	}
	sub, ok := body.RangeTable[ref.Index-1].(*nodes.SubqueryRTE)
	if !ok {
		impossible("recursive CTE %q term %d is not a sub-query", cteName, ref.Index)
	}
	return sub.Subquery
}

// replaceSelfReferences substitutes work-table scans for the recursive
// term's self-references, at any nesting depth.
func replaceSelfReferences(q *nodes.Query, name string, colTypes []nodes.Type) {
	var walk func(q *nodes.Query, depth int)
	walk = func(q *nodes.Query, depth int) {
		for i, rte := range q.RangeTable {
			switch t := rte.(type) {
			case *nodes.CTERTE:
				if t.SelfReference && t.Name == name && t.LevelsUp == depth+1 {
					q.RangeTable[i] = &nodes.WorkTableRTE{Name: name, ColTypes: colTypes}
				}
			case *nodes.SubqueryRTE:
				walk(t.Subquery, depth+1)
			}
		}
		nodes.VisitQueryExprs(q, func(e nodes.Expr) bool {
			if sl, ok := e.(*nodes.SubLink); ok {
				walk(sl.Subselect, depth+1)
			}
			return true
		})
		for _, inner := range q.CTEs {
			walk(inner.Query, depth+1)
		}
	}
	walk(q, 0)
}

// inlineCTERefs substitutes a copy of the CTE body for every reference,
// however deeply nested. depth tracks how many query levels separate the
// reference from the level defining the CTE, so the copy's own outward
// references stay aimed at the right levels.
func inlineCTERefs(q *nodes.Query, name string, depth int, body *nodes.Query) {
	for i, rte := range q.RangeTable {
		switch t := rte.(type) {
		case *nodes.CTERTE:
			if t.Name == name && t.LevelsUp == depth && !t.SelfReference {
				sub := nodes.CopyQuery(body)
				if depth > 0 {
					shiftCorrelation(sub, depth)
				}
				q.RangeTable[i] = &nodes.SubqueryRTE{Alias: name, Subquery: sub}
			}
		case *nodes.SubqueryRTE:
			inlineCTERefs(t.Subquery, name, depth+1, body)
		}
	}
	nodes.VisitQueryExprs(q, func(e nodes.Expr) bool {
		if sl, ok := e.(*nodes.SubLink); ok {
			inlineCTERefs(sl.Subselect, name, depth+1, body)
		}
		return true
	})
	for _, inner := range q.CTEs {
		inlineCTERefs(inner.Query, name, depth+1, body)
	}
}

// shiftCorrelation renumbers every reference escaping q by `by` extra hops,
// used when a query written at one nesting level is grafted in `by` levels
// deeper.
func shiftCorrelation(q *nodes.Query, by int) {
	var walk func(q *nodes.Query, depth int)
	walk = func(q *nodes.Query, depth int) {
		nodes.VisitQueryExprs(q, func(e nodes.Expr) bool {
			switch t := e.(type) {
			case *nodes.Var:
				if t.LevelsUp > depth {
					t.LevelsUp += by
				}
			case *nodes.PlaceHolderVar:
				if t.LevelsUp > depth {
					t.LevelsUp += by
				}
			case *nodes.Aggref:
				if t.LevelsUp > depth {
					t.LevelsUp += by
				}
			case *nodes.GroupingFunc:
				if t.LevelsUp > depth {
					t.LevelsUp += by
				}
			case *nodes.SubLink:
				walk(t.Subselect, depth+1)
			}
			return true
		})
		for _, rte := range q.RangeTable {
			switch t := rte.(type) {
			case *nodes.SubqueryRTE:
				walk(t.Subquery, depth+1)
			case *nodes.CTERTE:
				if t.LevelsUp > depth {
					t.LevelsUp += by
				}
			}
		}
		for _, cte := range q.CTEs {
			walk(cte.Query, depth+1)
		}
	}
	walk(q, 0)
}
