package planner

import (
	"github.com/relplan/relplan/nodes"
)

// This file decides which upper-level quals may be pushed into a sub-query
// in FROM before that sub-query is planned, and performs the rewrite. A
// pushed qual filters earlier, which is a pure win, but several sub-query
// shapes make it unsafe: the qual would then see rows the sub-query's own
// semantics are supposed to remove first, or vice versa.

// pushdownSafety is the per-sub-query analysis shared by all candidate
// quals; unsafeCols marks output columns (1-based) no qual may reference.
type pushdownSafety struct {
	unsafeAll  bool
	unsafeCols map[int]bool
}

// analyzePushdownSafety inspects a sub-query once. It returns nil when
// nothing can ever be pushed into it.
func analyzePushdownSafety(sub *nodes.Query) *pushdownSafety {
	// A LIMIT (or OFFSET) must see exactly the unfiltered row stream.
	if sub.LimitCount != nil || sub.LimitOffset != nil {
		return nil
	}
	safety := &pushdownSafety{unsafeCols: make(map[int]bool)}
	markUnsafeColumns(sub, safety)
	markSetOpUnsafety(sub, safety)
	return safety
}

// markUnsafeColumns flags output columns whose contents would change if
// rows were removed early: set-returning or volatile targets, columns
// outside a DISTINCT ON list, and columns outside every window PARTITION BY.
func markUnsafeColumns(sub *nodes.Query, safety *pushdownSafety) {
	for i, te := range sub.TargetList {
		col := i + 1
		if nodes.ContainsSetReturning(te.Expr) || nodes.ContainsVolatile(te.Expr) {
			safety.unsafeCols[col] = true
		}
		if _, ok := te.Expr.(*nodes.WindowFunc); ok {
			safety.unsafeCols[col] = true
		}
	}
	if len(sub.DistinctOnRefs) > 0 {
		on := make(map[int]bool)
		for _, ref := range sub.DistinctOnRefs {
			on[ref] = true
		}
		for i := range sub.TargetList {
			if !on[i] {
				safety.unsafeCols[i+1] = true
			}
		}
	}
	for _, w := range sub.WindowClauses {
		part := make(map[int]bool)
		for _, ref := range w.PartitionRefs {
			part[ref] = true
		}
		for i := range sub.TargetList {
			if !part[i] {
				safety.unsafeCols[i+1] = true
			}
		}
	}
}

// markSetOpUnsafety blocks pushdown into the EXCEPT minuend's counterpart:
// filtering the subtrahend arm would add rows to the result.
func markSetOpUnsafety(sub *nodes.Query, safety *pushdownSafety) {
	var walk func(n nodes.SetOpNode, underExcept bool)
	walk = func(n nodes.SetOpNode, underExcept bool) {
		switch t := n.(type) {
		case *nodes.SetOpExpr:
			walk(t.Left, underExcept)
			walk(t.Right, underExcept || t.Op == nodes.SetOpExcept)
		case *nodes.SetOpRangeTblRef:
			if underExcept {
				safety.unsafeAll = true
			}
		}
	}
	if sub.SetOp != nil {
		walk(sub.SetOp, false)
	}
}

// qualIsPushdownSafe decides one candidate qual against one sub-query. rti
// is the sub-query's range-table index in the outer query.
func qualIsPushdownSafe(sub *nodes.Query, rte *nodes.SubqueryRTE, rti int, qual nodes.Expr, safety *pushdownSafety) bool {
	if safety == nil || safety.unsafeAll {
		return false
	}
	// Sub-selects inside the qual would be re-planned per evaluation site;
	// not worth it and not always sound.
	if nodes.ContainsSubLinks(qual) {
		return false
	}
	if nodes.ContainsVolatile(qual) &&
		(sub.Distinct || len(sub.DistinctOnRefs) > 0 || len(sub.WindowClauses) > 0 || hasSetReturningTarget(sub)) {
		// A volatile qual must run exactly once per output row of the
		// sub-query's final row set.
		return false
	}
	if rte.SecurityBarrier && nodes.ContainsLeaky(qual) {
		return false
	}
	safe := true
	nodes.WalkExpr(qual, func(n nodes.Expr) bool {
		if v, ok := n.(*nodes.Var); ok && v.LevelsUp == 0 && v.RelIndex == rti {
			if v.Col == 0 {
				// Whole-row reference: cannot be rewritten column-wise.
				safe = false
				return false
			}
			if safety.unsafeCols[v.Col] {
				safe = false
				return false
			}
		}
		return true
	})
	return safe
}

func hasSetReturningTarget(sub *nodes.Query) bool {
	for _, te := range sub.TargetList {
		if nodes.ContainsSetReturning(te.Expr) {
			return true
		}
	}
	return false
}

// pushQualIntoSubquery rewrites a safe qual in terms of the sub-query's own
// target expressions and installs it in the sub-query's WHERE clause, or
// HAVING when the sub-query aggregates, recursing across set-operation arms.
func pushQualIntoSubquery(sub *nodes.Query, rti int, qual nodes.Expr) {
	if sub.SetOp != nil {
		var walk func(n nodes.SetOpNode)
		walk = func(n nodes.SetOpNode) {
			switch t := n.(type) {
			case *nodes.SetOpExpr:
				walk(t.Left)
				walk(t.Right)
			case *nodes.SetOpRangeTblRef:
				arm, ok := sub.RangeTable[t.Index-1].(*nodes.SubqueryRTE)
				if !ok {
					impossible("set-operation leaf %d is not a sub-query", t.Index)
				}
				pushQualIntoSubquery(arm.Subquery, t.Index, substituteTargets(qual, rti, sub.TargetList))
			}
		}
		// Rewrite against the set-op output targets, which are Vars onto
		// each arm; recursion substitutes per arm.
		walk(sub.SetOp)
		return
	}

	rewritten := substituteTargets(qual, rti, sub.TargetList)
	if sub.HasAggs || len(sub.GroupRefs) > 0 {
		sub.HavingQual = andQual(sub.HavingQual, rewritten)
		return
	}
	if sub.JoinTree == nil {
		sub.JoinTree = &nodes.FromExpr{}
	}
	sub.JoinTree.Quals = andQual(sub.JoinTree.Quals, rewritten)
}

// substituteTargets clones qual, replacing each Var referencing sub-query
// output column k with the sub-query's k-th target expression.
func substituteTargets(qual nodes.Expr, rti int, targets []nodes.TargetEntry) nodes.Expr {
	clone := nodes.CopyExpr(qual)
	return nodes.MutateExpr(clone, func(n nodes.Expr) (nodes.Expr, bool) {
		if v, ok := n.(*nodes.Var); ok && v.LevelsUp == 0 && v.RelIndex == rti {
			if v.Col < 1 || v.Col > len(targets) {
				impossible("pushdown references output column %d of a %d-column sub-query", v.Col, len(targets))
			}
			return nodes.CopyExpr(targets[v.Col-1].Expr), true
		}
		return nil, false
	})
}

func andQual(existing, extra nodes.Expr) nodes.Expr {
	if existing == nil {
		return extra
	}
	if extra == nil {
		return existing
	}
	return nodes.MakeAnd(append(nodes.AndClauses(existing), nodes.AndClauses(extra)...))
}
