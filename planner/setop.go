package planner

import (
	"github.com/relplan/relplan/nodes"
)

// planSetOps plans a set-operation query level. Each leaf is a sub-query
// range-table entry planned as its own scope; UNION concatenates (with a
// hashed deduplication stage unless ALL), INTERSECT and EXCEPT run through
// the SetOp node. Every arm's scan publishes its rows under the leftmost
// leaf's range-table index, so the level's target list resolves for rows
// from any arm.
func planSetOps(sc *scope) nodes.Plan {
	leftmost := leftmostSetOpLeaf(sc.query.SetOp)
	return planSetOpNode(sc, sc.query.SetOp, leftmost)
}

func leftmostSetOpLeaf(n nodes.SetOpNode) int {
	for {
		switch t := n.(type) {
		case *nodes.SetOpRangeTblRef:
			return t.Index
		case *nodes.SetOpExpr:
			n = t.Left
		default:
			impossible("unhandled set-operation node %T", n)
		}
	}
}

func planSetOpNode(sc *scope, n nodes.SetOpNode, outIndex int) nodes.Plan {
	switch t := n.(type) {
	case *nodes.SetOpRangeTblRef:
		return planSetOpLeaf(sc, t.Index, outIndex)
	case *nodes.SetOpExpr:
		left := planSetOpNode(sc, t.Left, outIndex)
		right := planSetOpNode(sc, t.Right, outIndex)
		lc, rc := left.Common(), right.Common()
		switch t.Op {
		case nodes.SetOpUnion:
			ap := &nodes.Append{Subplans: []nodes.Plan{left, right}}
			ap.StartupCost = lc.StartupCost
			ap.TotalCost = lc.TotalCost + rc.TotalCost
			ap.Rows = lc.Rows + rc.Rows
			ap.Width = lc.Width
			if t.All {
				return ap
			}
			return dedupOverAllColumns(sc, ap, outIndex)
		case nodes.SetOpIntersect, nodes.SetOpExcept:
			op := &nodes.SetOp{Op: t.Op, All: t.All}
			op.Left = left
			op.Right = right
			op.StartupCost = lc.TotalCost + rc.TotalCost
			op.TotalCost = op.StartupCost + lc.Rows*sc.sess.cost.TupleCost()
			op.Rows = clampRows(lc.Rows / 2)
			op.Width = lc.Width
			return op
		}
		impossible("unhandled set-operation kind %s", t.Op)
	}
	impossible("unhandled set-operation node %T", n)
	return nil
}

func planSetOpLeaf(sc *scope, rti, outIndex int) nodes.Plan {
	rte, ok := sc.query.RangeTable[rti-1].(*nodes.SubqueryRTE)
	if !ok {
		impossible("set-operation leaf %d is not a sub-query", rti)
	}
	checkpoint := len(sc.planParams)
	child := sc.sess.planScope(rte.Subquery, sc.idx)
	if len(sc.planParams) != checkpoint {
		impossible("set-operation arm %d is correlated with its own level", rti)
	}
	pc := child.plan.Common()
	scan := &nodes.SubqueryScan{RelIndex: outIndex}
	scan.Left = child.plan
	scan.StartupCost, scan.TotalCost = sc.sess.cost.SubqueryScanCost(pc.StartupCost, pc.TotalCost, pc.Rows)
	scan.Rows = pc.Rows
	scan.Width = pc.Width
	return scan
}

// dedupOverAllColumns hashes the input on every output column, implementing
// UNION's distinctness.
func dedupOverAllColumns(sc *scope, input nodes.Plan, outIndex int) nodes.Plan {
	ic := input.Common()
	q := sc.query
	group := make([]nodes.Expr, len(q.TargetList))
	for i := range q.TargetList {
		group[i] = &nodes.Var{RelIndex: outIndex, Col: i + 1, ColType: nodes.TypeOf(q.TargetList[i].Expr)}
	}
	numGroups := clampRows(ic.Rows / 2)
	agg := &nodes.Agg{Strategy: nodes.AggHashed, GroupExprs: group}
	agg.Left = input
	agg.StartupCost, agg.TotalCost = sc.sess.cost.AggCost(nodes.AggHashed, ic.StartupCost, ic.TotalCost, ic.Rows, numGroups)
	agg.Rows = numGroups
	agg.Width = ic.Width
	return agg
}
