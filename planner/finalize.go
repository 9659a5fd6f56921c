package planner

import (
	"github.com/relplan/relplan/intset"
	"github.com/relplan/relplan/nodes"
)

// finalizePlan stamps ExtParam and AllParam over the finished tree in one
// post-order pass and verifies that every exec param referenced at a node is
// supplied somewhere above it. valid is the set of param ids an enclosing
// plan guarantees to have set before this tree runs.
func finalizePlan(s *Session, plan nodes.Plan, valid intset.Set) intset.Set {
	return finalizeNode(s, plan, valid)
}

// finalizeNode returns the node's ExtParam: the params referenced at or
// below it that the node does not itself supply.
func finalizeNode(s *Session, plan nodes.Plan, valid intset.Set) intset.Set {
	if plan == nil {
		return intset.Set{}
	}
	pc := plan.Common()
	valid = valid.Copy()

	// Attached initplans run before the node; each one's outputs become
	// valid for its later siblings, the node itself, and everything below.
	var all intset.Set
	for _, sp := range pc.InitPlans {
		all.UnionWith(finalizeSubPlanRef(s, sp, valid))
		for _, id := range sp.SetParam {
			valid.Add(id)
		}
	}

	// Params the node itself sets for its descendants.
	var local intset.Set
	childValid := valid
	rightValid := valid
	switch t := plan.(type) {
	case *nodes.NestLoop:
		rightValid = valid.Copy()
		for _, np := range t.NestParams {
			local.Add(np.ParamID)
			rightValid.Add(np.ParamID)
		}
	case *nodes.RecursiveUnion:
		local.Add(t.WTParam)
		childValid = valid.Copy()
		childValid.Add(t.WTParam)
		rightValid = childValid
	case *nodes.Gather:
		local.Add(t.RescanParam)
	case *nodes.GatherMerge:
		local.Add(t.RescanParam)
	case *nodes.ModifyTable:
		local.Add(t.EPQParam)
		childValid = valid.Copy()
		childValid.Add(t.EPQParam)
		rightValid = childValid
	}

	// Params referenced by the node's own expressions.
	all.UnionWith(nodeExprParams(s, plan, valid))

	all.UnionWith(finalizeNode(s, pc.Left, childValid))
	all.UnionWith(finalizeNode(s, pc.Right, rightValid))
	if ap, ok := plan.(*nodes.Append); ok {
		for _, sub := range ap.Subplans {
			all.UnionWith(finalizeNode(s, sub, childValid))
		}
	}

	switch plan.(type) {
	case *nodes.Gather, *nodes.GatherMerge:
		// Workers cannot run another process's initplans; anything the
		// sub-tree consumes must have been computed before the Gather.
		assertNoInitPlansBelow(pc.Left)
	}

	pc.AllParam = all.Copy()
	ext := all.Copy()
	ext.DifferenceWith(local)
	for _, sp := range pc.InitPlans {
		for _, id := range sp.SetParam {
			ext.Remove(id)
		}
	}
	if !ext.SubsetOf(valid) {
		missing := ext.Difference(valid)
		impossible("plan node references params %s not supplied above it", missing)
	}
	pc.ExtParam = ext
	return ext
}

// finalizeSubPlanRef computes the external needs of one SubPlan reference:
// the params inside its argument and combining expressions plus whatever its
// plan tree consumes, minus what the reference itself supplies (ParParam
// values passed per call, SetParam outputs).
func finalizeSubPlanRef(s *Session, sp *nodes.SubPlan, valid intset.Set) intset.Set {
	subValid := valid.Copy()
	for _, id := range sp.ParParam {
		subValid.Add(id)
	}
	need := finalizeNode(s, sp.Plan, subValid)
	need = need.Copy()
	for _, e := range sp.Args {
		need.UnionWith(exprParams(s, e, valid))
	}
	need.UnionWith(exprParams(s, sp.TestExpr, valid))
	for _, id := range sp.ParParam {
		need.Remove(id)
	}
	for _, id := range sp.SetParam {
		need.Remove(id)
	}
	return need
}

// nodeExprParams scans the expressions evaluated at a node: the shared qual
// and target lists plus the node-specific ones.
func nodeExprParams(s *Session, plan nodes.Plan, valid intset.Set) intset.Set {
	pc := plan.Common()
	var ids intset.Set
	for _, q := range pc.Quals {
		ids.UnionWith(exprParams(s, q, valid))
	}
	for _, te := range pc.TargetList {
		ids.UnionWith(exprParams(s, te.Expr, valid))
	}
	switch t := plan.(type) {
	case *nodes.SampleScan:
		ids.UnionWith(exprParams(s, t.Seed, valid))
	case *nodes.ForeignScan:
		for _, e := range t.FdwExprs {
			ids.UnionWith(exprParams(s, e, valid))
		}
	case *nodes.FunctionScan:
		ids.UnionWith(exprParams(s, t.Func, valid))
	case *nodes.ValuesScan:
		for _, row := range t.Rows {
			for _, e := range row {
				ids.UnionWith(exprParams(s, e, valid))
			}
		}
	case *nodes.CteScan:
		ids.Add(t.CTEParam)
	case *nodes.WorkTableScan:
		ids.Add(t.WTParam)
	case *nodes.Result:
		for _, e := range t.OneTimeQuals {
			ids.UnionWith(exprParams(s, e, valid))
		}
	case *nodes.Sort:
		for _, k := range t.SortKeys {
			ids.UnionWith(exprParams(s, k.Expr, valid))
		}
	case *nodes.GatherMerge:
		for _, k := range t.SortKeys {
			ids.UnionWith(exprParams(s, k.Expr, valid))
		}
	case *nodes.Agg:
		for _, e := range t.GroupExprs {
			ids.UnionWith(exprParams(s, e, valid))
		}
	case *nodes.WindowAgg:
		for _, e := range t.PartitionExprs {
			ids.UnionWith(exprParams(s, e, valid))
		}
		for _, k := range t.OrderKeys {
			ids.UnionWith(exprParams(s, k.Expr, valid))
		}
	case *nodes.Limit:
		ids.UnionWith(exprParams(s, t.Offset, valid))
		ids.UnionWith(exprParams(s, t.Count, valid))
	case *nodes.NestLoop:
		for _, e := range t.JoinQuals {
			ids.UnionWith(exprParams(s, e, valid))
		}
	case *nodes.HashJoin:
		for _, e := range t.JoinQuals {
			ids.UnionWith(exprParams(s, e, valid))
		}
		for _, e := range t.HashClauses {
			ids.UnionWith(exprParams(s, e, valid))
		}
	case *nodes.MergeJoin:
		for _, e := range t.JoinQuals {
			ids.UnionWith(exprParams(s, e, valid))
		}
		for _, e := range t.MergeClauses {
			ids.UnionWith(exprParams(s, e, valid))
		}
	}
	return ids
}

// exprParams collects the exec param ids an expression consumes. SubPlan
// references contribute their full external needs; the walk never descends
// into their plan trees through the generic walker.
func exprParams(s *Session, e nodes.Expr, valid intset.Set) intset.Set {
	var ids intset.Set
	nodes.WalkExpr(e, func(n nodes.Expr) bool {
		switch t := n.(type) {
		case *nodes.Param:
			if t.Kind == nodes.ParamExec {
				ids.Add(t.ID)
			}
		case *nodes.SubPlan:
			ids.UnionWith(finalizeSubPlanRef(s, t, valid))
			return false
		case *nodes.SubLink:
			impossible("unplanned sublink survived to finalization")
		}
		return true
	})
	return ids
}

// assertNoInitPlansBelow verifies a parallel sub-tree carries no deferred
// sub-plans of its own.
func assertNoInitPlansBelow(plan nodes.Plan) {
	if plan == nil {
		return
	}
	pc := plan.Common()
	if len(pc.InitPlans) > 0 {
		impossible("initplan attached below a parallel boundary")
	}
	assertNoInitPlansBelow(pc.Left)
	assertNoInitPlansBelow(pc.Right)
	if ap, ok := plan.(*nodes.Append); ok {
		for _, sub := range ap.Subplans {
			assertNoInitPlansBelow(sub)
		}
	}
}
