package planner

import (
	"testing"

	"github.com/relplan/relplan/nodes"
	"github.com/stretchr/testify/require"
)

// TestFinalizeInitPlanParams checks the root's param bookkeeping around an
// initplan: the output slot shows up in AllParam (something below reads it)
// but not in ExtParam (the initplan itself supplies it).
func TestFinalizeInitPlanParams(t *testing.T) {
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), ci(7)))
	stmt := empWhere(t, existsSL(sub), Options{DisableSublinkPullup: true})

	root := stmt.PlanTree.Common()
	require.Len(t, root.InitPlans, 1)
	out := root.InitPlans[0].SetParam[0]
	require.True(t, root.AllParam.Contains(out))
	require.False(t, root.ExtParam.Contains(out))
	require.True(t, root.ExtParam.Empty(), "a finished plan needs nothing from outside")
}

// TestFinalizeCorrelatedSubPlanParams checks a per-row sub-plan: the args
// are evaluated at the referencing node, so its param needs are absorbed
// there and nothing escapes the root.
func TestFinalizeCorrelatedSubPlanParams(t *testing.T) {
	sub := selectQuery("dept", entries(tv(1, 1)), ltE(tv(1, 1), outerVar(1, 2, 1)))
	stmt := empWhere(t, ltE(tv(1, 3), scalarSL(sub)), Options{})

	require.Len(t, stmt.SubPlans, 1)
	sp := stmt.SubPlans[0]
	pid := sp.ParParam[0]

	// Inside the sub-plan's tree the slot is external.
	require.True(t, sp.Plan.Common().ExtParam.Contains(pid))

	root := stmt.PlanTree.Common()
	require.True(t, root.ExtParam.Empty())
	require.True(t, root.AllParam.Empty(),
		"a per-call arg is supplied at the reference, not above the root")
}

// TestFinalizeModifyTableEpqParam checks DML: the revalidation slot is
// self-supplied at the modify node.
func TestFinalizeModifyTableEpqParam(t *testing.T) {
	q := selectQuery("emp", entries(tv(1, 1)), eqE(tv(1, 1), ci(3)))
	q.Command = nodes.CmdDelete
	q.ResultRel = 1
	stmt := mustPlan(t, q, Options{})

	mt := stmt.PlanTree.(*nodes.ModifyTable)
	require.True(t, mt.ExtParam.Empty())
	require.False(t, mt.ExtParam.Contains(mt.EPQParam))
}

// TestFinalizeGatherInitPlanPlacement runs a parallel plan alongside an
// uncorrelated sub-select: the initplan must attach above the gather, never
// inside the worker sub-tree.
func TestFinalizeGatherInitPlanPlacement(t *testing.T) {
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), ci(7)))
	stmt := empWhere(t, existsSL(sub),
		Options{ParallelWorkers: 2, Cost: freeGatherCost{}, DisableSublinkPullup: true})

	var sawGather bool
	var walk func(p nodes.Plan, belowGather bool)
	walk = func(p nodes.Plan, belowGather bool) {
		if p == nil {
			return
		}
		pc := p.Common()
		if belowGather {
			require.Empty(t, pc.InitPlans, "initplan below a gather at %T", p)
		}
		if _, ok := p.(*nodes.Gather); ok {
			sawGather = true
			belowGather = true
		}
		walk(pc.Left, belowGather)
		walk(pc.Right, belowGather)
	}
	walk(stmt.PlanTree, false)
	require.True(t, sawGather, "expected a parallel plan")
}

// TestFinalizeNestLoopAbsorbsParams re-checks the lateral case at one more
// depth: a lateral sub-query nested under another join still resolves its
// slot at the nest loop that owns the driving row.
func TestFinalizeNestLoopAbsorbsParams(t *testing.T) {
	lat := selectQuery("proj", entries(tv(1, 1)), eqE(tv(1, 2), outerVar(1, 2, 1)))
	q := &nodes.Query{
		RangeTable: []nodes.RangeTblEntry{
			relRTE("emp"),
			relRTE("dept"),
			&nodes.SubqueryRTE{Alias: "p", Subquery: lat},
		},
		JoinTree:   fromExpr(eqE(tv(1, 2), tv(2, 1)), rtr(1), rtr(2), rtr(3)),
		TargetList: entries(tv(1, 1), tv(3, 1)),
	}
	stmt := mustPlan(t, q, Options{})

	root := stmt.PlanTree.Common()
	require.True(t, root.ExtParam.Empty())

	var nl *nodes.NestLoop
	var find func(p nodes.Plan)
	find = func(p nodes.Plan) {
		if p == nil || nl != nil {
			return
		}
		if n, ok := p.(*nodes.NestLoop); ok && len(n.NestParams) > 0 {
			nl = n
			return
		}
		pc := p.Common()
		find(pc.Left)
		find(pc.Right)
	}
	find(stmt.PlanTree)
	require.NotNil(t, nl, "some nest loop must feed the lateral sub-query")
	require.True(t, nl.Right.Common().ExtParam.Contains(nl.NestParams[0].ParamID))
	require.False(t, nl.ExtParam.Contains(nl.NestParams[0].ParamID))
}
