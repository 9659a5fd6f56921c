package planner

import (
	"testing"

	"github.com/relplan/relplan/nodes"
	"github.com/stretchr/testify/require"
)

// TestDeepCorrelationBindsAtOwner plans a sub-select two levels deep whose
// filter reaches past its parent straight to the outermost query. The param
// slot must be owned by the outermost scope, so the middle sub-plan carries
// it as an external param rather than a per-call argument of its own.
func TestDeepCorrelationBindsAtOwner(t *testing.T) {
	// SELECT id FROM emp
	// WHERE salary < (SELECT id FROM dept
	//                 WHERE id < emp.dept
	//                   AND id < (SELECT v FROM remote WHERE id < emp.salary))
	deep := selectQuery("remote", entries(tv(1, 2)), ltE(tv(1, 1), outerVar(1, 3, 2)))
	mid := selectQuery("dept", entries(tv(1, 1)),
		nodes.MakeAnd([]nodes.Expr{
			ltE(tv(1, 1), outerVar(1, 2, 1)),
			ltE(tv(1, 1), scalarSL(deep)),
		}))
	stmt := empWhere(t, ltE(tv(1, 3), scalarSL(mid)), Options{})

	require.Len(t, stmt.SubPlans, 2)
	inner, outer := stmt.SubPlans[0], stmt.SubPlans[1]

	// The deep sub-plan's only correlation is owned two scopes up, so it
	// takes no per-call arguments of its own.
	require.Empty(t, inner.ParParam)
	require.Len(t, inner.SetParam, 1)

	// The middle sub-plan is fed both outer columns per call: its own
	// correlation on emp.dept and the ride-through for emp.salary.
	require.Len(t, outer.ParParam, 2)
	sources := map[int]bool{}
	for _, arg := range outer.Args {
		v, ok := arg.(*nodes.Var)
		require.True(t, ok, "arg should be an outer column, got %T", arg)
		require.Equal(t, 1, v.RelIndex)
		require.Equal(t, 0, v.LevelsUp)
		sources[v.Col] = true
	}
	require.True(t, sources[2] && sources[3], "expected emp.dept and emp.salary, got %v", sources)

	// Both params come from outside the middle plan tree.
	ext := outer.Plan.Common().ExtParam
	for _, id := range outer.ParParam {
		require.True(t, ext.Contains(id), "param %d missing from ext set %s", id, ext)
	}
}

// TestBindingReuse checks that two references to the same outer column
// inside one sub-select share one param slot, while a second sub-select
// reading the same column gets a slot of its own.
func TestBindingReuse(t *testing.T) {
	subA := selectQuery("dept", entries(tv(1, 1)),
		nodes.MakeAnd([]nodes.Expr{
			ltE(tv(1, 1), outerVar(1, 2, 1)),
			notE(eqE(tv(1, 1), outerVar(1, 2, 1))),
		}))
	subB := selectQuery("proj", entries(tv(1, 1)), ltE(tv(1, 2), outerVar(1, 2, 1)))
	qual := nodes.MakeAnd([]nodes.Expr{
		ltE(tv(1, 3), scalarSL(subA)),
		ltE(tv(1, 3), scalarSL(subB)),
	})
	stmt := empWhere(t, qual, Options{})

	require.Len(t, stmt.SubPlans, 2)
	a, b := stmt.SubPlans[0], stmt.SubPlans[1]
	require.Len(t, a.ParParam, 1, "both reads of emp.dept share one slot")
	require.Len(t, b.ParParam, 1)
	require.NotEqual(t, a.ParParam[0], b.ParParam[0],
		"each sub-plan is fed through its own slot")
	require.Equal(t, 2, stmt.NextParamID)
}

// TestLateralParamRidesAboveIntermediateJoin plans a lateral sub-query three
// relations wide. The pairing of dept with the lateral cannot bind emp's
// column itself, so the requirement must ride up the join path until emp sits
// on the outer side, where one nest loop supplies it.
func TestLateralParamRidesAboveIntermediateJoin(t *testing.T) {
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

	var supplied []nodes.NestLoopParam
	var walkPlan func(p nodes.Plan)
	walkPlan = func(p nodes.Plan) {
		if p == nil {
			return
		}
		if nl, ok := p.(*nodes.NestLoop); ok {
			supplied = append(supplied, nl.NestParams...)
		}
		walkPlan(p.Common().Left)
		walkPlan(p.Common().Right)
	}
	walkPlan(stmt.PlanTree)
	require.Len(t, supplied, 1)
	require.Equal(t, 1, supplied[0].Value.RelIndex)
	require.Equal(t, 2, supplied[0].Value.Col)
}

// TestLateralNestLoopParams plans a lateral sub-query and checks the
// nest-loop passes the sibling column through a param the loop itself
// supplies.
func TestLateralNestLoopParams(t *testing.T) {
	lat := selectQuery("dept", entries(tv(1, 1)), eqE(tv(1, 1), outerVar(1, 2, 1)))
	q := &nodes.Query{
		RangeTable: []nodes.RangeTblEntry{
			relRTE("emp"),
			&nodes.SubqueryRTE{Alias: "d", Subquery: lat},
		},
		JoinTree:   fromExpr(nil, rtr(1), rtr(2)),
		TargetList: entries(tv(1, 1), tv(2, 1)),
	}
	stmt := mustPlan(t, q, Options{})

	nl, ok := topJoin(t, stmt.PlanTree).(*nodes.NestLoop)
	require.True(t, ok, "a parameterized inner side forces a nested loop")
	require.Len(t, nl.NestParams, 1)
	np := nl.NestParams[0]
	require.Equal(t, 1, np.Value.RelIndex)
	require.Equal(t, 2, np.Value.Col)

	// The loop supplies the slot: external from the inner side's view,
	// absorbed at the join.
	require.True(t, nl.Right.Common().ExtParam.Contains(np.ParamID))
	require.False(t, nl.ExtParam.Contains(np.ParamID))
	require.Equal(t, 1, stmt.NextParamID)
}
