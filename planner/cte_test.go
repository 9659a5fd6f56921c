package planner

import (
	"testing"

	"github.com/relplan/relplan/nodes"
	"github.com/stretchr/testify/require"
)

func cteRef(name string) *nodes.CTERTE {
	return &nodes.CTERTE{Name: name, ColTypes: []nodes.Type{nodes.TypeInt}}
}

func withCte(cte *nodes.CommonTableExpr) *nodes.Query {
	return &nodes.Query{
		CTEs:       []*nodes.CommonTableExpr{cte},
		RangeTable: []nodes.RangeTblEntry{cteRef(cte.Name)},
		JoinTree:   fromExpr(nil, rtr(1)),
		TargetList: entries(tv(1, 1)),
	}
}

func TestCteSingleReferenceInlines(t *testing.T) {
	stmt := mustPlan(t, withCte(&nodes.CommonTableExpr{
		Name:     "d",
		Query:    selectQuery("dept", entries(tv(1, 1)), nil),
		RefCount: 1,
	}), Options{})

	require.Empty(t, stmt.SubPlans)
	planLacks(t, stmt, "ctescan")
	planContains(t, stmt, "seqscan dept")
}

func TestCteMaterializedWhenForced(t *testing.T) {
	stmt := mustPlan(t, withCte(&nodes.CommonTableExpr{
		Name:        "d",
		Query:       selectQuery("dept", entries(tv(1, 1)), nil),
		RefCount:    1,
		Materialize: nodes.CTEMaterializeAlways,
	}), Options{})

	require.Len(t, stmt.SubPlans, 1)
	sp := stmt.SubPlans[0]
	require.Equal(t, nodes.CTESubLink, sp.LinkType)
	require.Equal(t, "CTE d", sp.PlanName)
	require.Len(t, sp.SetParam, 1)
	planContains(t, stmt, "ctescan d (initplan 1)", "initplan 1")
}

func TestCteVolatileBodyMaterializes(t *testing.T) {
	// random() must run once, however many times the result is read.
	body := selectQuery("dept", []nodes.TargetEntry{
		{Expr: &nodes.FuncExpr{Name: "random", RetType: nodes.TypeFloat, Volatility: nodes.VolatilityVolatile}, Name: "r"},
	}, nil)
	stmt := mustPlan(t, withCte(&nodes.CommonTableExpr{
		Name:     "d",
		Query:    body,
		RefCount: 1,
	}), Options{})

	require.Len(t, stmt.SubPlans, 1)
	planContains(t, stmt, "ctescan d")
}

func TestCteMultipleReferenceCostDecision(t *testing.T) {
	// Two references to a plain scan: re-planning each copy is cheaper
	// than a materialization both would read, so the CTE inlines.
	body := selectQuery("dept", entries(tv(1, 1)), nil)
	q := withCte(&nodes.CommonTableExpr{Name: "d", Query: body, RefCount: 2})
	q.RangeTable = append(q.RangeTable, cteRef("d"))
	q.JoinTree = fromExpr(eqE(tv(1, 1), tv(2, 1)), rtr(1), rtr(2))
	q.TargetList = entries(tv(1, 1), tv(2, 1))
	stmt := mustPlan(t, q, Options{})

	planLacks(t, stmt, "ctescan")
	require.Equal(t, 1, countJoins(stmt.PlanTree), "the two inlined copies join directly")
}

func TestCteNeverMaterializeForcesInline(t *testing.T) {
	q := withCte(&nodes.CommonTableExpr{
		Name:        "d",
		Query:       selectQuery("dept", entries(tv(1, 1)), nil),
		RefCount:    2,
		Materialize: nodes.CTEMaterializeNever,
	})
	q.RangeTable = append(q.RangeTable, cteRef("d"))
	q.JoinTree = fromExpr(eqE(tv(1, 1), tv(2, 1)), rtr(1), rtr(2))
	q.TargetList = entries(tv(1, 1), tv(2, 1))
	stmt := mustPlan(t, q, Options{})

	require.Empty(t, stmt.SubPlans)
	planLacks(t, stmt, "ctescan")
}

func recursiveCteQuery() *nodes.Query {
	// WITH RECURSIVE r(n) AS (
	//   SELECT id FROM dept
	//   UNION ALL
	//   SELECT n FROM r WHERE n < 10
	// ) SELECT n FROM r
	nonRec := selectQuery("dept", entries(tv(1, 1)), nil)
	rec := &nodes.Query{
		RangeTable: []nodes.RangeTblEntry{&nodes.CTERTE{
			Name:          "r",
			LevelsUp:      1,
			SelfReference: true,
			ColTypes:      []nodes.Type{nodes.TypeInt},
		}},
		JoinTree:   fromExpr(ltE(tv(1, 1), ci(10)), rtr(1)),
		TargetList: entries(tv(1, 1)),
	}
	body := &nodes.Query{
		RangeTable: []nodes.RangeTblEntry{
			&nodes.SubqueryRTE{Subquery: nonRec},
			&nodes.SubqueryRTE{Subquery: rec},
		},
		SetOp: &nodes.SetOpExpr{
			Op:    nodes.SetOpUnion,
			All:   true,
			Left:  &nodes.SetOpRangeTblRef{Index: 1},
			Right: &nodes.SetOpRangeTblRef{Index: 2},
		},
		TargetList: entries(tv(1, 1)),
	}
	return withCte(&nodes.CommonTableExpr{
		Name:      "r",
		Query:     body,
		Recursive: true,
		RefCount:  1,
	})
}

func TestRecursiveCte(t *testing.T) {
	stmt := mustPlan(t, recursiveCteQuery(), Options{})

	require.Len(t, stmt.SubPlans, 1)
	sp := stmt.SubPlans[0]
	require.Equal(t, nodes.CTESubLink, sp.LinkType)
	ru, ok := sp.Plan.(*nodes.RecursiveUnion)
	require.True(t, ok, "CTE plan should be a recursive union, got %T", sp.Plan)
	require.True(t, ru.UnionAll)

	planContains(t, stmt,
		"ctescan r (initplan 1)",
		"recursiveunion",
		"worktablescan")

	// The union's work-table slot is self-supplied: it must not leak
	// into the initplan's external params.
	require.False(t, sp.Plan.Common().ExtParam.Contains(ru.WTParam))
}

func TestRecursiveCteDedups(t *testing.T) {
	q := recursiveCteQuery()
	q.CTEs[0].Query.SetOp.All = false
	stmt := mustPlan(t, q, Options{})

	ru, ok := stmt.SubPlans[0].Plan.(*nodes.RecursiveUnion)
	require.True(t, ok)
	require.False(t, ru.UnionAll)
}
