package planner

import (
	"testing"

	"github.com/relplan/relplan/nodes"
	"github.com/stretchr/testify/require"
)

func existsSL(sub *nodes.Query) *nodes.SubLink {
	return &nodes.SubLink{LinkType: nodes.ExistsSubLink, Subselect: sub}
}

func anySL(test nodes.Expr, sub *nodes.Query) *nodes.SubLink {
	return &nodes.SubLink{LinkType: nodes.AnySubLink, TestExpr: test, Oper: nodes.OpEq, Subselect: sub}
}

// empWhere plans SELECT id FROM emp WHERE <qual>.
func empWhere(t *testing.T, qual nodes.Expr, opts Options) *nodes.PlannedStmt {
	t.Helper()
	q := selectQuery("emp", entries(tv(1, 1)), qual)
	q.HasSubLinks = true
	return mustPlan(t, q, opts)
}

func TestExistsBecomesSemiJoin(t *testing.T) {
	// WHERE EXISTS (SELECT 1 FROM dept WHERE dept.id = emp.dept)
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), outerVar(1, 2, 1)))
	stmt := empWhere(t, existsSL(sub), Options{})

	hj, ok := topJoin(t, stmt.PlanTree).(*nodes.HashJoin)
	require.True(t, ok, "expected a hash join")
	require.Equal(t, nodes.JoinSemi, hj.JoinType)
	planLacks(t, stmt, "subplan", "initplan")
}

func TestNotExistsBecomesAntiJoin(t *testing.T) {
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), outerVar(1, 2, 1)))
	stmt := empWhere(t, notE(existsSL(sub)), Options{})

	hj, ok := topJoin(t, stmt.PlanTree).(*nodes.HashJoin)
	require.True(t, ok, "expected a hash join")
	require.Equal(t, nodes.JoinAnti, hj.JoinType)
}

func TestInBecomesSemiJoin(t *testing.T) {
	// WHERE emp.dept IN (SELECT id FROM dept)
	sub := selectQuery("dept", entries(tv(1, 1)), nil)
	stmt := empWhere(t, anySL(tv(1, 2), sub), Options{})

	hj, ok := topJoin(t, stmt.PlanTree).(*nodes.HashJoin)
	require.True(t, ok, "expected a hash join")
	require.Equal(t, nodes.JoinSemi, hj.JoinType)
}

func TestNotInKeepsNullDisjuncts(t *testing.T) {
	// WHERE emp.dept NOT IN (SELECT dept FROM proj): both operands are
	// nullable, so the anti-join condition grows IS NULL disjuncts and
	// cannot be hashed.
	sub := selectQuery("proj", entries(tv(1, 2)), nil)
	stmt := empWhere(t, notE(anySL(tv(1, 2), sub)), Options{})

	nl, ok := topJoin(t, stmt.PlanTree).(*nodes.NestLoop)
	require.True(t, ok, "expected a nested loop, got %T", topJoin(t, stmt.PlanTree))
	require.Equal(t, nodes.JoinAnti, nl.JoinType)
	planContains(t, stmt, "IS NULL")
}

func TestNotInOnNotNullColumns(t *testing.T) {
	// Both sides not null: the disjuncts disappear and the anti join
	// hashes like any equijoin.
	sub := selectQuery("dept", entries(tv(1, 1)), nil)
	stmt := empWhere(t, notE(anySL(tv(1, 1), sub)), Options{})

	hj, ok := topJoin(t, stmt.PlanTree).(*nodes.HashJoin)
	require.True(t, ok, "expected a hash join, got %T", topJoin(t, stmt.PlanTree))
	require.Equal(t, nodes.JoinAnti, hj.JoinType)
}

func TestScalarAggSublinkBecomesGroupedJoin(t *testing.T) {
	// WHERE emp.salary < (SELECT max(id) FROM proj WHERE proj.dept = emp.dept)
	maxAgg := &nodes.Aggref{Func: "max", Arg: tv(1, 1), RetType: nodes.TypeInt}
	sub := selectQuery("proj", []nodes.TargetEntry{{Expr: maxAgg, Name: "max"}},
		eqE(tv(1, 2), outerVar(1, 2, 1)))
	sub.HasAggs = true
	stmt := empWhere(t, ltE(tv(1, 3), scalarSL(sub)), Options{})

	planContains(t, stmt, "hashjoin (left)", "hashagg")
	planLacks(t, stmt, "subplan")
}

func scalarSL(sub *nodes.Query) *nodes.SubLink {
	return &nodes.SubLink{LinkType: nodes.ExprSubLink, Subselect: sub}
}

func TestAllSublinkRewritesToAggregate(t *testing.T) {
	// WHERE emp.salary < ALL (SELECT id FROM dept): dept.id is not null,
	// so the comparison collapses to salary < min(id). A second initplan
	// tests for emptiness, where ALL holds but min() returns NULL.
	sub := selectQuery("dept", entries(tv(1, 1)), nil)
	sl := &nodes.SubLink{LinkType: nodes.AllSubLink, TestExpr: tv(1, 3), Oper: nodes.OpLt, Subselect: sub}
	stmt := empWhere(t, sl, Options{})

	require.Len(t, stmt.SubPlans, 2)
	planContains(t, stmt, "initplan 1", "initplan 2", "< $exec")
	planLacks(t, stmt, "nestloop", "hashjoin")
}

func TestAllSublinkDeclinesNullableColumn(t *testing.T) {
	// proj.dept is nullable; min() would skip the nulls the ALL
	// comparison must observe, so the rewrite declines and a plain
	// sub-plan runs per row.
	sub := selectQuery("proj", entries(tv(1, 2)), nil)
	sl := &nodes.SubLink{LinkType: nodes.AllSubLink, TestExpr: tv(1, 3), Oper: nodes.OpLt, Subselect: sub}
	stmt := empWhere(t, sl, Options{})

	require.Len(t, stmt.SubPlans, 1)
	require.Equal(t, nodes.AllSubLink, stmt.SubPlans[0].LinkType)
	require.False(t, stmt.SubPlans[0].UseHashTable)
}

func TestOrOfExistsBecomesLeftJoinProbe(t *testing.T) {
	// WHERE emp.salary = 0 OR EXISTS (SELECT 1 FROM dept WHERE dept.id = emp.dept)
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), outerVar(1, 2, 1)))
	or := &nodes.BoolExpr{Op: nodes.OrOp, Args: []nodes.Expr{
		eqE(tv(1, 3), ci(0)),
		existsSL(sub),
	}}
	stmt := empWhere(t, or, Options{})

	planContains(t, stmt, "hashjoin (left)", "IS NOT NULL")
	planLacks(t, stmt, "subplan")
}

func TestCorrelatedExistsHashedWhenPullupDisabled(t *testing.T) {
	// With pull-up off, an EXISTS equality-correlated on a not-null outer
	// column still simplifies to an uncorrelated membership probe the
	// executor hashes.
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), outerVar(1, 1, 1)))
	stmt := empWhere(t, existsSL(sub), Options{DisableSublinkPullup: true})

	planContains(t, stmt, "hashed")
	planLacks(t, stmt, "nestloop", "hashjoin")
}

func TestExistsOnNullableKeyStaysPerRow(t *testing.T) {
	// emp.dept is nullable: EXISTS over a NULL key is false while the
	// membership probe would say unknown, so the hashed form is off the
	// table and the sub-plan runs per outer row.
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), outerVar(1, 2, 1)))
	stmt := empWhere(t, existsSL(sub), Options{DisableSublinkPullup: true})

	require.Len(t, stmt.SubPlans, 1)
	sp := stmt.SubPlans[0]
	require.Equal(t, nodes.ExistsSubLink, sp.LinkType)
	require.NotEmpty(t, sp.ParParam)
	planLacks(t, stmt, "hashed")
}

func TestUncorrelatedExistsBecomesInitPlan(t *testing.T) {
	sub := selectQuery("dept", entries(ci(1)), eqE(tv(1, 1), ci(7)))
	stmt := empWhere(t, existsSL(sub), Options{DisableSublinkPullup: true})

	require.Len(t, stmt.SubPlans, 1)
	sp := stmt.SubPlans[0]
	require.Equal(t, nodes.ExistsSubLink, sp.LinkType)
	require.Empty(t, sp.ParParam)
	require.Len(t, sp.SetParam, 1)
	require.Contains(t, sp.PlanName, "InitPlan 1 (returns $")
}

func TestCorrelatedScalarSubPlan(t *testing.T) {
	// A non-equality correlation cannot pull up; the sub-plan reads the
	// outer row through a per-call param.
	sub := selectQuery("dept", entries(tv(1, 1)), ltE(tv(1, 1), outerVar(1, 2, 1)))
	stmt := empWhere(t, ltE(tv(1, 3), scalarSL(sub)), Options{})

	require.Len(t, stmt.SubPlans, 1)
	sp := stmt.SubPlans[0]
	require.Len(t, sp.ParParam, 1)
	require.Len(t, sp.Args, 1)
	v, ok := sp.Args[0].(*nodes.Var)
	require.True(t, ok, "param source should be an outer column, got %T", sp.Args[0])
	require.Equal(t, 0, v.LevelsUp)
	require.Positive(t, stmt.NextParamID)
}

func TestHashedAnySubPlan(t *testing.T) {
	sub := selectQuery("dept", entries(tv(1, 1)), nil)
	stmt := empWhere(t, anySL(tv(1, 2), sub), Options{DisableSublinkPullup: true})

	require.Len(t, stmt.SubPlans, 1)
	sp := stmt.SubPlans[0]
	require.True(t, sp.UseHashTable)
	require.Contains(t, sp.PlanName, "(hashed)")
	require.Len(t, sp.SetParam, 1)
	_, isOp := sp.TestExpr.(*nodes.OpExpr)
	require.True(t, isOp, "test expr should compare against the output param")
}

func TestDeclinedPullupKeepsCorrelation(t *testing.T) {
	// The EXISTS in the inner join's ON clause reaches emp, which is not
	// part of that join, so the pull-up declines. The analysis must leave
	// the sub-select's correlated qual in place for the per-row sub-plan.
	sub := selectQuery("proj", entries(ci(1)), eqE(tv(1, 2), outerVar(1, 2, 1)))
	q := &nodes.Query{
		RangeTable: []nodes.RangeTblEntry{relRTE("emp"), relRTE("dept"), relRTE("proj")},
		JoinTree: fromExpr(nil, rtr(1), &nodes.JoinExpr{
			JoinType: nodes.JoinInner,
			Left:     rtr(2),
			Right:    rtr(3),
			Quals: nodes.MakeAnd([]nodes.Expr{
				eqE(tv(2, 1), tv(3, 2)),
				existsSL(sub),
			}),
		}),
		TargetList:  entries(tv(1, 1)),
		HasSubLinks: true,
	}
	stmt := mustPlan(t, q, Options{})
	require.Len(t, stmt.SubPlans, 1)
	require.NotEmpty(t, stmt.SubPlans[0].ParParam)
}

func TestSublinkInOuterJoinConditionStaysSubPlan(t *testing.T) {
	// An EXISTS in a LEFT JOIN's ON clause must not become a join of its
	// own: that would change which rows null-extend.
	inner := selectQuery("proj", entries(ci(1)), eqE(tv(1, 2), outerVar(2, 1, 1)))
	q := &nodes.Query{
		RangeTable: []nodes.RangeTblEntry{relRTE("emp"), relRTE("dept")},
		JoinTree: fromExpr(nil, &nodes.JoinExpr{
			JoinType: nodes.JoinLeft,
			Left:     rtr(1),
			Right:    rtr(2),
			Quals: nodes.MakeAnd([]nodes.Expr{
				eqE(tv(1, 2), tv(2, 1)),
				existsSL(inner),
			}),
		}),
		TargetList:  entries(tv(1, 1)),
		HasSubLinks: true,
	}
	stmt := mustPlan(t, q, Options{})
	require.Len(t, stmt.SubPlans, 1)
}
